package denoise

import (
	"context"
	"fmt"
	"io"

	"github.com/mrjoshuak/exrdenoise/device"
)

// Params holds the denoising parameters shared by every frame of a run.
type Params struct {
	// NeighborFrames is the temporal radius: frames within this distance
	// of the center frame are stacked as additional kernel input.
	NeighborFrames int

	// ClampInput clamps all input channels to a large symmetric bound
	// before filtering.
	ClampInput bool

	// Radius controls the box blur applied to the intensity feature pass;
	// the effective blur radius is five times this value.
	Radius int

	// TileSize is the width and height of the device work tiles.
	TileSize int

	// SamplesOverride replaces per-layer sample metadata when positive.
	SamplesOverride int
}

// DefaultParams mirrors the defaults of the standalone denoising tool.
func DefaultParams() Params {
	return Params{TileSize: 64}
}

// Denoiser drives the frame loop: for each output frame it computes the
// temporal neighbor set and runs one Task against the compute device.
//
// The device is owned by the caller: it must be created before the
// Denoiser and closed after the last run, on all exit paths.
type Denoiser struct {
	// Input and Output are parallel path lists indexed by frame number.
	// Frames with an empty output path are skipped.
	Input  []string
	Output []string

	Params Params

	// Progress receives the textual tile progress bar. Nil discards it.
	Progress io.Writer

	device    device.Device
	numFrames int
}

// NewDenoiser creates a Denoiser over the given frame sequence.
func NewDenoiser(dev device.Device, input, output []string, params Params) *Denoiser {
	return &Denoiser{
		Input:  input,
		Output: output,
		Params: params,
		device: dev,
	}
}

// Run denoises every frame with a non-empty output path. The first failing
// stage aborts the whole run with that task's error; frames already
// written stay on disk.
func (d *Denoiser) Run(ctx context.Context) error {
	if len(d.Input) != len(d.Output) {
		return fmt.Errorf("denoise: %d input frames but %d output paths", len(d.Input), len(d.Output))
	}
	if d.Params.TileSize < 1 {
		return fmt.Errorf("denoise: invalid tile size %d", d.Params.TileSize)
	}
	d.numFrames = len(d.Output)

	for frame := 0; frame < d.numFrames; frame++ {
		if d.Output[frame] == "" {
			continue
		}

		// Neighbor set: frames within the radius, excluding the center,
		// clipped to the sequence bounds (no wraparound).
		var neighbors []int
		for f := frame - d.Params.NeighborFrames; f <= frame+d.Params.NeighborFrames; f++ {
			if f >= 0 && f < d.numFrames && f != frame {
				neighbors = append(neighbors, f)
			}
		}

		task := NewTask(d, frame, neighbors)
		err := task.Load()
		if err == nil {
			err = task.Exec(ctx)
		}
		if err == nil {
			err = task.Save()
		}
		task.Free()
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Denoiser) printProgress(num, total, frame int) {
	if d.Progress == nil {
		return
	}
	printProgress(d.Progress, num, total, frame, d.numFrames)
}

// progressDone terminates the current progress line.
func (d *Denoiser) progressDone() {
	if d.Progress == nil {
		return
	}
	fmt.Fprintln(d.Progress)
}
