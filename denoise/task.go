package denoise

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mrjoshuak/exrdenoise/device"
)

// inputClampBound suppresses pathological outlier values before filtering.
const inputClampBound = 1e8

// Task denoises a single frame: it loads the frame and its temporal
// neighbors into a stacked input buffer, partitions the image into tiles
// and drives the compute device through the tile protocol once per
// denoisable layer, then commits the result.
//
// The stages run Load, Exec, Save in order; Free runs on every exit path.
type Task struct {
	denoiser       *Denoiser
	frame          int
	neighborFrames []int

	image        Image
	currentLayer int

	// inputPixels stacks the center frame and each neighbor one frame
	// stride apart: width*NumInputChannels floats per row, height rows
	// per frame.
	inputPixels []float32

	queue   tileQueue
	outputs outputMap
}

// NewTask creates the task for one output frame. neighborFrames holds the
// absolute frame numbers stacked alongside the center frame.
func NewTask(d *Denoiser, frame int, neighborFrames []int) *Task {
	t := &Task{
		denoiser:       d,
		frame:          frame,
		neighborFrames: neighborFrames,
	}
	t.image.Samples = d.Params.SamplesOverride
	return t
}

// Load opens the center frame and its neighbors, allocates the stacked
// input buffer and reads the pixels of the first denoisable layer.
func (t *Task) Load() error {
	if err := t.image.Load(t.denoiser.Input[t.frame]); err != nil {
		return err
	}
	if err := t.image.LoadNeighbors(t.denoiser.Input, t.neighborFrames); err != nil {
		return err
	}

	numFrames := t.image.NumNeighbors() + 1
	t.inputPixels = make([]float32, t.image.Width*t.image.Height*NumInputChannels*numFrames)

	t.currentLayer = 0
	return t.loadInputPixels(0)
}

// loadInputPixels gathers one layer's input slots for the center frame and
// every neighbor into the stacked buffer and applies the preprocessing
// steps to each stacked frame independently.
func (t *Task) loadInputPixels(layer int) error {
	w, h := t.image.Width, t.image.Height
	numPixels := w * h
	frameStride := numPixels * NumInputChannels
	imageLayer := &t.image.Layers[layer]

	t.image.ReadPixels(imageLayer, t.inputPixels[:frameStride])
	for i := 0; i < t.image.NumNeighbors(); i++ {
		off := (i + 1) * frameStride
		if err := t.image.ReadNeighborPixels(i, imageLayer, t.inputPixels[off:off+frameStride]); err != nil {
			return err
		}
	}

	for frame := 0; frame <= t.image.NumNeighbors(); frame++ {
		buf := t.inputPixels[frame*frameStride : (frame+1)*frameStride]

		if t.denoiser.Params.ClampInput {
			for i, v := range buf {
				if v < -inputClampBound {
					buf[i] = -inputClampBound
				} else if v > inputClampBound {
					buf[i] = inputClampBound
				}
			}
		}

		boxBlurSlot(buf, SlotIntensity, w, h, 5*t.denoiser.Params.Radius)
	}
	return nil
}

// boxBlurSlot applies a separable box blur of radius r to one slot of a
// packed frame: a horizontal pass into a temporary buffer, then a vertical
// pass back in place. Windows are clipped at the image borders, so edge
// pixels average over fewer than 2r+1 samples. Radius 0 is the identity.
func boxBlurSlot(buf []float32, slot, w, h, r int) {
	if r <= 0 {
		return
	}
	temp := make([]float32, w*h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := 0
			sum := float32(0)
			for dx := max(x-r, 0); dx < min(x+r+1, w); dx++ {
				sum += buf[NumInputChannels*(y*w+dx)+slot]
				n++
			}
			temp[y*w+x] = sum / float32(n)
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := 0
			sum := float32(0)
			for dy := max(y-r, 0); dy < min(y+r+1, h); dy++ {
				sum += temp[dy*w+x]
				n++
			}
			buf[NumInputChannels*(y*w+x)+slot] = sum / float32(n)
		}
	}
}

// createTaskSpec builds the tile set for the current layer and the device
// task descriptor around it.
func (t *Task) createTaskSpec() *device.TaskSpec {
	if !t.outputs.empty() {
		panic("denoise: output buffers left mapped from previous layer")
	}

	tiles := buildTiles(t.image.Width, t.image.Height,
		t.denoiser.Params.TileSize, t.image.Layers[t.currentLayer].Samples, t.inputPixels)
	t.queue.reset(tiles)

	frames := make([]int, 0, len(t.neighborFrames)+1)
	frames = append(frames, 0)
	for _, f := range t.neighborFrames {
		frames = append(frames, f-t.frame)
	}

	return &device.TaskSpec{
		Task:        t,
		Input:       t.inputPixels,
		Width:       t.image.Width,
		Height:      t.image.Height,
		FrameStride: t.image.Width * t.image.Height * NumInputChannels,
		Frames:      frames,
	}
}

// AcquireTile pops the next pending tile and reports progress. Called
// concurrently by the device's workers.
func (t *Task) AcquireTile() (device.Tile, bool) {
	tile, done, ok := t.queue.pop()
	if !ok {
		return device.Tile{}, false
	}
	t.denoiser.printProgress(done, t.queue.total, t.frame)
	return tile, true
}

// MapNeighborTiles computes the eight surrounding halo tiles by offsetting
// the active tile by one tile size in each direction, clamped to the image
// bounds (edge tiles get degenerate zero-sized neighbors, never wrapping).
// It allocates the tile's output buffer, pre-fills it with the noisy image
// so a kernel that skips pixels still leaves sane output, and registers it
// under the tile index.
func (t *Task) MapNeighborTiles(nt *device.NeighborTiles) error {
	center := nt.Center()
	w, h := t.image.Width, t.image.Height
	tileSize := t.denoiser.Params.TileSize

	for i := range nt.Tiles {
		if i == device.TileCenter {
			continue
		}
		dx := i%3 - 1
		dy := i/3 - 1
		tile := &nt.Tiles[i]
		tile.X = clampInt(center.X+dx*tileSize, 0, w)
		tile.W = clampInt(center.X+(dx+1)*tileSize, 0, w) - tile.X
		tile.Y = clampInt(center.Y+dy*tileSize, 0, h)
		tile.H = clampInt(center.Y+(dy+1)*tileSize, 0, h) - tile.Y
		tile.Buffer = center.Buffer
		tile.Offset = center.Offset
		tile.Stride = w
	}

	out := make([]float32, NumOutputChannels*center.W*center.H)

	layer := &t.image.Layers[t.currentLayer]
	noisy := layer.InputToImageChannel[SlotNoisyImage : SlotNoisyImage+NumOutputChannels]
	result := out
	for y := 0; y < center.H; y++ {
		row := t.image.Pixels[t.image.NumChannels*((center.Y+y)*w+center.X):]
		for x := 0; x < center.W; x++ {
			for c, imageChannel := range noisy {
				result[c] = row[t.image.NumChannels*x+imageChannel]
			}
			result = result[NumOutputChannels:]
		}
	}

	nt.Output = *center
	nt.Output.Buffer = out
	nt.Output.Stride = center.W
	nt.Output.Offset = -(center.X + center.Y*center.W)

	t.outputs.insert(center.Index, out)
	return nil
}

// UnmapNeighborTiles removes the tile's output buffer from the map and
// scatters its three output channels into the full-frame pixel buffer at
// the tile's rectangle only.
func (t *Task) UnmapNeighborTiles(nt *device.NeighborTiles) error {
	center := nt.Center()
	out := t.outputs.remove(center.Index)

	layer := &t.image.Layers[t.currentLayer]
	w := t.image.Width
	result := out
	for y := 0; y < center.H; y++ {
		row := t.image.Pixels[t.image.NumChannels*((center.Y+y)*w+center.X):]
		for x := 0; x < center.W; x++ {
			for c, imageChannel := range layer.OutputToImageChannel {
				row[t.image.NumChannels*x+imageChannel] = result[c]
			}
			result = result[NumOutputChannels:]
		}
	}
	return nil
}

// ReleaseTile implements device.TileTask. Nothing to do for this pipeline.
func (t *Task) ReleaseTile(device.Tile) {}

// IsCancelled implements device.TileTask. Cancellation is not supported; a
// run proceeds to completion or hard failure.
func (t *Task) IsCancelled() bool { return false }

// Exec runs one full device task per denoisable layer, blocking until the
// device has drained the tile queue before moving to the next layer.
func (t *Task) Exec(ctx context.Context) error {
	for t.currentLayer = 0; t.currentLayer < len(t.image.Layers); t.currentLayer++ {
		// The first layer's pixels were loaded by Load.
		if t.currentLayer > 0 {
			if err := t.loadInputPixels(t.currentLayer); err != nil {
				return err
			}
		}

		spec := t.createTaskSpec()
		if err := t.denoiser.device.Run(ctx, spec); err != nil {
			return fmt.Errorf("denoise: frame %d layer %s: %w",
				t.frame, t.image.Layers[t.currentLayer].Name, err)
		}
		if !t.outputs.empty() {
			panic("denoise: device finished with output buffers still mapped")
		}
		t.denoiser.progressDone()
	}
	return nil
}

// Save commits the denoised frame to its output path.
func (t *Task) Save() error {
	return t.image.SaveOutput(t.denoiser.Output[t.frame])
}

// Free releases the task's buffers. It must run on every exit path and
// asserts that no tile output is still in flight.
func (t *Task) Free() {
	if !t.outputs.empty() {
		panic("denoise: freeing task with output buffers still mapped")
	}
	t.image.Free()
	t.inputPixels = nil
}

// printProgress renders the tile progress bar. The frame number is
// shown only for multi-frame sequences.
func printProgress(w io.Writer, num, total, frame, numFrames int) {
	const bars = 40

	v := num * bars / total
	var b strings.Builder
	b.WriteString("\rDenoise Frame ")
	if numFrames > 1 {
		fmt.Fprintf(&b, "%d ", frame)
	}
	b.WriteByte('[')
	for i := 0; i < v; i++ {
		b.WriteByte('=')
	}
	if v < bars {
		b.WriteByte('>')
	}
	for i := v + 1; i < bars; i++ {
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "] %d / %d", num, total)
	fmt.Fprint(w, b.String())
}
