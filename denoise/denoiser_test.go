package denoise

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrjoshuak/go-openexr/exr"

	"github.com/mrjoshuak/exrdenoise/device"
)

// readFramePixels opens an EXR file and returns its channel names and
// interleaved float pixels.
func readFramePixels(t *testing.T, path string) ([]string, []float32) {
	t.Helper()
	f, err := exr.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile(%s) error = %v", path, err)
	}
	defer f.Close()
	names := channelNames(f.Header(0))
	pixels, err := readChannelsFloat(f)
	if err != nil {
		t.Fatalf("readChannelsFloat(%s) error = %v", path, err)
	}
	return names, pixels
}

func channelIndex(t *testing.T, names []string, name string) int {
	t.Helper()
	for i, n := range names {
		if n == name {
			return i
		}
	}
	t.Fatalf("channel %q not found in %v", name, names)
	return -1
}

func TestDenoiserIdentitySingleFrame(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.exr")
	out := filepath.Join(dir, "out.exr")
	names := append(layerChannelNames("RenderLayer"), "Z")
	writeTestFrame(t, in, 4, 4, names,
		map[string]string{"cycles.RenderLayer.samples": "16"}, rampValue)

	// The identity kernel leaves the prefilled output untouched, so the
	// denoised result must equal the noisy image exactly.
	dev := device.NewCPU(2, device.IdentityKernel)
	defer dev.Close()

	params := DefaultParams()
	params.TileSize = 4
	d := NewDenoiser(dev, []string{in}, []string{out}, params)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	outNames, pixels := readFramePixels(t, out)
	if len(outNames) != len(names) {
		t.Fatalf("output has %d channels, want %d", len(outNames), len(names))
	}
	stride := len(outNames)

	combined := []string{"RenderLayer.Combined.R", "RenderLayer.Combined.G", "RenderLayer.Combined.B"}
	noisy := []string{"RenderLayer.Noisy Image.R", "RenderLayer.Noisy Image.G", "RenderLayer.Noisy Image.B"}
	for c := range combined {
		ci := channelIndex(t, outNames, combined[c])
		ni := channelIndex(t, outNames, noisy[c])
		for p := 0; p < 16; p++ {
			want := rampValue(noisy[c], p%4, p/4)
			if got := pixels[p*stride+ci]; got != want {
				t.Fatalf("%s pixel %d = %v, want %v", combined[c], p, got, want)
			}
			if got := pixels[p*stride+ni]; got != want {
				t.Fatalf("%s pixel %d = %v, want unchanged %v", noisy[c], p, got, want)
			}
		}
	}

	// Channels outside the layer pass through untouched.
	zi := channelIndex(t, outNames, "Z")
	for p := 0; p < 16; p++ {
		if got, want := pixels[p*stride+zi], rampValue("Z", p%4, p/4); got != want {
			t.Fatalf("Z pixel %d = %v, want %v", p, got, want)
		}
	}
}

func TestDenoiserTemporalSequence(t *testing.T) {
	dir := t.TempDir()
	attrs := map[string]string{"cycles.RenderLayer.samples": "8"}
	var input, output []string
	for f := 0; f < 3; f++ {
		in := filepath.Join(dir, fmt.Sprintf("in%d.exr", f))
		value := func(channel string, x, y int) float32 {
			return rampValue(channel, x, y) + float32(f)*100
		}
		writeTestFrame(t, in, 4, 4, layerChannelNames("RenderLayer"), attrs, value)
		input = append(input, in)
		output = append(output, filepath.Join(dir, fmt.Sprintf("out%d.exr", f)))
	}

	dev := device.NewCPU(1, device.IdentityKernel)
	defer dev.Close()

	params := DefaultParams()
	params.TileSize = 4
	params.NeighborFrames = 1
	d := NewDenoiser(dev, input, output, params)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Each frame's result stays tied to its own noisy image even with
	// neighbor frames mapped.
	for f := 0; f < 3; f++ {
		names, pixels := readFramePixels(t, output[f])
		ci := channelIndex(t, names, "RenderLayer.Combined.R")
		want := rampValue("RenderLayer.Noisy Image.R", 0, 0) + float32(f)*100
		if got := pixels[ci]; got != want {
			t.Errorf("frame %d Combined.R at (0,0) = %v, want %v", f, got, want)
		}
	}
}

func TestDenoiserSkipsEmptyOutputs(t *testing.T) {
	dir := t.TempDir()
	attrs := map[string]string{"cycles.RenderLayer.samples": "8"}
	in0 := filepath.Join(dir, "in0.exr")
	in1 := filepath.Join(dir, "in1.exr")
	writeTestFrame(t, in0, 4, 4, layerChannelNames("RenderLayer"), attrs, rampValue)
	writeTestFrame(t, in1, 4, 4, layerChannelNames("RenderLayer"), attrs, rampValue)
	out1 := filepath.Join(dir, "out1.exr")

	dev := device.NewCPU(1, device.IdentityKernel)
	defer dev.Close()

	params := DefaultParams()
	params.TileSize = 4
	d := NewDenoiser(dev, []string{in0, in1}, []string{"", out1}, params)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := exr.OpenFile(out1); err != nil {
		t.Errorf("skipped-frame run did not write out1: %v", err)
	}
}

func TestDenoiserAbortsOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	attrs := map[string]string{"cycles.RenderLayer.samples": "8"}
	in0 := filepath.Join(dir, "in0.exr")
	writeTestFrame(t, in0, 4, 4, layerChannelNames("RenderLayer"), attrs, rampValue)
	in1 := filepath.Join(dir, "in1.exr") // never written

	dev := device.NewCPU(1, device.IdentityKernel)
	defer dev.Close()

	params := DefaultParams()
	params.TileSize = 4
	out := []string{filepath.Join(dir, "out0.exr"), filepath.Join(dir, "out1.exr")}
	d := NewDenoiser(dev, []string{in0, in1}, out, params)
	err := d.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "in1.exr") {
		t.Fatalf("Run() error = %v, want failure naming in1.exr", err)
	}

	// The first frame completed before the failure and stays on disk.
	if _, err := exr.OpenFile(out[0]); err != nil {
		t.Errorf("out0 missing after aborted run: %v", err)
	}
}

func TestDenoiserMismatchedFrameLists(t *testing.T) {
	dev := device.NewCPU(1, device.IdentityKernel)
	defer dev.Close()

	d := NewDenoiser(dev, []string{"a.exr", "b.exr"}, []string{"out.exr"}, DefaultParams())
	if err := d.Run(context.Background()); err == nil {
		t.Error("Run() with mismatched frame lists succeeded, want error")
	}
}

func TestDenoiserInvalidTileSize(t *testing.T) {
	dev := device.NewCPU(1, device.IdentityKernel)
	defer dev.Close()

	params := Params{}
	d := NewDenoiser(dev, []string{"a.exr"}, []string{"out.exr"}, params)
	if err := d.Run(context.Background()); err == nil {
		t.Error("Run() with zero tile size succeeded, want error")
	}
}

func TestDenoiserCrossBilateralSmoke(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.exr")
	out := filepath.Join(dir, "out.exr")

	// Constant feature passes with a constant noisy image: regardless of
	// the filter weights, a convex combination of a constant is that
	// constant.
	value := func(channel string, x, y int) float32 {
		switch {
		case strings.Contains(channel, "Normal"):
			if strings.HasSuffix(channel, ".Z") {
				return 1
			}
			return 0
		case strings.Contains(channel, "Variance"):
			return 0.01
		case strings.Contains(channel, "Noisy Image"):
			return 0.5
		default:
			return 0.25
		}
	}
	writeTestFrame(t, in, 8, 8, layerChannelNames("RenderLayer"),
		map[string]string{"cycles.RenderLayer.samples": "16"}, value)

	dev := device.NewCPU(0, nil) // default worker count, default kernel
	defer dev.Close()

	params := DefaultParams()
	params.TileSize = 4
	d := NewDenoiser(dev, []string{in}, []string{out}, params)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	names, pixels := readFramePixels(t, out)
	stride := len(names)
	for _, c := range []string{"R", "G", "B"} {
		ci := channelIndex(t, names, "RenderLayer.Combined."+c)
		for p := 0; p < 64; p++ {
			got := pixels[p*stride+ci]
			if got < 0.4999 || got > 0.5001 {
				t.Fatalf("Combined.%s pixel %d = %v, want 0.5", c, p, got)
			}
		}
	}
}
