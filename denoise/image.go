package denoise

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/mrjoshuak/go-openexr/exr"
	"github.com/mrjoshuak/go-openexr/exrutil"
	"github.com/mrjoshuak/go-openexr/half"
)

// Image errors.
var (
	ErrTooManyNeighbors = errors.New("denoise: maximum number of neighbor frames exceeded")
	ErrNoDenoiseLayers  = errors.New("denoise: no render layer contains denoising data passes")
)

// neighborFrame is an opened but not yet pixel-loaded temporally adjacent
// frame. Pixels are read on demand per layer and discarded after remapping.
type neighborFrame struct {
	file         *exr.File
	path         string
	channelNames []string
	numChannels  int
}

// Image owns the center frame's pixel storage and the opened neighbor
// frame handles for one denoising task.
type Image struct {
	Width       int
	Height      int
	NumChannels int

	// Samples overrides per-layer sample metadata when positive.
	Samples int

	// Pixels is the center frame: Width*Height pixels, NumChannels floats
	// each, row-major, channel-interleaved in file channel order.
	Pixels []float32

	// Layers are the denoisable render layers, ordered by layer name.
	Layers []Layer

	header       *exr.Header
	path         string
	channelNames []string
	neighbors    []*neighborFrame
}

// Load opens the center frame, discovers its denoisable layers and reads
// all channels into the pixel buffer in one pass.
func (img *Image) Load(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("denoise: couldn't find file %s", path)
	}

	f, err := exr.OpenFile(path)
	if err != nil {
		return fmt.Errorf("denoise: couldn't open file %s: %w", path, err)
	}
	defer f.Close()

	h := f.Header(0)
	if h == nil {
		return fmt.Errorf("denoise: %s: invalid header", path)
	}

	img.path = path
	img.header = h
	img.Width = h.Width()
	img.Height = h.Height()
	img.channelNames = channelNames(h)
	img.NumChannels = len(img.channelNames)

	if err := img.parseChannels(h); err != nil {
		return err
	}
	if len(img.Layers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoDenoiseLayers, path)
	}

	// All channels are read at once; the interleaved EXR chunk layout
	// makes per-channel sequential reads a non-option.
	img.Pixels, err = readChannelsFloat(f)
	if err != nil {
		return fmt.Errorf("denoise: failed to read image %s: %w", path, err)
	}
	return nil
}

// parseChannels groups the file's channels into render layers and keeps
// those with a complete denoising pass set. Channels that do not follow
// the naming convention stay outside any layer and are passed through on
// save.
func (img *Image) parseChannels(h *exr.Header) error {
	multiview := h.HasMultiView() && len(h.MultiView()) >= 2

	layers := make(map[string]*Layer)
	for i, name := range img.channelNames {
		layerName, pass, channel, ok := parseChannelName(name, multiview)
		if !ok {
			continue
		}
		l := layers[layerName]
		if l == nil {
			l = &Layer{Name: layerName}
			layers[layerName] = l
		}
		l.Channels = append(l.Channels, pass+"."+channel)
		l.LayerToImageChannel = append(l.LayerToImageChannel, i)
	}

	// Deterministic layer order.
	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	sort.Strings(names)

	img.Layers = img.Layers[:0]
	for _, name := range names {
		l := layers[name]
		if !l.detectDenoisingChannels() {
			continue
		}

		l.Samples = img.Samples
		if l.Samples < 1 {
			s, err := layerSamples(h, name)
			if err != nil {
				return err
			}
			l.Samples = s
		}
		if l.Samples < 1 {
			return fmt.Errorf("denoise: no sample number specified in the file for layer %s or on the command line", name)
		}

		img.Layers = append(img.Layers, *l)
	}
	return nil
}

// layerSamples reads the cycles.<Layer>.samples string attribute. A
// missing attribute yields 0; a malformed or non-positive value is an
// error.
func layerSamples(h *exr.Header, layer string) (int, error) {
	attr := h.Get("cycles." + layer + ".samples")
	if attr == nil {
		return 0, nil
	}
	s, ok := attr.Value.(string)
	if !ok {
		return 0, fmt.Errorf("denoise: samples metadata for layer %s is not a string", layer)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("denoise: failed to parse samples metadata: %q", s)
	}
	return n, nil
}

// LoadNeighbors opens the requested temporal neighbor frames and verifies
// that every denoisable layer can be aligned against each of them. Pixels
// are not read yet; the handles stay open until the task reads them or the
// output is saved.
func (img *Image) LoadNeighbors(paths []string, frames []int) error {
	if len(frames) > MaxFrames-1 {
		return fmt.Errorf("%w (%d)", ErrTooManyNeighbors, MaxFrames-1)
	}

	for neighbor, frame := range frames {
		path := paths[frame]

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return fmt.Errorf("denoise: couldn't find neighbor frame %s", path)
		}
		f, err := exr.OpenFile(path)
		if err != nil {
			return fmt.Errorf("denoise: couldn't open neighbor frame %s: %w", path, err)
		}

		h := f.Header(0)
		if h == nil || h.Width() != img.Width || h.Height() != img.Height {
			f.Close()
			return fmt.Errorf("denoise: neighbor frame has different dimensions: %s", path)
		}

		names := channelNames(h)
		for i := range img.Layers {
			if !img.Layers[i].matchChannels(neighbor, img.channelNames, names) {
				f.Close()
				return fmt.Errorf("denoise: neighbor frame misses denoising data passes: %s", path)
			}
		}

		img.neighbors = append(img.neighbors, &neighborFrame{
			file:         f,
			path:         path,
			channelNames: names,
			numChannels:  len(names),
		})
	}
	return nil
}

// NumNeighbors returns the number of opened neighbor frames.
func (img *Image) NumNeighbors() int {
	return len(img.neighbors)
}

// ReadPixels gathers the center frame's 15 input slots for one layer into
// dst, packed NumInputChannels floats per pixel.
func (img *Image) ReadPixels(layer *Layer, dst []float32) {
	mapping := layer.InputToImageChannel
	for i := 0; i < img.Width*img.Height; i++ {
		src := img.Pixels[i*img.NumChannels:]
		out := dst[i*NumInputChannels:]
		for j, c := range mapping {
			out[j] = src[c]
		}
	}
}

// ReadNeighborPixels reads one neighbor frame in full and gathers its
// input slots for one layer into dst through the neighbor's own channel
// resolution. The full-frame temporary is discarded after remapping.
func (img *Image) ReadNeighborPixels(neighbor int, layer *Layer, dst []float32) error {
	n := img.neighbors[neighbor]
	pixels, err := readChannelsFloat(n.file)
	if err != nil {
		return fmt.Errorf("denoise: failed to read neighbor frame %s: %w", n.path, err)
	}

	mapping := layer.NeighborInputToImageChannel[neighbor]
	for i := 0; i < img.Width*img.Height; i++ {
		src := pixels[i*n.numChannels:]
		out := dst[i*NumInputChannels:]
		for j, c := range mapping {
			out[j] = src[c]
		}
	}
	return nil
}

// closeInput closes all neighbor frame handles.
func (img *Image) closeInput() {
	for _, n := range img.neighbors {
		n.file.Close()
	}
	img.neighbors = nil
}

// Free releases the pixel buffer and closes any remaining input handles.
func (img *Image) Free() {
	img.closeInput()
	img.Pixels = nil
}

// SaveOutput writes the (partially rewritten) pixel buffer to path. The
// image is written to a uniquely named temporary file next to the
// destination and renamed over it only on full success, so a failure
// leaves the destination untouched. Neighbor handles are closed first
// since the output path may alias an input path.
func (img *Image) SaveOutput(path string) error {
	out := exr.NewScanlineHeader(img.Width, img.Height)
	out.SetCompression(img.header.Compression())
	out.SetLineOrder(img.header.LineOrder())
	out.SetPixelAspectRatio(img.header.PixelAspectRatio())
	out.SetScreenWindowCenter(img.header.ScreenWindowCenter())
	out.SetScreenWindowWidth(img.header.ScreenWindowWidth())
	out.SetDataWindow(img.header.DataWindow())

	inChannels := img.header.Channels()
	cl := exr.NewChannelList()
	for _, ch := range inChannels.Channels() {
		cl.Add(ch)
	}
	out.SetChannels(cl)

	exrutil.CopyMetadata(img.header, out)

	// Record sample counts even when the input file lacked them.
	for i := range img.Layers {
		name := "cycles." + img.Layers[i].Name + ".samples"
		if out.Get(name) == nil {
			out.Set(&exr.Attribute{
				Name:  name,
				Type:  exr.AttrTypeString,
				Value: strconv.Itoa(img.Layers[i].Samples),
			})
		}
	}

	img.closeInput()

	tmp := path + ".denoise-tmp-" + uuid.NewString() + filepath.Ext(path)
	if err := writeChannelsFloat(tmp, out, img.Pixels, img.NumChannels); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("denoise: failed to move denoised image to %s: %w", path, err)
	}
	return nil
}

// channelNames returns the file's channel names in list order.
func channelNames(h *exr.Header) []string {
	cl := h.Channels()
	if cl == nil {
		return nil
	}
	names := make([]string, 0, cl.Len())
	for _, ch := range cl.Channels() {
		names = append(names, ch.Name)
	}
	return names
}

// readChannelsFloat reads every channel of the file's first part as
// float32, returning a row-major channel-interleaved buffer in channel
// list order. Stored half and uint channels are converted.
func readChannelsFloat(f *exr.File) ([]float32, error) {
	h := f.Header(0)
	width, height := h.Width(), h.Height()
	cl := h.Channels()
	num := cl.Len()
	numPixels := width * height

	fb := exr.NewFrameBuffer()
	floatData := make([][]float32, num)
	halfData := make([][]half.Half, num)
	uintData := make([][]uint32, num)

	for i := 0; i < num; i++ {
		ch := cl.At(i)
		switch ch.Type {
		case exr.PixelTypeHalf:
			halfData[i] = make([]half.Half, numPixels)
			fb.Set(ch.Name, exr.NewSliceFromHalf(halfData[i], width, height))
		case exr.PixelTypeUint:
			uintData[i] = make([]uint32, numPixels)
			fb.Set(ch.Name, exr.NewSliceFromUint32(uintData[i], width, height))
		default:
			floatData[i] = make([]float32, numPixels)
			fb.Set(ch.Name, exr.NewSliceFromFloat32(floatData[i], width, height))
		}
	}

	if err := readFrameBuffer(f, fb); err != nil {
		return nil, err
	}

	out := make([]float32, numPixels*num)
	for i := 0; i < num; i++ {
		switch {
		case halfData[i] != nil:
			for p, hv := range halfData[i] {
				out[p*num+i] = hv.Float32()
			}
		case uintData[i] != nil:
			for p, u := range uintData[i] {
				out[p*num+i] = float32(u)
			}
		default:
			for p, v := range floatData[i] {
				out[p*num+i] = v
			}
		}
	}
	return out, nil
}

// readFrameBuffer reads all pixels into fb using the reader matching the
// file's storage layout.
func readFrameBuffer(f *exr.File, fb *exr.FrameBuffer) error {
	h := f.Header(0)

	if h.IsTiled() {
		tr, err := exr.NewTiledReader(f)
		if err != nil {
			return err
		}
		tr.SetFrameBuffer(fb)
		return tr.ReadTiles(0, 0, h.NumXTiles(0)-1, h.NumYTiles(0)-1)
	}

	sr, err := exr.NewScanlineReader(f)
	if err != nil {
		return err
	}
	sr.SetFrameBuffer(fb)
	dw := h.DataWindow()
	return sr.ReadPixels(int(dw.Min.Y), int(dw.Max.Y))
}

// writeChannelsFloat writes the interleaved float buffer to path using the
// prepared header, converting each channel back to its stored type.
func writeChannelsFloat(path string, h *exr.Header, pixels []float32, numChannels int) error {
	width, height := h.Width(), h.Height()
	numPixels := width * height
	cl := h.Channels()

	fb := exr.NewFrameBuffer()
	for i := 0; i < cl.Len(); i++ {
		ch := cl.At(i)
		switch ch.Type {
		case exr.PixelTypeHalf:
			data := make([]half.Half, numPixels)
			for p := 0; p < numPixels; p++ {
				data[p] = half.FromFloat32(pixels[p*numChannels+i])
			}
			fb.Set(ch.Name, exr.NewSliceFromHalf(data, width, height))
		case exr.PixelTypeUint:
			data := make([]uint32, numPixels)
			for p := 0; p < numPixels; p++ {
				data[p] = uint32(pixels[p*numChannels+i])
			}
			fb.Set(ch.Name, exr.NewSliceFromUint32(data, width, height))
		default:
			data := make([]float32, numPixels)
			for p := 0; p < numPixels; p++ {
				data[p] = pixels[p*numChannels+i]
			}
			fb.Set(ch.Name, exr.NewSliceFromFloat32(data, width, height))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("denoise: failed to open temporary file %s for writing: %w", path, err)
	}

	sw, err := exr.NewScanlineWriter(f, h)
	if err != nil {
		f.Close()
		return fmt.Errorf("denoise: failed to open %s for writing: %w", path, err)
	}
	sw.SetFrameBuffer(fb)

	dw := h.DataWindow()
	if err := sw.WritePixels(int(dw.Min.Y), int(dw.Max.Y)); err != nil {
		sw.Close()
		f.Close()
		return fmt.Errorf("denoise: failed to write to %s: %w", path, err)
	}
	if err := sw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("denoise: failed to save %s: %w", path, err)
	}
	return f.Close()
}
