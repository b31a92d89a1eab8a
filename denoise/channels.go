// Package denoise implements offline, file-based denoising of rendered EXR
// image sequences. Each frame carries a noisy beauty pass plus auxiliary
// feature passes (depth, normal, albedo, shadowing, variance, intensity);
// the pipeline maps those named channels onto a fixed buffer layout, stacks
// temporally neighboring frames alongside the center frame, runs a filter
// kernel over spatial tiles through an abstract compute device, and commits
// the result back to disk atomically.
package denoise

import "strings"

// Fixed slot layout of the device input and output buffers. Input pixels
// carry NumInputChannels floats, the denoised result NumOutputChannels.
const (
	SlotDepth      = 0  // Denoising Depth.Z
	SlotNormal     = 1  // Denoising Normal.X/Y/Z
	SlotShadowing  = 4  // Denoising Shadowing.X
	SlotAlbedo     = 5  // Denoising Albedo.R/G/B
	SlotNoisyImage = 8  // Noisy Image.R/G/B
	SlotVariance   = 11 // Denoising Variance.R/G/B
	SlotIntensity  = 14 // Denoising Intensity.X

	NumInputChannels  = 15
	NumOutputChannels = 3
)

// MaxFrames caps the number of stacked frames (center plus temporal
// neighbors) a single task may use.
const MaxFrames = 16

// channelMapping associates one buffer slot with the canonical
// "Pass.Component" channel name it must resolve to.
type channelMapping struct {
	slot int
	name string
}

// fillMapping appends one entry per component, assigning consecutive slots.
// "Denoising Normal" with components "XYZ" yields Denoising Normal.X/Y/Z.
func fillMapping(m []channelMapping, slot int, name, components string) []channelMapping {
	for _, c := range components {
		m = append(m, channelMapping{slot: slot, name: name + "." + string(c)})
		slot++
	}
	return m
}

func inputChannels() []channelMapping {
	var m []channelMapping
	m = fillMapping(m, SlotDepth, "Denoising Depth", "Z")
	m = fillMapping(m, SlotNormal, "Denoising Normal", "XYZ")
	m = fillMapping(m, SlotShadowing, "Denoising Shadowing", "X")
	m = fillMapping(m, SlotAlbedo, "Denoising Albedo", "RGB")
	m = fillMapping(m, SlotNoisyImage, "Noisy Image", "RGB")
	m = fillMapping(m, SlotVariance, "Denoising Variance", "RGB")
	m = fillMapping(m, SlotIntensity, "Denoising Intensity", "X")
	return m
}

func outputChannels() []channelMapping {
	return fillMapping(nil, 0, "Combined", "RGB")
}

// splitLastDot splits s at its last dot. ok is false if s has no dot.
func splitLastDot(s string) (prefix, suffix string, ok bool) {
	pos := strings.LastIndex(s, ".")
	if pos < 0 {
		return s, "", false
	}
	return s[:pos], s[pos+1:], true
}

// parseChannelName separates a channel name as generated by the renderer.
//
// Without multiview the expected form is RenderLayer.Pass.Channel. With
// multiview it is RenderLayer.Pass.View.Channel, and the view is folded
// into the returned layer key ("RenderLayer.View") so each view of a
// stereo render is treated as an independent layer.
//
// ok is false for names that do not follow the convention; such channels
// belong to no layer and are passed through to the output untouched.
func parseChannelName(name string, multiview bool) (layer, pass, channel string, ok bool) {
	rest, channel, ok := splitLastDot(name)
	if !ok {
		return "", "", "", false
	}
	var view string
	if multiview {
		rest, view, ok = splitLastDot(rest)
		if !ok {
			return "", "", "", false
		}
	}
	rest, pass, ok = splitLastDot(rest)
	if !ok {
		return "", "", "", false
	}
	layer = rest
	if multiview {
		layer += "." + view
	}
	return layer, pass, channel, true
}
