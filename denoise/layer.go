package denoise

import "fmt"

// Layer is one render layer discovered in the input file: the group of
// channels sharing a layer prefix, with the denoising passes resolved onto
// the fixed slot layout.
type Layer struct {
	// Name is the layer key parsed from the channel names (including the
	// view for multiview files).
	Name string

	// Channels holds the layer's "Pass.Channel" names in file order.
	Channels []string

	// LayerToImageChannel maps a per-layer channel index to the absolute
	// index in the file's channel list.
	LayerToImageChannel []int

	// InputToImageChannel and OutputToImageChannel map buffer slots to
	// absolute file channel indices. Once the layer is detected as
	// denoisable every entry is non-negative.
	InputToImageChannel  []int
	OutputToImageChannel []int

	// NeighborInputToImageChannel holds one input-slot resolution per
	// neighbor frame, since neighbors may order their channels differently.
	NeighborInputToImageChannel [][]int

	// Samples is the sample count the layer was rendered with.
	Samples int
}

// detectDenoisingChannels resolves every input and output slot against the
// layer's channel names. It reports false on any missing pass, in which
// case the layer is not denoisable (and is skipped, not an error).
func (l *Layer) detectDenoisingChannels() bool {
	l.InputToImageChannel = resolveMapping(inputChannels(), NumInputChannels, l.Channels, l.LayerToImageChannel)
	if l.InputToImageChannel == nil {
		return false
	}
	l.OutputToImageChannel = resolveMapping(outputChannels(), NumOutputChannels, l.Channels, l.LayerToImageChannel)
	if l.OutputToImageChannel == nil {
		return false
	}

	// Every slot resolved above; anything negative here is a defect.
	for slot, c := range l.InputToImageChannel {
		if c < 0 {
			panic(fmt.Sprintf("denoise: input slot %d unresolved for layer %q", slot, l.Name))
		}
	}
	for slot, c := range l.OutputToImageChannel {
		if c < 0 {
			panic(fmt.Sprintf("denoise: output slot %d unresolved for layer %q", slot, l.Name))
		}
	}
	return true
}

// resolveMapping fills a slot table from canonical names, or returns nil if
// any name is absent from channels.
func resolveMapping(mappings []channelMapping, numSlots int, channels []string, layerToImage []int) []int {
	slots := make([]int, numSlots)
	for i := range slots {
		slots[i] = -1
	}
	for _, m := range mappings {
		layerChannel := indexOf(channels, m.name)
		if layerChannel < 0 {
			return nil
		}
		slots[m.slot] = layerToImage[layerChannel]
	}
	return slots
}

// matchChannels resolves the layer's input slots against a neighbor frame's
// channel list by name. channelNames is the center frame's full channel
// list, neighborChannelNames the neighbor's. It reports false if the
// neighbor is missing any pass the center layer resolved, which rejects
// the neighbor frame for this layer.
func (l *Layer) matchChannels(neighbor int, channelNames, neighborChannelNames []string) bool {
	for len(l.NeighborInputToImageChannel) <= neighbor {
		l.NeighborInputToImageChannel = append(l.NeighborInputToImageChannel, nil)
	}
	if l.NeighborInputToImageChannel[neighbor] != nil {
		panic(fmt.Sprintf("denoise: neighbor %d already matched for layer %q", neighbor, l.Name))
	}

	mapping := make([]int, len(l.InputToImageChannel))
	for i, imageChannel := range l.InputToImageChannel {
		name := channelNames[imageChannel]
		frameChannel := indexOf(neighborChannelNames, name)
		if frameChannel < 0 {
			return false
		}
		mapping[i] = frameChannel
	}

	l.NeighborInputToImageChannel[neighbor] = mapping
	return true
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
