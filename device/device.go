// Package device defines the compute-device contract used by the denoising
// pipeline and provides a CPU reference backend.
//
// A Device executes tile work to exhaustion: it repeatedly acquires tiles
// from a TileTask, asks the task to map the surrounding tile geometry and an
// output buffer, runs a filter kernel over the tile, and hands the result
// back through the unmap call. Parallelism is entirely the device's
// responsibility; the task only has to keep its queue and output bookkeeping
// safe for concurrent callers.
package device

import "context"

// Slot layout of the stacked input buffer, one frame after another.
// Each pixel carries InputPassStride floats; the denoised result carries
// TargetPassStride floats per pixel.
const (
	InputPassStride  = 15
	TargetPassStride = 3
)

// Tile describes one rectangular unit of work inside a frame buffer.
//
// Buffer is the stacked per-frame input buffer shared by all tiles of a
// task, except for the synthetic output tile, where it is the tile-sized
// result buffer allocated by the task. Offset and Stride locate the tile's
// pixels inside Buffer: the first float of pixel (x, y) lives at
// (Offset + y*Stride + x) * pass-stride.
type Tile struct {
	X, Y int
	W, H int

	Offset int
	Stride int

	// Sample is the sample count the tile was rendered with.
	Sample int

	// Index identifies the tile for output bookkeeping. Indices of
	// in-flight tiles are distinct.
	Index int

	Buffer []float32
}

// Neighbor tile positions inside NeighborTiles.Tiles. The center tile sits
// at index 4; the eight others surround it in row-major order.
const (
	TileCenter   = 4
	NumNeighbors = 9
)

// NeighborTiles is the tile set handed to a kernel: the active tile, its
// up to eight surrounding halo tiles (degenerate zero-sized at image
// borders), and the output tile whose buffer receives the filtered result.
type NeighborTiles struct {
	Tiles  [NumNeighbors]Tile
	Output Tile
}

// Center returns the active tile.
func (nt *NeighborTiles) Center() *Tile {
	return &nt.Tiles[TileCenter]
}

// TileTask is the callback protocol a device drives. All methods may be
// called from any number of device worker goroutines.
type TileTask interface {
	// AcquireTile pops the next pending tile. ok is false once the queue
	// is exhausted, which tells the device to stop dispatching.
	AcquireTile() (tile Tile, ok bool)

	// MapNeighborTiles fills in the halo geometry around nt.Tiles[TileCenter]
	// and allocates and registers the output tile.
	MapNeighborTiles(nt *NeighborTiles) error

	// UnmapNeighborTiles commits the output tile's buffer back into the
	// frame and releases it. Every successful map is matched by exactly
	// one unmap.
	UnmapNeighborTiles(nt *NeighborTiles) error

	// ReleaseTile is called after a tile has been unmapped.
	ReleaseTile(tile Tile)

	// IsCancelled reports whether the task wants the device to stop early.
	IsCancelled() bool
}

// TaskSpec describes one device run: the task callbacks plus the buffer
// geometry the kernel needs to interpret tile contents.
type TaskSpec struct {
	Task TileTask

	// Input is the stacked input buffer: width*InputPassStride floats per
	// row, height rows per frame, frames stacked along y.
	Input []float32

	Width  int
	Height int

	// FrameStride is the float distance between stacked frames
	// (width * height * InputPassStride).
	FrameStride int

	// Frames holds the relative offsets of the stacked frames, center
	// first (0), then each temporal neighbor (for example -1, 1).
	Frames []int
}

// NumFrames returns the number of stacked frames, at least 1.
func (s *TaskSpec) NumFrames() int {
	if len(s.Frames) == 0 {
		return 1
	}
	return len(s.Frames)
}

// Device executes denoising tasks. Run blocks until every tile acquired
// from the task has been unmapped, or until a kernel fails or ctx is done.
type Device interface {
	Run(ctx context.Context, spec *TaskSpec) error
	Close() error
}
