package denoise

import (
	"fmt"
	"sync"

	"github.com/mrjoshuak/exrdenoise/device"
)

// tileQueue is the FIFO of pending tiles for one device run. pop is the
// only mutator and is safe for any number of concurrent device workers.
type tileQueue struct {
	mu    sync.Mutex
	tiles []device.Tile
	total int
}

func (q *tileQueue) reset(tiles []device.Tile) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tiles = tiles
	q.total = len(tiles)
}

// pop removes and returns the next tile along with the number of tiles
// handed out so far. ok is false once the queue is empty.
func (q *tileQueue) pop() (tile device.Tile, done int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tiles) == 0 {
		return device.Tile{}, q.total, false
	}
	tile = q.tiles[0]
	q.tiles = q.tiles[1:]
	return tile, q.total - len(q.tiles), true
}

// outputMap tracks the in-flight per-tile output buffers, keyed by tile
// index. Inserts happen when a tile's neighbors are mapped, removes when
// they are unmapped; at most one entry per index may exist, and violations
// are defects, not recoverable errors.
type outputMap struct {
	mu      sync.Mutex
	buffers map[int][]float32
}

func (m *outputMap) insert(index int, buf []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffers == nil {
		m.buffers = make(map[int][]float32)
	}
	if _, exists := m.buffers[index]; exists {
		panic(fmt.Sprintf("denoise: duplicate output buffer for tile %d", index))
	}
	m.buffers[index] = buf
}

func (m *outputMap) remove(index int) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, exists := m.buffers[index]
	if !exists {
		panic(fmt.Sprintf("denoise: no output buffer mapped for tile %d", index))
	}
	delete(m.buffers, index)
	return buf
}

func (m *outputMap) empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers) == 0
}

// buildTiles partitions a width × height image into a row-major grid of
// tileSize-sized tiles, the last row and column clipped to the image
// bounds. The union of the returned rectangles covers the image exactly
// once. Every tile shares the stacked input buffer and the layer's sample
// count.
func buildTiles(width, height, tileSize, samples int, buffer []float32) []device.Tile {
	tilesX := (width + tileSize - 1) / tileSize
	tilesY := (height + tileSize - 1) / tileSize

	tiles := make([]device.Tile, 0, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			t := device.Tile{
				X:      tx * tileSize,
				Y:      ty * tileSize,
				Index:  ty*tilesX + tx,
				Sample: samples,
				Stride: width,
				Buffer: buffer,
			}
			t.W = min(width-t.X, tileSize)
			t.H = min(height-t.Y, tileSize)
			tiles = append(tiles, t)
		}
	}
	return tiles
}

// clampInt clamps v to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
