package device

import (
	"context"
	"math"
	"runtime"
	"sync"
)

// Kernel is the per-tile filter a CPU device runs. The kernel reads the
// stacked input buffer through the mapped tile set and writes
// TargetPassStride floats per pixel into nt.Output.Buffer. The output
// buffer arrives pre-filled with the noisy image, so a kernel may skip
// pixels it cannot improve.
type Kernel func(spec *TaskSpec, nt *NeighborTiles) error

// CPU is a compute device backed by a pool of worker goroutines.
type CPU struct {
	workers int
	kernel  Kernel
}

// NewCPU creates a CPU device. workers <= 0 selects runtime.GOMAXPROCS(0).
// A nil kernel selects CrossBilateralKernel.
func NewCPU(workers int, kernel Kernel) *CPU {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if kernel == nil {
		kernel = CrossBilateralKernel
	}
	return &CPU{workers: workers, kernel: kernel}
}

// Run drives the task's tile queue to exhaustion across the worker pool.
// The first kernel or callback error stops all workers and is returned.
func (d *CPU) Run(ctx context.Context, spec *TaskSpec) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	stop := make(chan struct{})
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			close(stop)
		})
	}

	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					fail(ctx.Err())
					return
				default:
				}
				if spec.Task.IsCancelled() {
					return
				}

				tile, ok := spec.Task.AcquireTile()
				if !ok {
					return
				}

				nt := &NeighborTiles{}
				nt.Tiles[TileCenter] = tile
				if err := spec.Task.MapNeighborTiles(nt); err != nil {
					fail(err)
					return
				}

				kerr := d.kernel(spec, nt)

				// Unmap even after a kernel failure so every mapped
				// output buffer is released exactly once.
				if err := spec.Task.UnmapNeighborTiles(nt); err != nil && kerr == nil {
					kerr = err
				}
				spec.Task.ReleaseTile(tile)

				if kerr != nil {
					fail(kerr)
					return
				}
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// Close releases the device. The CPU backend holds no resources.
func (d *CPU) Close() error {
	return nil
}

// IdentityKernel leaves the pre-filled output untouched, passing the noisy
// image through unchanged. Useful for exercising the tile protocol.
func IdentityKernel(spec *TaskSpec, nt *NeighborTiles) error {
	return nil
}

// Input slot offsets within a pixel's InputPassStride floats.
const (
	slotDepth     = 0
	slotNormal    = 1
	slotAlbedo    = 5
	slotNoisy     = 8
	slotVariance  = 11
	slotIntensity = 14
)

// CrossBilateralKernel is the reference CPU filter: a feature-guided
// cross-bilateral filter. Pixel weights combine color distance scaled by
// the variance passes with normal, albedo and depth affinity, accumulated
// over the filter window across all stacked frames. The window is clipped
// to the mapped halo region.
func CrossBilateralKernel(spec *TaskSpec, nt *NeighborTiles) error {
	const filterRadius = 8

	center := nt.Center()
	out := &nt.Output

	// Bounding box of the mapped tiles limits how far the window reaches.
	minX, minY := center.X, center.Y
	maxX, maxY := center.X+center.W, center.Y+center.H
	for i := range nt.Tiles {
		t := &nt.Tiles[i]
		if t.W <= 0 || t.H <= 0 {
			continue
		}
		if t.X < minX {
			minX = t.X
		}
		if t.Y < minY {
			minY = t.Y
		}
		if t.X+t.W > maxX {
			maxX = t.X + t.W
		}
		if t.Y+t.H > maxY {
			maxY = t.Y + t.H
		}
	}

	numFrames := spec.NumFrames()
	in := spec.Input
	pixel := func(frame, x, y int) []float32 {
		base := frame*spec.FrameStride + (y*spec.Width+x)*InputPassStride
		return in[base : base+InputPassStride]
	}

	for y := center.Y; y < center.Y+center.H; y++ {
		for x := center.X; x < center.X+center.W; x++ {
			p := pixel(0, x, y)

			var sum [TargetPassStride]float32
			var weight float32

			y0, y1 := max(y-filterRadius, minY), min(y+filterRadius+1, maxY)
			x0, x1 := max(x-filterRadius, minX), min(x+filterRadius+1, maxX)

			for frame := 0; frame < numFrames; frame++ {
				for qy := y0; qy < y1; qy++ {
					for qx := x0; qx < x1; qx++ {
						q := pixel(frame, qx, qy)
						w := pixelAffinity(p, q)
						for c := 0; c < TargetPassStride; c++ {
							sum[c] += w * q[slotNoisy+c]
						}
						weight += w
					}
				}
			}

			if weight <= 0 {
				continue // pre-filled noisy value stays
			}
			base := (out.Offset + y*out.Stride + x) * TargetPassStride
			for c := 0; c < TargetPassStride; c++ {
				out.Buffer[base+c] = sum[c] / weight
			}
		}
	}
	return nil
}

// pixelAffinity weighs a candidate pixel q against the pixel p being
// filtered, using the auxiliary feature passes.
func pixelAffinity(p, q []float32) float32 {
	// Color term, scaled by the variance estimate of the center pixel.
	var color float32
	for c := 0; c < 3; c++ {
		d := p[slotNoisy+c] - q[slotNoisy+c]
		v := p[slotVariance+c] + 1e-4
		color += d * d / v
	}

	// Normal similarity.
	var dot float32
	for c := 0; c < 3; c++ {
		dot += p[slotNormal+c] * q[slotNormal+c]
	}
	if dot < 0 {
		dot = 0
	}

	// Albedo and depth distance.
	var albedo float32
	for c := 0; c < 3; c++ {
		d := p[slotAlbedo+c] - q[slotAlbedo+c]
		albedo += d * d
	}
	depth := p[slotDepth] - q[slotDepth]

	e := float64(color*0.5 + albedo*10 + depth*depth*0.1)
	w := float32(math.Exp(-e)) * (0.25 + 0.75*dot)
	return w
}
