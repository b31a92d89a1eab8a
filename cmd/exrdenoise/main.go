// exrdenoise removes render noise from OpenEXR image sequences produced by
// a path-tracing renderer, using the auxiliary denoising passes stored
// alongside the noisy beauty pass.
//
// Usage:
//
//	exrdenoise [options] -o outfile infile1 [infile2 ...]
//
// Options:
//
//	-o <file>        output file, or a pattern with a %d verb for
//	                 multi-frame sequences (required)
//	-frames <n>      temporal radius: use n neighbor frames on each side
//	-tile <n>        tile size in pixels (default 64)
//	-samples <n>     override the per-layer sample count metadata
//	-clamp           clamp input values before filtering
//	-radius <n>      feature pass blur radius
//	-workers <n>     number of worker goroutines (default: all CPUs)
//	-v               verbose output
//	-h, --help       print this message
//	--version        print version information
//
// Input files are frames of one animation sequence, in order. Each file
// must contain the denoising data passes (Denoising Depth/Normal/Shadowing/
// Albedo/Variance/Intensity and Noisy Image) for at least one render
// layer; the denoised result replaces the layer's Combined channels.
// Output files are written atomically, so an output path may alias its
// input path to denoise in place.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mrjoshuak/go-openexr/exrutil"

	"github.com/mrjoshuak/exrdenoise/denoise"
	"github.com/mrjoshuak/exrdenoise/device"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usageMessage(os.Stderr, false)
		os.Exit(1)
	}

	var (
		outPattern string
		params     = denoise.DefaultParams()
		workers    int
		verbose    bool
		inputs     []string
	)

	intOption := func(i int, name string) int {
		if i+1 >= len(os.Args) {
			fmt.Fprintf(os.Stderr, "exrdenoise: missing value for %s option\n", name)
			os.Exit(1)
		}
		n, err := strconv.Atoi(os.Args[i+1])
		if err != nil || n < 0 {
			fmt.Fprintf(os.Stderr, "exrdenoise: invalid value for %s option: %s\n", name, os.Args[i+1])
			os.Exit(1)
		}
		return n
	}

	i := 1
	for i < len(os.Args) {
		arg := os.Args[i]

		switch {
		case arg == "-h" || arg == "--help":
			usageMessage(os.Stdout, true)
			os.Exit(0)

		case arg == "--version":
			fmt.Printf("exrdenoise %s\n", version)
			fmt.Println("https://github.com/mrjoshuak/exrdenoise")
			os.Exit(0)

		case arg == "-o":
			if i+1 >= len(os.Args) {
				fmt.Fprintln(os.Stderr, "exrdenoise: missing output file with -o option")
				os.Exit(1)
			}
			outPattern = os.Args[i+1]
			i += 2

		case arg == "-frames":
			params.NeighborFrames = intOption(i, "-frames")
			i += 2

		case arg == "-tile":
			params.TileSize = intOption(i, "-tile")
			i += 2

		case arg == "-samples":
			params.SamplesOverride = intOption(i, "-samples")
			i += 2

		case arg == "-radius":
			params.Radius = intOption(i, "-radius")
			i += 2

		case arg == "-workers":
			workers = intOption(i, "-workers")
			i += 2

		case arg == "-clamp":
			params.ClampInput = true
			i++

		case arg == "-v":
			verbose = true
			i++

		case strings.HasPrefix(arg, "-"):
			fmt.Fprintf(os.Stderr, "exrdenoise: unknown option: %s\n", arg)
			usageMessage(os.Stderr, false)
			os.Exit(1)

		default:
			inputs = append(inputs, arg)
			i++
		}
	}

	if outPattern == "" {
		fmt.Fprintln(os.Stderr, "exrdenoise: must specify an output file with -o")
		usageMessage(os.Stderr, false)
		os.Exit(1)
	}
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "exrdenoise: must specify at least one input file")
		os.Exit(1)
	}
	if params.TileSize < 1 {
		fmt.Fprintln(os.Stderr, "exrdenoise: tile size must be at least 1")
		os.Exit(1)
	}

	outputs, err := outputPaths(outPattern, len(inputs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "exrdenoise: %v\n", err)
		os.Exit(1)
	}

	if verbose {
		for _, in := range inputs {
			info, err := exrutil.GetFileInfo(in)
			if err != nil {
				fmt.Fprintf(os.Stderr, "exrdenoise: %s: %v\n", in, err)
				os.Exit(1)
			}
			fmt.Printf("reading %s: %dx%d, %d channels\n",
				in, info.Width, info.Height, len(info.Channels))
		}
	}

	dev := device.NewCPU(workers, nil)
	defer dev.Close()

	d := denoise.NewDenoiser(dev, inputs, outputs, params)
	d.Progress = os.Stdout

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "exrdenoise: %v\n", err)
		os.Exit(1)
	}
}

// outputPaths expands the -o argument into one path per input frame. For
// multi-frame sequences the pattern must contain a %d verb which receives
// the 1-based frame number.
func outputPaths(pattern string, numFrames int) ([]string, error) {
	if numFrames == 1 && !strings.Contains(pattern, "%") {
		return []string{pattern}, nil
	}
	if !strings.Contains(pattern, "%") {
		return nil, fmt.Errorf("output pattern needs a %%d verb for %d input frames", numFrames)
	}

	out := make([]string, numFrames)
	seen := make(map[string]bool)
	for f := range out {
		out[f] = fmt.Sprintf(pattern, f+1)
		if seen[out[f]] {
			return nil, fmt.Errorf("output pattern maps multiple frames to %s", out[f])
		}
		seen[out[f]] = true
	}
	return out, nil
}

func usageMessage(w *os.File, verbose bool) {
	fmt.Fprintf(w, "Usage: exrdenoise [options] -o outfile infile1 [infile2 ...]\n")

	if verbose {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Denoise one or more frames of a rendered OpenEXR sequence")
		fmt.Fprintln(w, "using the auxiliary denoising passes stored in each file.")
		fmt.Fprintln(w, "With multiple input frames, temporally neighboring frames")
		fmt.Fprintln(w, "can be used as additional filter input. Example:")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "  exrdenoise -frames 2 -o clean_%04d.exr noisy_*.exr")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Options:")
		fmt.Fprintf(w, "  -o <file>     output file, or pattern with a %%d verb (required)\n")
		fmt.Fprintln(w, "  -frames <n>   use n neighbor frames on each side (default 0)")
		fmt.Fprintln(w, "  -tile <n>     tile size in pixels (default 64)")
		fmt.Fprintln(w, "  -samples <n>  override per-layer sample count metadata")
		fmt.Fprintln(w, "  -clamp        clamp input values before filtering")
		fmt.Fprintln(w, "  -radius <n>   feature pass blur radius (default 0)")
		fmt.Fprintln(w, "  -workers <n>  worker goroutines (default: all CPUs)")
		fmt.Fprintln(w, "  -v            verbose mode")
		fmt.Fprintln(w, "  -h, --help    print this message")
		fmt.Fprintln(w, "      --version print version information")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Report bugs via https://github.com/mrjoshuak/exrdenoise/issues")
	}
}
