// Command binsim-cache-build pre-transforms every filter named in a
// manifest and writes the result to a binary cache file, so a later engine
// run can skip decoding and FFT-transforming BRIRs at startup.
//
// Usage:
//
//	binsim-cache-build [options] <manifest> <output-cache>
//
// Options:
//
//	-blockSize    Block size partitions are computed for (default 256)
//	-verbose      Show progress
package main

import (
	"flag"
	"fmt"
	"os"

	algofft "github.com/MeKo-Christian/algo-fft"

	"binsimgo/internal/audiofile"
	"binsimgo/internal/filtercache"
	"binsimgo/internal/filterstorage"
	"binsimgo/internal/filtertransform"
)

var (
	blockSize = flag.Int("blockSize", 256, "Block size partitions are computed for")
	verbose   = flag.Bool("verbose", false, "Show progress")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <manifest> <output-cache>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Pre-transforms every filter in a manifest into a binary cache file.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	manifestPath := flag.Arg(0)
	outputPath := flag.Arg(1)

	if err := run(manifestPath, outputPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestPath, outputPath string) error {
	entries, err := filterstorage.ReadManifestForBuild(manifestPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	if len(entries) == 0 {
		return fmt.Errorf("manifest %s has no directional entries to cache", manifestPath)
	}

	plan, err := algofft.NewPlanReal32(2 * *blockSize)
	if err != nil {
		return fmt.Errorf("creating FFT plan: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer out.Close()

	w := filtercache.NewWriter(out)

	if err := w.WriteHeader(len(entries)); err != nil {
		return err
	}

	partitionCount := -1
	written := 0

	for i, e := range entries {
		if *verbose {
			fmt.Printf("[%d/%d] %s\n", i+1, len(entries), e.Path)
		}

		pair, err := transformOne(plan, e.Path, *blockSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", e.Path, err)
			continue
		}

		if k := pair.PartitionCount(); partitionCount == -1 {
			partitionCount = k
		} else if k != partitionCount {
			return fmt.Errorf("partition count %d for %s does not match earlier entries' %d; all filters must share the same K = L/B", k, e.Path, partitionCount)
		}

		if err := w.WriteEntry(filtercache.Entry{Key: e.Key, Filter: pair}); err != nil {
			return fmt.Errorf("writing entry for %s: %w", e.Path, err)
		}
		written++
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing cache: %w", err)
	}

	fmt.Printf("Wrote cache %s with %d entries\n", outputPath, written)

	return nil
}

func transformOne(plan *algofft.PlanRealT[float32, complex64], path string, blockSize int) (filtertransform.Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return filtertransform.Pair{}, err
	}
	defer f.Close()

	src, err := audiofile.Decode(f)
	if err != nil {
		return filtertransform.Pair{}, err
	}
	if src.Channels < 2 {
		return filtertransform.Pair{}, fmt.Errorf("need a stereo IR, got %d channel(s)", src.Channels)
	}

	left, err := filtertransform.Transform(plan, src.Data[0], blockSize)
	if err != nil {
		return filtertransform.Pair{}, err
	}
	right, err := filtertransform.Transform(plan, src.Data[1], blockSize)
	if err != nil {
		return filtertransform.Pair{}, err
	}

	return filtertransform.Pair{Left: left, Right: right}, nil
}
