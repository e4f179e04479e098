// Package filterstorage preloads and serves the frequency-domain BRIR table
// a convolver looks filters up from.
package filterstorage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	algofft "github.com/MeKo-Christian/algo-fft"

	"binsimgo/internal/audiofile"
	"binsimgo/internal/filtercache"
	"binsimgo/internal/filtertransform"
	"binsimgo/internal/pose"
)

// ErrFilterNotFound is returned by Get when no entry matches the key.
var ErrFilterNotFound = errors.New("filterstorage: filter not found")

// Storage is the immutable-after-load filter table. It is safe for
// concurrent read-only access from multiple audio threads once Load
// returns.
type Storage struct {
	filters    map[pose.Key]filtertransform.Pair
	headphone  *filtertransform.Pair
	blockSize  int
}

// Load reads manifestPath, decodes every referenced BRIR file, and
// transforms each into the frequency domain at the given block size.
//
// If cachePath is non-empty and exists, entries are served from it instead
// of being decoded and transformed again; entries missing from the cache
// still fall back to decoding their source file. cachePath is never written
// by Load — use cmd/binsim-cache-build to (re)generate it offline.
func Load(manifestPath string, blockSize int, cachePath string) (*Storage, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("filterstorage: open manifest: %w", err)
	}
	defer f.Close()

	entries, warnings, err := parseManifest(f)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		slog.Warn("filterstorage: manifest warning", "detail", w)
	}

	plan, err := algofft.NewPlanReal32(2 * blockSize)
	if err != nil {
		return nil, fmt.Errorf("filterstorage: create FFT plan: %w", err)
	}

	var cache *filtercache.Reader
	if cachePath != "" {
		if cf, err := os.Open(cachePath); err == nil {
			defer cf.Close()
			cache, err = filtercache.NewReader(cf)
			if err != nil {
				slog.Warn("filterstorage: ignoring unreadable cache", "path", cachePath, "error", err)
				cache = nil
			}
		}
	}

	s := &Storage{
		filters:   make(map[pose.Key]filtertransform.Pair, len(entries)),
		blockSize: blockSize,
	}

	manifestDir := filepath.Dir(manifestPath)

	partitionCount := -1

	for _, e := range entries {
		pair, err := loadOne(plan, cache, e, blockSize, manifestDir)
		if err != nil {
			return nil, fmt.Errorf("filterstorage: loading %q: %w", e.path, err)
		}

		if e.headphone {
			pairCopy := pair
			s.headphone = &pairCopy
			continue
		}

		if k := pair.PartitionCount(); partitionCount == -1 {
			partitionCount = k
		} else if k != partitionCount {
			return nil, fmt.Errorf("filterstorage: loading %q: partition count %d does not match earlier entries' %d; all filters must share the same K = L/B",
				e.path, k, partitionCount)
		}

		s.filters[e.key] = pair
	}

	return s, nil
}

func loadOne(plan *algoFFTPlan, cache *filtercache.Reader, e manifestEntry, blockSize int, manifestDir string) (filtertransform.Pair, error) {
	if cache != nil && !e.headphone && cache.Has(e.key) {
		return cache.Load(e.key)
	}

	path := e.path
	if !filepath.IsAbs(path) {
		path = filepath.Join(manifestDir, path)
	}

	file, err := os.Open(path)
	if err != nil {
		return filtertransform.Pair{}, err
	}
	defer file.Close()

	src, err := audiofile.Decode(file)
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

	if len(left.Partitions) != len(right.Partitions) {
		return filtertransform.Pair{}, fmt.Errorf("left/right partition count mismatch: %d vs %d",
			len(left.Partitions), len(right.Partitions))
	}

	return filtertransform.Pair{Left: left, Right: right}, nil
}

// algoFFTPlan aliases the concrete plan type used throughout this package,
// kept local so call sites don't need to import algo-fft just to pass the
// plan along.
type algoFFTPlan = algofft.PlanRealT[float32, complex64]

// Get returns the transformed filter for key.
func (s *Storage) Get(key pose.Key) (filtertransform.Pair, error) {
	f, ok := s.filters[key]
	if !ok {
		return filtertransform.Pair{}, fmt.Errorf("%w: %v", ErrFilterNotFound, key)
	}
	return f, nil
}

// Headphone returns the headphone-equalization filter, if the manifest
// declared one.
func (s *Storage) Headphone() (filtertransform.Pair, bool) {
	if s.headphone == nil {
		return filtertransform.Pair{}, false
	}
	return *s.headphone, true
}

// Close releases resources held by the storage. Filters live entirely in
// Go-managed memory, so this is currently a no-op kept for lifecycle
// symmetry with the other components the engine owns.
func (s *Storage) Close() error {
	return nil
}
