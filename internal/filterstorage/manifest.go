package filterstorage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"binsimgo/internal/pose"
)

// ErrManifest wraps any error encountered while parsing a manifest file.
var ErrManifest = errors.New("filterstorage: malformed manifest")

// headphoneKeyword marks the manifest line carrying the headphone
// equalization filter instead of a directional BRIR.
const headphoneKeyword = "HP"

type manifestEntry struct {
	key        pose.Key
	path       string
	headphone  bool
}

// parseManifest reads whitespace-separated manifest lines of the form
//
//	c1 c2 ... cN path/to/ir.aif
//	HP path/to/headphone.aif
//
// Duplicate keys replace the earlier entry; the caller is expected to log
// the replacement. Blank lines and lines starting with '#' are skipped.
func parseManifest(r io.Reader) ([]manifestEntry, []string, error) {
	var entries []manifestEntry
	var warnings []string

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("%w: line %d: need at least a key and a path", ErrManifest, lineNo)
		}

		path := fields[len(fields)-1]
		coordFields := fields[:len(fields)-1]

		if len(coordFields) == 1 && coordFields[0] == headphoneKeyword {
			entries = append(entries, manifestEntry{path: path, headphone: true})
			continue
		}

		values := make([]int32, len(coordFields))
		for i, f := range coordFields {
			n, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: line %d: coordinate %q is not an integer", ErrManifest, lineNo, f)
			}
			values[i] = int32(n)
		}

		key, err := pose.FromValues(values)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %w", ErrManifest, lineNo, err)
		}

		entries = append(entries, manifestEntry{key: key, path: path})
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	// Detect duplicates for the caller to warn about; last one wins.
	seen := make(map[pose.Key]int)
	deduped := make([]manifestEntry, 0, len(entries))
	for _, e := range entries {
		if e.headphone {
			deduped = append(deduped, e)
			continue
		}
		if idx, ok := seen[e.key]; ok {
			warnings = append(warnings, fmt.Sprintf("duplicate filter key %v, replacing entry", e.key))
			deduped[idx] = e
			continue
		}
		seen[e.key] = len(deduped)
		deduped = append(deduped, e)
	}

	return deduped, warnings, nil
}

// BuildEntry names one directional filter manifest entry with its path
// resolved relative to the manifest's own directory, for tools that build
// a filtercache offline without the rest of Storage.
type BuildEntry struct {
	Key  pose.Key
	Path string
}

// ReadManifestForBuild reads manifestPath and returns its directional
// entries (the headphone entry, if any, is excluded, matching how Load
// consults the cache only for directional keys) with paths resolved
// against the manifest's directory.
func ReadManifestForBuild(manifestPath string) ([]BuildEntry, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("filterstorage: open manifest: %w", err)
	}
	defer f.Close()

	entries, _, err := parseManifest(f)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(manifestPath)

	out := make([]BuildEntry, 0, len(entries))
	for _, e := range entries {
		if e.headphone {
			continue
		}
		path := e.path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		out = append(out, BuildEntry{Key: e.key, Path: path})
	}

	return out, nil
}
