package filterstorage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"binsimgo/internal/filtercache"
	"binsimgo/internal/pose"
)

const testBlockSize = 8

func writeStereoAIFF(t *testing.T, path string, left, right []int16) {
	t.Helper()
	if len(left) != len(right) {
		t.Fatalf("left/right length mismatch: %d vs %d", len(left), len(right))
	}

	var ssnd bytes.Buffer
	for i := range left {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(left[i]))
		ssnd.Write(b[:])
		binary.BigEndian.PutUint16(b[:], uint16(right[i]))
		ssnd.Write(b[:])
	}

	var comm bytes.Buffer
	comm.WriteString("COMM")
	writeU32(&comm, 18)
	writeU16(&comm, 2)
	writeU32(&comm, uint32(len(left)))
	writeU16(&comm, 16)
	comm.Write(encodeIEEE80(44100))

	var ssndChunk bytes.Buffer
	ssndChunk.WriteString("SSND")
	writeU32(&ssndChunk, uint32(8+ssnd.Len()))
	writeU32(&ssndChunk, 0)
	writeU32(&ssndChunk, 0)
	ssndChunk.Write(ssnd.Bytes())

	var form bytes.Buffer
	form.WriteString("FORM")
	writeU32(&form, uint32(4+comm.Len()+ssndChunk.Len()))
	form.WriteString("AIFF")
	form.Write(comm.Bytes())
	form.Write(ssndChunk.Bytes())

	if err := os.WriteFile(path, form.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

// encodeIEEE80 is the inverse of the AIFF extended-precision sample-rate
// decoder, used only to build test fixtures.
func encodeIEEE80(v float64) []byte {
	var out [10]byte
	if v == 0 {
		return out[:]
	}

	frac := v
	exp := 0
	for frac >= 1 {
		frac /= 2
		exp++
	}
	for frac < 0.5 {
		frac *= 2
		exp--
	}

	mantissa := uint64(frac * (1 << 64))
	exponent := uint16(exp - 1 + 16383)

	binary.BigEndian.PutUint16(out[0:2], exponent)
	binary.BigEndian.PutUint64(out[2:10], mantissa)

	return out[:]
}

func TestLoadParsesManifestAndTransformsFilters(t *testing.T) {
	dir := t.TempDir()

	writeStereoAIFF(t, filepath.Join(dir, "a.aif"),
		[]int16{100, 200, 300, 400}, []int16{-100, -200, -300, -400})
	writeStereoAIFF(t, filepath.Join(dir, "hp.aif"),
		[]int16{1, 2, 3, 4}, []int16{1, 2, 3, 4})

	manifest := "0 0 0 a.aif\nHP hp.aif\n"
	manifestPath := filepath.Join(dir, "filters.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	s, err := Load(manifestPath, testBlockSize, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	key, _ := pose.FromValues([]int32{0, 0, 0})
	pair, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(pair.Left.Partitions) == 0 || len(pair.Right.Partitions) == 0 {
		t.Error("expected at least one partition in each channel")
	}
	if len(pair.Left.Partitions) != len(pair.Right.Partitions) {
		t.Errorf("left/right partition count mismatch: %d vs %d", len(pair.Left.Partitions), len(pair.Right.Partitions))
	}

	hp, ok := s.Headphone()
	if !ok {
		t.Fatal("expected a headphone filter to be loaded")
	}
	if len(hp.Left.Partitions) == 0 {
		t.Error("expected the headphone filter to carry at least one partition")
	}

	unknown, _ := pose.FromValues([]int32{9, 9, 9})
	if _, err := s.Get(unknown); err == nil {
		t.Error("expected ErrFilterNotFound for an unregistered key")
	}
}

func TestLoadRejectsMonoIR(t *testing.T) {
	dir := t.TempDir()
	writeStereoAIFF(t, filepath.Join(dir, "mono.aif"), []int16{1, 2}, []int16{1, 2})

	// Force a mono file by truncating one channel out of the fixture: reuse
	// the stereo writer but then doctor the COMM chunk's channel count.
	path := filepath.Join(dir, "mono.aif")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	idx := bytes.Index(data, []byte("COMM"))
	if idx < 0 {
		t.Fatal("COMM chunk not found in fixture")
	}
	binary.BigEndian.PutUint16(data[idx+8:idx+10], 1) // channel count field
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifest := "0 0 0 mono.aif\n"
	manifestPath := filepath.Join(dir, "filters.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	if _, err := Load(manifestPath, testBlockSize, ""); err == nil {
		t.Fatal("expected an error loading a mono IR as a directional filter")
	}
}

func TestLoadRejectsMalformedManifest(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "filters.txt")
	if err := os.WriteFile(manifestPath, []byte("0 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(manifestPath, testBlockSize, ""); err == nil {
		t.Fatal("expected an error for a manifest line with too few fields")
	}
}

// TestLoadFallsBackToDecodeOnCacheMiss exercises Load with a cache file
// present but lacking the requested key: it must fall back to decoding the
// real source file rather than failing outright.
func TestLoadFallsBackToDecodeOnCacheMiss(t *testing.T) {
	dir := t.TempDir()

	key, _ := pose.FromValues([]int32{0, 0, 0})

	writeStereoAIFF(t, filepath.Join(dir, "a.aif"), []int16{10, 20}, []int16{30, 40})

	cachePath := filepath.Join(dir, "cache.bin")
	emptyCache, err := os.Create(cachePath)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := filtercache.NewWriter(emptyCache)
	if err := w.WriteHeader(0); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	manifest := "0 0 0 a.aif\n"
	manifestPath := filepath.Join(dir, "filters.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	s, err := Load(manifestPath, testBlockSize, cachePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.Get(key); err != nil {
		t.Fatalf("Get after cache-miss fallback: %v", err)
	}
}

func TestLoadRejectsMismatchedPartitionCounts(t *testing.T) {
	dir := t.TempDir()

	writeStereoAIFF(t, filepath.Join(dir, "short.aif"),
		[]int16{1, 2, 3, 4, 5, 6, 7, 8}, []int16{1, 2, 3, 4, 5, 6, 7, 8})
	writeStereoAIFF(t, filepath.Join(dir, "long.aif"),
		make([]int16, 20), make([]int16, 20))

	manifest := "0 0 0 short.aif\n1 0 0 long.aif\n"
	manifestPath := filepath.Join(dir, "filters.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	if _, err := Load(manifestPath, testBlockSize, ""); err == nil {
		t.Fatal("expected an error loading a manifest whose entries have differing partition counts")
	}
}

func TestReadManifestForBuildResolvesPathsAndSkipsHeadphone(t *testing.T) {
	dir := t.TempDir()
	manifest := "0 0 0 rel/a.aif\nHP hp.aif\n10 -5 0 /abs/b.aif\n"
	manifestPath := filepath.Join(dir, "filters.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := ReadManifestForBuild(manifestPath)
	if err != nil {
		t.Fatalf("ReadManifestForBuild: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2 (headphone excluded)", len(entries))
	}

	if !strings.HasSuffix(entries[0].Path, filepath.Join(dir, "rel/a.aif")) {
		t.Errorf("entries[0].Path: got %q, want it resolved against the manifest dir", entries[0].Path)
	}
	if entries[1].Path != "/abs/b.aif" {
		t.Errorf("entries[1].Path: got %q, want the absolute path preserved verbatim", entries[1].Path)
	}
}
