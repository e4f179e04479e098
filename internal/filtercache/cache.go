// Package filtercache persists already frequency-transformed BRIR pairs to
// disk so a second process start against an unchanged manifest can skip
// re-decoding every impulse-response file and re-running its forward FFTs.
//
// This stands in for FFT-planner wisdom persistence: the planner itself is
// cheap to rebuild once per process, but transforming a manifest of
// thousands of long BRIRs is not, so this is the cache worth keeping warm
// across runs.
package filtercache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"binsimgo/internal/filtertransform"
	"binsimgo/internal/halfprecision"
	"binsimgo/internal/pose"
)

const (
	magicNumber    = "FXCH"
	currentVersion = uint16(1)

	chunkEntry = "FENT"
	chunkIndex = "FIDX"

	fileHeaderSize = 4 + 2 + 4 + 8 // magic + version + count + indexOffset
)

var (
	ErrInvalidMagic   = errors.New("filtercache: invalid magic number")
	ErrWrongVersion   = errors.New("filtercache: unsupported cache version")
	ErrCorrupt        = errors.New("filtercache: corrupted cache file")
	ErrKeyNotInCache  = errors.New("filtercache: key not present in cache")
)

// Entry pairs a manifest key with its transformed filter.
type Entry struct {
	Key    pose.Key
	Filter filtertransform.Pair
}

// Writer emits a cache file. Call WriteHeader, then WriteEntry once per
// entry in the order they will be looked up, then Close.
type Writer struct {
	w       io.WriteSeeker
	count   uint32
	offsets []uint64
	keys    []pose.Key
	pos     uint64
}

func NewWriter(w io.WriteSeeker) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteHeader(count int) error {
	w.count = uint32(count)

	if _, err := w.w.Write([]byte(magicNumber)); err != nil {
		return fmt.Errorf("filtercache: write magic: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, currentVersion); err != nil {
		return fmt.Errorf("filtercache: write version: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, w.count); err != nil {
		return fmt.Errorf("filtercache: write count: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint64(0)); err != nil {
		return fmt.Errorf("filtercache: write index placeholder: %w", err)
	}

	w.pos = fileHeaderSize
	return nil
}

func (w *Writer) WriteEntry(e Entry) error {
	w.offsets = append(w.offsets, w.pos)
	w.keys = append(w.keys, e.Key)

	body := encodeFilter(e.Filter)

	if _, err := w.w.Write([]byte(chunkEntry)); err != nil {
		return fmt.Errorf("filtercache: write entry header: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint64(len(body))); err != nil {
		return fmt.Errorf("filtercache: write entry size: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("filtercache: write entry body: %w", err)
	}

	w.pos += 12 + uint64(len(body))
	return nil
}

// Close finalizes the cache, writing the index and patching the header's
// count and index-offset fields to match however many entries were
// actually written, which may be fewer than the count passed to
// WriteHeader if a caller skips entries it failed to decode.
func (w *Writer) Close() error {
	indexOffset := w.pos

	if _, err := w.w.Write([]byte(chunkIndex)); err != nil {
		return fmt.Errorf("filtercache: write index header: %w", err)
	}

	indexSize := uint64(len(w.keys)) * (8 + 6*4)
	if err := binary.Write(w.w, binary.LittleEndian, indexSize); err != nil {
		return fmt.Errorf("filtercache: write index size: %w", err)
	}

	for i, key := range w.keys {
		if err := binary.Write(w.w, binary.LittleEndian, w.offsets[i]); err != nil {
			return fmt.Errorf("filtercache: write index offset: %w", err)
		}
		for _, coord := range key {
			if err := binary.Write(w.w, binary.LittleEndian, coord); err != nil {
				return fmt.Errorf("filtercache: write index key: %w", err)
			}
		}
	}

	if _, err := w.w.Seek(4+2, io.SeekStart); err != nil {
		return fmt.Errorf("filtercache: seek to count field: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(w.keys))); err != nil {
		return fmt.Errorf("filtercache: patch count: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, indexOffset); err != nil {
		return fmt.Errorf("filtercache: patch index offset: %w", err)
	}

	return nil
}

func encodeFilter(p filtertransform.Pair) []byte {
	var buf []byte
	buf = appendBlocked(buf, p.Left)
	buf = appendBlocked(buf, p.Right)
	return buf
}

func appendBlocked(buf []byte, b filtertransform.Blocked) []byte {
	var blockSize [4]byte
	binary.LittleEndian.PutUint32(blockSize[:], uint32(b.BlockSize))
	buf = append(buf, blockSize[:]...)

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(b.Partitions)))
	buf = append(buf, count[:]...)

	for _, partition := range b.Partitions {
		encoded := halfprecision.EncodeComplex64(partition)

		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(encoded)))
		buf = append(buf, size[:]...)
		buf = append(buf, encoded...)
	}

	return buf
}

// Reader looks up cached transformed filters by pose.Key.
type Reader struct {
	r       io.ReadSeeker
	version uint16
	offsets map[pose.Key]uint64
}

func NewReader(r io.ReadSeeker) (*Reader, error) {
	reader := &Reader{r: r, offsets: make(map[pose.Key]uint64)}

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if string(magic[:]) != magicNumber {
		return nil, ErrInvalidMagic
	}

	if err := binary.Read(r, binary.LittleEndian, &reader.version); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if reader.version != currentVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrWrongVersion, reader.version, currentVersion)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var indexOffset uint64
	if err := binary.Read(r, binary.LittleEndian, &indexOffset); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if _, err := r.Seek(int64(indexOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var idxHdr [4]byte
	if _, err := io.ReadFull(r, idxHdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if string(idxHdr[:]) != chunkIndex {
		return nil, fmt.Errorf("%w: expected index chunk", ErrCorrupt)
	}

	var indexSize uint64
	if err := binary.Read(r, binary.LittleEndian, &indexSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	for i := uint32(0); i < count; i++ {
		var offset uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		var key pose.Key
		for k := range key {
			if err := binary.Read(r, binary.LittleEndian, &key[k]); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
			}
		}

		reader.offsets[key] = offset
	}

	return reader, nil
}

// Has reports whether key is present in the cache without loading it.
func (r *Reader) Has(key pose.Key) bool {
	_, ok := r.offsets[key]
	return ok
}

// Load reads and decodes the transformed filter stored under key.
func (r *Reader) Load(key pose.Key) (filtertransform.Pair, error) {
	offset, ok := r.offsets[key]
	if !ok {
		return filtertransform.Pair{}, ErrKeyNotInCache
	}

	if _, err := r.r.Seek(int64(offset), io.SeekStart); err != nil {
		return filtertransform.Pair{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return filtertransform.Pair{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if string(hdr[:]) != chunkEntry {
		return filtertransform.Pair{}, fmt.Errorf("%w: expected entry chunk", ErrCorrupt)
	}

	var size uint64
	if err := binary.Read(r.r, binary.LittleEndian, &size); err != nil {
		return filtertransform.Pair{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return filtertransform.Pair{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	left, rest, err := decodeBlocked(body)
	if err != nil {
		return filtertransform.Pair{}, err
	}
	right, _, err := decodeBlocked(rest)
	if err != nil {
		return filtertransform.Pair{}, err
	}

	return filtertransform.Pair{Left: left, Right: right}, nil
}

func decodeBlocked(data []byte) (filtertransform.Blocked, []byte, error) {
	if len(data) < 8 {
		return filtertransform.Blocked{}, nil, fmt.Errorf("%w: truncated block header", ErrCorrupt)
	}

	blockSize := int(binary.LittleEndian.Uint32(data[0:4]))
	count := int(binary.LittleEndian.Uint32(data[4:8]))
	data = data[8:]

	b := filtertransform.Blocked{
		BlockSize:  blockSize,
		Partitions: make([][]complex64, count),
	}

	for i := range b.Partitions {
		if len(data) < 4 {
			return filtertransform.Blocked{}, nil, fmt.Errorf("%w: truncated partition size", ErrCorrupt)
		}
		size := int(binary.LittleEndian.Uint32(data[0:4]))
		data = data[4:]

		if len(data) < size {
			return filtertransform.Blocked{}, nil, fmt.Errorf("%w: truncated partition data", ErrCorrupt)
		}
		b.Partitions[i] = halfprecision.DecodeComplex64(data[:size])
		data = data[size:]
	}

	return b, data, nil
}

// Close releases resources held by the reader. Provided for symmetry with
// the writer; the underlying io.ReadSeeker is owned by the caller.
func (r *Reader) Close() error {
	return nil
}
