package filtercache

import (
	"io"
	"math"
	"testing"

	"binsimgo/internal/filtertransform"
	"binsimgo/internal/pose"
)

// memFile is an in-memory file that supports io.ReadWriteSeeker.
type memFile struct {
	data []byte
	pos  int64
}

func newMemFile() *memFile {
	return &memFile{data: make([]byte, 0)}
}

func (m *memFile) Write(p []byte) (n int, err error) {
	needed := int(m.pos) + len(p)
	if needed > len(m.data) {
		newData := make([]byte, needed)
		copy(newData, m.data)
		m.data = newData
	}

	copy(m.data[m.pos:], p)
	m.pos += int64(len(p))

	return len(p), nil
}

func (m *memFile) Read(p []byte) (n int, err error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n = copy(p, m.data[m.pos:])
	m.pos += int64(n)

	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var newPos int64

	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.data)) + offset
	}

	if newPos < 0 {
		return 0, io.EOF
	}

	m.pos = newPos

	return m.pos, nil
}

func testPair(seed float32) filtertransform.Pair {
	mk := func() filtertransform.Blocked {
		return filtertransform.Blocked{
			BlockSize: 4,
			Partitions: [][]complex64{
				{complex(seed, 0), complex(0, seed), complex(1, 1), complex(0, 0), complex(-seed, seed)},
				{complex(seed*2, 1), complex(2, 0), complex(0, -1), complex(3, 3), complex(0, 0)},
			},
		}
	}
	return filtertransform.Pair{Left: mk(), Right: mk()}
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := newMemFile()

	keyA, _ := pose.FromValues([]int32{0, 0, 0})
	keyB, _ := pose.FromValues([]int32{10, -20, 30})

	entries := []Entry{
		{Key: keyA, Filter: testPair(1)},
		{Key: keyB, Filter: testPair(2)},
	}

	w := NewWriter(f)
	if err := w.WriteHeader(len(entries)); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	for _, e := range entries {
		if err := w.WriteEntry(e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f.pos = 0
	r, err := NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	for _, e := range entries {
		if !r.Has(e.Key) {
			t.Errorf("Has(%v): want true", e.Key)
		}

		got, err := r.Load(e.Key)
		if err != nil {
			t.Fatalf("Load(%v): %v", e.Key, err)
		}
		assertPairClose(t, got, e.Filter)
	}

	unknown, _ := pose.FromValues([]int32{99, 99, 99})
	if r.Has(unknown) {
		t.Error("Has(unknown): want false")
	}
	if _, err := r.Load(unknown); err == nil {
		t.Error("Load(unknown): expected an error")
	}
}

func TestNewReaderRejectsBadMagic(t *testing.T) {
	f := newMemFile()
	f.Write([]byte("NOPE0000000000"))
	f.pos = 0

	if _, err := NewReader(f); err == nil {
		t.Fatal("expected an error for a bad magic number")
	}
}

func assertPairClose(t *testing.T, got, want filtertransform.Pair) {
	t.Helper()
	assertBlockedClose(t, got.Left, want.Left)
	assertBlockedClose(t, got.Right, want.Right)
}

func assertBlockedClose(t *testing.T, got, want filtertransform.Blocked) {
	t.Helper()

	if got.BlockSize != want.BlockSize {
		t.Errorf("BlockSize: got %d, want %d", got.BlockSize, want.BlockSize)
	}
	if len(got.Partitions) != len(want.Partitions) {
		t.Fatalf("partition count: got %d, want %d", len(got.Partitions), len(want.Partitions))
	}

	for i := range want.Partitions {
		if len(got.Partitions[i]) != len(want.Partitions[i]) {
			t.Fatalf("partition %d length: got %d, want %d", i, len(got.Partitions[i]), len(want.Partitions[i]))
		}
		for b := range want.Partitions[i] {
			g, w := got.Partitions[i][b], want.Partitions[i][b]
			if absComplex(g-w) > 0.01 {
				t.Errorf("partition %d bin %d: got %v, want %v", i, b, g, w)
			}
		}
	}
}

func absComplex(c complex64) float32 {
	r, i := real(c), imag(c)
	return float32(math.Sqrt(float64(r*r + i*i)))
}
