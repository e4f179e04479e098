package audiofile

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// buildAIFF assembles a minimal uncompressed AIFF stream with one COMM and
// one SSND chunk, interleaving the given per-channel 16-bit samples.
func buildAIFF(t *testing.T, channels int, sampleRate float64, data [][]int16) []byte {
	t.Helper()

	frames := len(data[0])

	var ssndData bytes.Buffer
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(data[ch][f]))
			ssndData.Write(b[:])
		}
	}

	var comm bytes.Buffer
	comm.WriteString("COMM")
	writeU32(&comm, 18)
	writeU16(&comm, uint16(channels))
	writeU32(&comm, uint32(frames))
	writeU16(&comm, 16)
	comm.Write(encodeIEEE80(sampleRate))

	var ssnd bytes.Buffer
	ssnd.WriteString("SSND")
	writeU32(&ssnd, uint32(8+ssndData.Len()))
	writeU32(&ssnd, 0)
	writeU32(&ssnd, 0)
	ssnd.Write(ssndData.Bytes())

	var form bytes.Buffer
	form.WriteString("FORM")
	writeU32(&form, uint32(4+comm.Len()+ssnd.Len()))
	form.WriteString("AIFF")
	form.Write(comm.Bytes())
	form.Write(ssnd.Bytes())

	return form.Bytes()
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

// encodeIEEE80 is the inverse of ieee80ToFloat64, used only to build test
// fixtures.
func encodeIEEE80(v float64) []byte {
	var out [10]byte
	if v == 0 {
		return out[:]
	}

	sign := uint16(0)
	if v < 0 {
		sign = 1
		v = -v
	}

	frac, exp := math.Frexp(v)
	mantissa := uint64(frac * (1 << 64))
	exponent := uint16(exp-1+16383) | (sign << 15)

	binary.BigEndian.PutUint16(out[0:2], exponent)
	binary.BigEndian.PutUint64(out[2:10], mantissa)

	return out[:]
}

func TestDecodeStereo16Bit(t *testing.T) {
	left := []int16{0, 16384, -16384, 32767, -32768}
	right := []int16{0, -16384, 16384, -32768, 32767}

	raw := buildAIFF(t, 2, 44100, [][]int16{left, right})

	src, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if src.Channels != 2 {
		t.Fatalf("Channels: got %d, want 2", src.Channels)
	}
	if src.Frames != len(left) {
		t.Fatalf("Frames: got %d, want %d", src.Frames, len(left))
	}
	if math.Abs(src.SampleRate-44100) > 1 {
		t.Errorf("SampleRate: got %v, want ~44100", src.SampleRate)
	}

	for i := range left {
		wantL := float32(left[i]) / 32768.0
		wantR := float32(right[i]) / 32768.0
		if diff := math.Abs(float64(src.Data[0][i] - wantL)); diff > 1e-6 {
			t.Errorf("left[%d]: got %v, want %v", i, src.Data[0][i], wantL)
		}
		if diff := math.Abs(float64(src.Data[1][i] - wantR)); diff > 1e-6 {
			t.Errorf("right[%d]: got %v, want %v", i, src.Data[1][i], wantR)
		}
	}
}

func TestDecodeRejectsNonAIFF(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not an aiff file at all")))
	if err == nil {
		t.Fatal("expected an error decoding a non-AIFF stream")
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("FOR")))
	if err == nil {
		t.Fatal("expected an error decoding a truncated stream")
	}
}

func TestDurationUsesSampleRateAndFrameCount(t *testing.T) {
	src := &Source{SampleRate: 44100, Frames: 44100}
	if got := src.Duration(); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Duration: got %v, want 1.0", got)
	}

	zero := &Source{SampleRate: 0, Frames: 100}
	if got := zero.Duration(); got != 0 {
		t.Errorf("Duration with zero sample rate: got %v, want 0", got)
	}
}
