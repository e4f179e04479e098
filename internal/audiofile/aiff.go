// Package audiofile decodes the PCM audio files behind both the BRIR
// manifest and the sound-source playlist into normalized float32 buffers.
//
// Only AIFF/AIFF-C with uncompressed PCM data is supported; this is the
// decoder every file the engine touches — impulse responses and playback
// sources alike — passes through.
package audiofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrNotAIFF      = errors.New("audiofile: not an AIFF file")
	ErrUnsupported  = errors.New("audiofile: unsupported AIFF variant")
	ErrTruncated    = errors.New("audiofile: truncated or malformed chunk")
	ErrMissingChunk = errors.New("audiofile: required chunk missing")
)

// Source holds a fully decoded multichannel audio file.
// Data is organized [channel][sample], matching the layout the convolver
// and sound handler both expect.
type Source struct {
	Channels   int
	SampleRate float64
	Frames     int
	Data       [][]float32
}

// Decode reads a complete AIFF or AIFF-C stream from r.
func Decode(r io.Reader) (*Source, error) {
	var form [12]byte
	if _, err := io.ReadFull(r, form[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	if string(form[0:4]) != "FORM" {
		return nil, ErrNotAIFF
	}

	formType := string(form[8:12])
	if formType != "AIFF" && formType != "AIFC" {
		return nil, ErrNotAIFF
	}

	var comm commonChunk
	var haveCOMM, haveSSND bool
	var pcm []byte

	for {
		id, size, err := readChunkHeader(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		padded := size
		if padded%2 != 0 {
			padded++
		}

		switch id {
		case "COMM":
			comm, err = parseCommon(r, size, formType)
			if err != nil {
				return nil, err
			}
			haveCOMM = true
			if size%2 != 0 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		case "SSND":
			pcm, err = parseSound(r, size)
			if err != nil {
				return nil, err
			}
			haveSSND = true
			if size%2 != 0 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		default:
			if _, err := io.CopyN(io.Discard, r, int64(padded)); err != nil {
				if errors.Is(err, io.EOF) {
					goto done
				}
				return nil, fmt.Errorf("%w: skipping chunk %q: %w", ErrTruncated, id, err)
			}
		}
	}

done:
	if !haveCOMM {
		return nil, fmt.Errorf("%w: COMM", ErrMissingChunk)
	}
	if !haveSSND {
		return nil, fmt.Errorf("%w: SSND", ErrMissingChunk)
	}

	return decodePCM(comm, pcm)
}

type commonChunk struct {
	channels      int
	numSampleFrames int
	bitsPerSample int
	sampleRate    float64
}

func readChunkHeader(r io.Reader) (id string, size uint32, err error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", 0, err
	}
	return string(hdr[0:4]), binary.BigEndian.Uint32(hdr[4:8]), nil
}

func parseCommon(r io.Reader, size uint32, formType string) (commonChunk, error) {
	var c commonChunk

	if size < 18 {
		return c, fmt.Errorf("%w: COMM shorter than 18 bytes", ErrTruncated)
	}

	var body [18]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return c, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	c.channels = int(binary.BigEndian.Uint16(body[0:2]))
	c.numSampleFrames = int(binary.BigEndian.Uint32(body[2:6]))
	c.bitsPerSample = int(binary.BigEndian.Uint16(body[6:8]))
	c.sampleRate = ieee80ToFloat64(body[8:18])

	switch {
	case c.channels < 1 || c.channels > 8:
		return c, fmt.Errorf("%w: %d channels", ErrUnsupported, c.channels)
	case c.bitsPerSample != 8 && c.bitsPerSample != 16 && c.bitsPerSample != 24 && c.bitsPerSample != 32:
		return c, fmt.Errorf("%w: %d-bit samples", ErrUnsupported, c.bitsPerSample)
	case c.sampleRate <= 0 || c.sampleRate > 384000:
		return c, fmt.Errorf("%w: sample rate %v", ErrUnsupported, c.sampleRate)
	}

	remaining := int64(size) - 18
	if remaining <= 0 {
		return c, nil
	}

	if formType != "AIFC" {
		_, _ = io.CopyN(io.Discard, r, remaining)
		return c, nil
	}

	extra := make([]byte, remaining)
	if _, err := io.ReadFull(r, extra); err != nil {
		return c, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	if len(extra) >= 4 {
		switch string(extra[0:4]) {
		case "NONE", "none", "sowt":
		default:
			return c, fmt.Errorf("%w: AIFC compression %q", ErrUnsupported, string(extra[0:4]))
		}
	}

	return c, nil
}

func parseSound(r io.Reader, size uint32) ([]byte, error) {
	if size < 8 {
		return nil, fmt.Errorf("%w: SSND shorter than 8 bytes", ErrTruncated)
	}

	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	offset := binary.BigEndian.Uint32(hdr[0:4])
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(offset)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
	}

	data := make([]byte, size-8-offset)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	return data, nil
}

func decodePCM(c commonChunk, pcm []byte) (*Source, error) {
	bytesPerSample := c.bitsPerSample / 8
	frameSize := bytesPerSample * c.channels
	if frameSize == 0 {
		return nil, fmt.Errorf("%w: zero frame size", ErrUnsupported)
	}

	frames := len(pcm) / frameSize
	if frames < c.numSampleFrames {
		c.numSampleFrames = frames
	}

	src := &Source{
		Channels:   c.channels,
		SampleRate: c.sampleRate,
		Frames:     c.numSampleFrames,
		Data:       make([][]float32, c.channels),
	}
	for ch := range src.Data {
		src.Data[ch] = make([]float32, c.numSampleFrames)
	}

	offset := 0
	for frame := 0; frame < c.numSampleFrames; frame++ {
		for ch := 0; ch < c.channels; ch++ {
			var sample float32
			switch c.bitsPerSample {
			case 8:
				sample = float32(int8(pcm[offset])) / 128.0
				offset++
			case 16:
				sample = float32(int16(binary.BigEndian.Uint16(pcm[offset:offset+2]))) / 32768.0
				offset += 2
			case 24:
				b0, b1, b2 := pcm[offset], pcm[offset+1], pcm[offset+2]
				var s int32
				if b0&0x80 != 0 {
					s = -1<<24 | int32(b0)<<16 | int32(b1)<<8 | int32(b2)
				} else {
					s = int32(b0)<<16 | int32(b1)<<8 | int32(b2)
				}
				sample = float32(s) / 8388608.0
				offset += 3
			case 32:
				sample = float32(int32(binary.BigEndian.Uint32(pcm[offset:offset+4]))) / 2147483648.0
				offset += 4
			}
			src.Data[ch][frame] = sample
		}
	}

	return src, nil
}

// ieee80ToFloat64 decodes the 80-bit IEEE 754 extended-precision float AIFF
// uses for its sample-rate field.
func ieee80ToFloat64(b []byte) float64 {
	if len(b) != 10 {
		return 0
	}

	sign := (b[0] >> 7) & 1
	exponent := int(binary.BigEndian.Uint16(b[0:2])) & 0x7FFF
	mantissa := binary.BigEndian.Uint64(b[2:10])

	switch exponent {
	case 0:
		return 0
	case 0x7FFF:
		return math.Inf(1)
	}

	v := float64(mantissa) / float64(1<<63)
	v = math.Ldexp(v, exponent-16383)
	if sign == 1 {
		v = -v
	}
	return v
}

// Duration returns the length of the decoded source in seconds.
func (s *Source) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.Frames) / s.SampleRate
}
