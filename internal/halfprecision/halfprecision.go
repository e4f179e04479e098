// Package halfprecision converts between float32 and IEEE 754
// half-precision (binary16), used by the filter transform cache to roughly
// halve its on-disk footprint.
package halfprecision

import (
	"encoding/binary"
	"math"
)

// EncodeFloat32 packs values as little-endian f16, two bytes each.
func EncodeFloat32(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], encode(v))
	}
	return out
}

// DecodeFloat32 unpacks little-endian f16 bytes back to float32.
func DecodeFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = decode(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// EncodeComplex64 packs a complex64 slice as interleaved (re, im) f16 pairs.
func EncodeComplex64(values []complex64) []byte {
	flat := make([]float32, 0, len(values)*2)
	for _, v := range values {
		flat = append(flat, real(v), imag(v))
	}
	return EncodeFloat32(flat)
}

// DecodeComplex64 is the inverse of EncodeComplex64.
func DecodeComplex64(data []byte) []complex64 {
	flat := DecodeFloat32(data)
	out := make([]complex64, len(flat)/2)
	for i := range out {
		out[i] = complex(flat[i*2], flat[i*2+1])
	}
	return out
}

func encode(value float32) uint16 {
	bits := math.Float32bits(value)

	sign := (bits >> 31) & 0x1
	exponent := (bits >> 23) & 0xFF
	mantissa := bits & 0x7FFFFF

	if exponent == 0xFF {
		if mantissa == 0 {
			return uint16((sign << 15) | 0x7C00)
		}
		return uint16((sign << 15) | 0x7C00 | ((mantissa >> 13) & 0x3FF))
	}

	if exponent == 0 {
		return uint16(sign << 15)
	}

	newExponent := int(exponent) - 127 + 15
	if newExponent >= 31 {
		return uint16((sign << 15) | 0x7C00)
	}
	if newExponent <= 0 {
		return uint16(sign << 15)
	}

	rounded := (mantissa + 0x1000) >> 13
	if rounded > 0x3FF {
		newExponent++
		rounded = 0
		if newExponent >= 31 {
			return uint16((sign << 15) | 0x7C00)
		}
	}

	return uint16((sign << 15) | (uint32(newExponent) << 10) | (rounded & 0x3FF))
}

func decode(bits uint16) float32 {
	sign := uint32(bits>>15) & 0x1
	exponent := uint32(bits>>10) & 0x1F
	mantissa := uint32(bits) & 0x3FF

	switch {
	case exponent == 31 && mantissa == 0:
		return math.Float32frombits((sign << 31) | 0x7F800000)
	case exponent == 31:
		return math.Float32frombits((sign << 31) | 0x7FC00000 | (mantissa << 13))
	case exponent == 0 && mantissa == 0:
		return math.Float32frombits(sign << 31)
	case exponent == 0:
		exponent = 1
	}

	newExponent := exponent - 15 + 127
	newMantissa := mantissa << 13

	return math.Float32frombits((sign << 31) | (newExponent << 23) | newMantissa)
}
