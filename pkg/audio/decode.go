package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoding identifies a supported wire encoding for session audio.
type Encoding string

const (
	// EncodingPCM16 is 16-bit little-endian signed linear PCM.
	EncodingPCM16 Encoding = "pcm_s16le"

	// EncodingPCMF32 is 32-bit little-endian IEEE float PCM.
	EncodingPCMF32 Encoding = "pcm_f32le"

	// EncodingMulaw is G.711 µ-law companded 8-bit PCM.
	EncodingMulaw Encoding = "mulaw"

	// EncodingAlaw is G.711 A-law companded 8-bit PCM.
	EncodingAlaw Encoding = "alaw"
)

// IsValid reports whether the encoding is supported.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingPCMF32, EncodingMulaw, EncodingAlaw:
		return true
	}
	return false
}

// BytesPerSample returns the wire size of one sample, or 0 for unknown
// encodings.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingPCM16:
		return 2
	case EncodingPCMF32:
		return 4
	case EncodingMulaw, EncodingAlaw:
		return 1
	}
	return 0
}

// Decode converts raw frame bytes in the given encoding to float32 samples
// in [-1, 1]. The byte length must be a multiple of the encoding's sample
// size.
func Decode(enc Encoding, data []byte) ([]float32, error) {
	size := enc.BytesPerSample()
	if size == 0 {
		return nil, fmt.Errorf("audio: unsupported encoding %q", enc)
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("audio: %d bytes is not a whole number of %s samples", len(data), enc)
	}

	n := len(data) / size
	out := make([]float32, n)

	switch enc {
	case EncodingPCM16:
		for i := range n {
			s := int16(binary.LittleEndian.Uint16(data[i*2:]))
			out[i] = float32(s) / 32768
		}
	case EncodingPCMF32:
		for i := range n {
			bits := binary.LittleEndian.Uint32(data[i*4:])
			out[i] = math.Float32frombits(bits)
		}
	case EncodingMulaw:
		for i := range n {
			out[i] = float32(mulawToLinear(data[i])) / 32768
		}
	case EncodingAlaw:
		for i := range n {
			out[i] = float32(alawToLinear(data[i])) / 32768
		}
	}
	return out, nil
}

// mulawToLinear expands one G.711 µ-law byte to 16-bit linear PCM.
func mulawToLinear(u byte) int16 {
	u = ^u
	t := (int16(u&0x0f)<<3 + 0x84) << ((u & 0x70) >> 4)
	if u&0x80 != 0 {
		return 0x84 - t
	}
	return t - 0x84
}

// alawToLinear expands one G.711 A-law byte to 16-bit linear PCM.
func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int16(a&0x0f) << 4
	switch seg := (a & 0x70) >> 4; seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return t
	}
	return -t
}

// EncodePCM16 converts float32 samples to 16-bit little-endian PCM bytes,
// clamping out-of-range values.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
