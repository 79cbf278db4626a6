// Package audio provides the PCM plumbing for real-time sessions: decoding
// wire encodings to float32 samples, fixed-size chunking, a lookback ring for
// capturing speech onsets, linear resampling, and a minimal mono WAV codec.
//
// All functions operate on mono float32 samples in [-1, 1]. Multi-channel
// handling happens upstream of this package.
package audio

import "time"

// Duration returns the play time of n samples at the given rate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// SampleCount returns the number of samples spanning d at the given rate.
func SampleCount(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}

// Ring is a fixed-capacity ring buffer of samples. Writes past capacity
// overwrite the oldest data. It is not safe for concurrent use.
type Ring struct {
	buf  []float32
	w    int
	full bool
}

// NewRing returns a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float32, capacity)}
}

// Write appends samples, overwriting the oldest when full.
func (r *Ring) Write(samples []float32) {
	for _, s := range samples {
		r.buf[r.w] = s
		r.w++
		if r.w == len(r.buf) {
			r.w = 0
			r.full = true
		}
	}
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.w
}

// Snapshot returns the buffered samples oldest-first. The returned slice is
// freshly allocated.
func (r *Ring) Snapshot() []float32 {
	out := make([]float32, 0, r.Len())
	if r.full {
		out = append(out, r.buf[r.w:]...)
	}
	return append(out, r.buf[:r.w]...)
}

// Reset discards all buffered samples.
func (r *Ring) Reset() {
	r.w = 0
	r.full = false
}

// Resample converts samples from one rate to another using linear
// interpolation. Returns the input unchanged when the rates match. Linear
// interpolation is adequate for speech feeding recognition models; it is not
// transparent for music.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		outLen = 1
	}
	out := make([]float32, outLen)

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		if idx+1 < len(samples) {
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else {
			out[i] = samples[len(samples)-1]
		}
	}
	return out
}
