// Package vad defines the voice-activity-detection contract used by
// real-time sessions. A [Detector] produces per-chunk speech probabilities;
// the endpointing state machine that turns probabilities into utterance
// boundaries lives with the session, not here.
//
// The built-in [Energy] detector is a deterministic RMS-level heuristic,
// adequate for close-mic speech and for tests. Model-backed detectors
// implement the same interface.
package vad

import "context"

// Config describes the audio a session will feed the detector.
type Config struct {
	// SampleRate of the incoming chunks in Hz.
	SampleRate int

	// ChunkSamples is the fixed chunk length the session will pass to
	// [Session.Probability]. Detectors may reject other lengths.
	ChunkSamples int
}

// Detector creates per-session detection state. Implementations must be safe
// for concurrent NewSession calls; the returned sessions are single-owner.
type Detector interface {
	// NewSession returns fresh detection state for one audio stream.
	NewSession(ctx context.Context, cfg Config) (Session, error)
}

// Session is the per-stream detection state. Not safe for concurrent use.
type Session interface {
	// Probability returns the speech probability in [0, 1] for one chunk of
	// mono float32 samples.
	Probability(chunk []float32) (float64, error)

	// Reset clears accumulated state between utterances.
	Reset()

	// Close releases detector resources.
	Close() error
}
