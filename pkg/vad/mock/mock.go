// Package mock provides a scripted [vad.Detector] for tests.
package mock

import (
	"context"

	"github.com/dalstonhq/dalston/pkg/vad"
)

// Detector replays a fixed probability script. Every session created from it
// shares the script but tracks its own position; once the script is
// exhausted the last value repeats. A nil ProbabilityFunc with an empty
// script yields 0 forever.
type Detector struct {
	// Script is the sequence of probabilities to return, one per chunk.
	Script []float64

	// ProbabilityFunc, when set, overrides Script entirely.
	ProbabilityFunc func(chunk []float32) (float64, error)
}

var _ vad.Detector = (*Detector)(nil)

// NewSession implements [vad.Detector].
func (d *Detector) NewSession(_ context.Context, _ vad.Config) (vad.Session, error) {
	return &session{det: d}, nil
}

type session struct {
	det *Detector
	pos int

	// ResetCount and Closed are recorded for assertions.
	ResetCount int
	Closed     bool
}

func (s *session) Probability(chunk []float32) (float64, error) {
	if s.det.ProbabilityFunc != nil {
		return s.det.ProbabilityFunc(chunk)
	}
	if len(s.det.Script) == 0 {
		return 0, nil
	}
	p := s.det.Script[min(s.pos, len(s.det.Script)-1)]
	s.pos++
	return p, nil
}

func (s *session) Reset() {
	s.ResetCount++
}

func (s *session) Close() error {
	s.Closed = true
	return nil
}
