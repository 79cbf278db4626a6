package vad

import (
	"context"
	"math"
)

const (
	// defaultFloorDB is the RMS level mapped to probability 0.
	defaultFloorDB = -60

	// defaultCeilingDB is the RMS level mapped to probability 1.
	defaultCeilingDB = -20
)

// EnergyOption configures an [Energy] detector.
type EnergyOption func(*Energy)

// WithFloorDB sets the dBFS level below which audio counts as certain
// silence. Default: -60.
func WithFloorDB(db float64) EnergyOption {
	return func(e *Energy) {
		e.floorDB = db
	}
}

// WithCeilingDB sets the dBFS level above which audio counts as certain
// speech. Default: -20.
func WithCeilingDB(db float64) EnergyOption {
	return func(e *Energy) {
		e.ceilingDB = db
	}
}

// Energy is an RMS-level speech detector. The probability is a linear ramp
// in decibels between the floor and ceiling levels, so it is fully
// deterministic for a given input.
type Energy struct {
	floorDB   float64
	ceilingDB float64
}

var _ Detector = (*Energy)(nil)

// NewEnergy returns an energy detector with the supplied options applied.
func NewEnergy(opts ...EnergyOption) *Energy {
	e := &Energy{floorDB: defaultFloorDB, ceilingDB: defaultCeilingDB}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [Detector]. The energy detector keeps no cross-chunk
// state, so sessions are trivially cheap.
func (e *Energy) NewSession(_ context.Context, _ Config) (Session, error) {
	return &energySession{det: e}, nil
}

type energySession struct {
	det *Energy
}

func (s *energySession) Probability(chunk []float32) (float64, error) {
	if len(chunk) == 0 {
		return 0, nil
	}

	var sum float64
	for _, v := range chunk {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(chunk)))
	if rms == 0 {
		return 0, nil
	}

	db := 20 * math.Log10(rms)
	p := (db - s.det.floorDB) / (s.det.ceilingDB - s.det.floorDB)
	return math.Min(1, math.Max(0, p)), nil
}

func (s *energySession) Reset() {}

func (s *energySession) Close() error { return nil }
