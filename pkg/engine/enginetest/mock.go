// Package enginetest provides engines for tests and local runs: call-
// recording mocks and deterministic simulation engines for every pipeline
// stage. The simulation engines produce structurally valid typed outputs
// (including real WAV artifacts) without any model inference, which is
// enough to drive the orchestrator end to end.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/types"
)

// Processor is a call-recording [engine.Processor]. The zero value declares
// no capabilities and fails every Process call; set Caps and ProcessFunc as
// needed.
type Processor struct {
	Caps        types.Capabilities
	ProcessFunc func(ctx context.Context, in engine.TaskInput) (engine.TaskOutput, error)

	mu    sync.Mutex
	calls []engine.TaskInput
}

var _ engine.Processor = (*Processor)(nil)

// Capabilities implements [engine.Processor].
func (p *Processor) Capabilities() types.Capabilities { return p.Caps }

// Process implements [engine.Processor], recording the input.
func (p *Processor) Process(ctx context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	p.mu.Lock()
	p.calls = append(p.calls, in)
	p.mu.Unlock()

	if p.ProcessFunc == nil {
		return engine.TaskOutput{}, errors.New("enginetest: ProcessFunc not set")
	}
	return p.ProcessFunc(ctx, in)
}

// Calls returns a copy of every recorded input, in order.
func (p *Processor) Calls() []engine.TaskInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]engine.TaskInput, len(p.calls))
	copy(out, p.calls)
	return out
}

// Transcriber is a call-recording [engine.Transcriber] for real-time tests.
type Transcriber struct {
	Caps           types.Capabilities
	TranscribeFunc func(ctx context.Context, samples []float32, sampleRate int, opts engine.TranscribeOptions) (engine.Transcription, error)

	mu    sync.Mutex
	calls []int // sample counts per call
}

var _ engine.Transcriber = (*Transcriber)(nil)

// Capabilities implements [engine.Transcriber].
func (t *Transcriber) Capabilities() types.Capabilities { return t.Caps }

// Transcribe implements [engine.Transcriber], recording the call.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts engine.TranscribeOptions) (engine.Transcription, error) {
	t.mu.Lock()
	t.calls = append(t.calls, len(samples))
	t.mu.Unlock()

	if t.TranscribeFunc == nil {
		return engine.Transcription{}, errors.New("enginetest: TranscribeFunc not set")
	}
	return t.TranscribeFunc(ctx, samples, sampleRate, opts)
}

// CallSampleCounts returns the sample count of every Transcribe call.
func (t *Transcriber) CallSampleCounts() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.calls))
	copy(out, t.calls)
	return out
}
