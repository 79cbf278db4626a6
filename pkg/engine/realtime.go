package engine

import (
	"context"

	"github.com/dalstonhq/dalston/pkg/types"
)

// TranscribeOptions carries the per-utterance knobs a session passes to its
// transcriber. Language and Vocabulary may change mid-session via
// config_update.
type TranscribeOptions struct {
	Language       string
	Model          string
	Vocabulary     []string
	WordTimestamps bool
}

// Transcription is the result of transcribing one utterance. Word times are
// utterance-relative seconds; the session shifts them to session-relative
// time before emitting transcript frames.
type Transcription struct {
	Text       string
	Words      []types.Word
	Confidence float64

	// Language is the detected language when the request asked for auto
	// detection.
	Language string
}

// Transcriber is the real-time engine contract: a synchronous
// utterance-to-text callback. The session serializes calls, so
// implementations holding exclusive model state need no locking of their
// own.
type Transcriber interface {
	// Capabilities declares the engine's features, including the model
	// variants it serves. Streaming must be true.
	Capabilities() types.Capabilities

	// Transcribe converts one utterance of mono float32 samples to text.
	Transcribe(ctx context.Context, samples []float32, sampleRate int, opts TranscribeOptions) (Transcription, error)
}
