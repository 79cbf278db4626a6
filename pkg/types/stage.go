// Package types defines the domain model shared by every Dalston component:
// jobs, tasks, engine capabilities, dispatch messages, lifecycle events, and
// the typed per-stage output payloads stored in the object store.
//
// All types here are plain data. Serialized field names follow the wire and
// blob conventions consumed by engines and external tooling, so JSON tags are
// part of the contract — renaming a tag is a breaking change.
package types

import "fmt"

// Stage identifies one coarse pipeline step of a transcription job.
type Stage string

const (
	// StagePrepare normalizes source media into mono WAV (or per-channel WAVs).
	StagePrepare Stage = "prepare"

	// StageTranscribe runs ASR over prepared audio.
	StageTranscribe Stage = "transcribe"

	// StageAlign adds word-level timestamps to segments that lack them.
	StageAlign Stage = "align"

	// StageDiarize attributes speech turns to speaker labels.
	StageDiarize Stage = "diarize"

	// StagePIIDetect locates personally identifiable information in the text.
	StagePIIDetect Stage = "pii_detect"

	// StageAudioRedact silences or beeps PII time ranges in the audio.
	StageAudioRedact Stage = "audio_redact"

	// StageMerge folds all upstream outputs into the canonical transcript.
	StageMerge Stage = "merge"
)

// Stages lists every stage in canonical pipeline order.
var Stages = []Stage{
	StagePrepare,
	StageTranscribe,
	StageAlign,
	StageDiarize,
	StagePIIDetect,
	StageAudioRedact,
	StageMerge,
}

// IsValid reports whether s is a recognized stage name.
func (s Stage) IsValid() bool {
	switch s {
	case StagePrepare, StageTranscribe, StageAlign, StageDiarize,
		StagePIIDetect, StageAudioRedact, StageMerge:
		return true
	}
	return false
}

// ParseStage converts a string into a [Stage], rejecting unknown names.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.IsValid() {
		return "", fmt.Errorf("types: unknown stage %q", s)
	}
	return st, nil
}
