package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Word is one recognized word with absolute timing in seconds.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Segment is one contiguous span of recognized speech. Word entries, when
// present, fall within [Start, End].
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Words      []Word  `json:"words,omitempty"`
}

// SpeakerTurn is one diarized span attributed to a speaker label.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// PIIEntity is one detected piece of personally identifiable information.
// Char offsets index into the transcript text; the audio range locates the
// utterance in the recording.
type PIIEntity struct {
	Type       string  `json:"type"`
	Category   string  `json:"category,omitempty"`
	CharStart  int     `json:"char_start"`
	CharEnd    int     `json:"char_end"`
	AudioStart float64 `json:"audio_start"`
	AudioEnd   float64 `json:"audio_end"`
	Speaker    string  `json:"speaker,omitempty"`
	Redacted   string  `json:"redacted"`
}

// ─── Per-stage output payloads ───────────────────────────────────────────────

// PrepareOutput describes normalized audio produced by the prepare stage.
// Exactly one of AudioURI or ChannelURIs is populated: per-channel jobs get
// one mono WAV per source channel.
type PrepareOutput struct {
	AudioURI    string     `json:"audio_uri,omitempty"`
	ChannelURIs []string   `json:"channel_uris,omitempty"`
	Duration    float64    `json:"duration"`
	SampleRate  int        `json:"sample_rate"`
	Channels    int        `json:"channels"`
	Original    *MediaInfo `json:"original,omitempty"`
}

// TranscribeOutput is the ASR result for one audio input.
type TranscribeOutput struct {
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`

	// DetectedLanguage is set when the request language was "auto".
	DetectedLanguage string `json:"detected_language,omitempty"`

	// Granularity is the timestamp resolution actually achieved.
	Granularity Granularity `json:"granularity"`

	// AlignmentMethod records how word timing was produced ("native",
	// "aligned", or empty when segment-level only).
	AlignmentMethod string `json:"alignment_method,omitempty"`
}

// AlignOutput carries word-aligned segments, or a skip marker when no
// alignment model exists for the language. Skipped alignment is a
// degradation, not a failure: merge proceeds at segment granularity.
type AlignOutput struct {
	Segments []Segment `json:"segments,omitempty"`

	// Confidence is the mean alignment confidence over all words.
	Confidence float64 `json:"confidence,omitempty"`

	// UnalignedRatio is the fraction of words that could not be aligned.
	UnalignedRatio float64 `json:"unaligned_ratio,omitempty"`

	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// DiarizeOutput is the speaker attribution result.
type DiarizeOutput struct {
	Turns    []SpeakerTurn `json:"turns"`
	Speakers []string      `json:"speakers"`

	// OverlapRatio is the fraction of speech time with more than one active
	// speaker.
	OverlapRatio float64 `json:"overlap_ratio,omitempty"`
}

// PIIDetectOutput lists detected entities plus the fully redacted text.
type PIIDetectOutput struct {
	Entities     []PIIEntity `json:"entities"`
	RedactedText string      `json:"redacted_text"`
}

// AudioRedactOutput points at audio with PII ranges masked.
type AudioRedactOutput struct {
	AudioURI string        `json:"audio_uri"`
	Mode     RedactionMode `json:"mode"`

	// RedactionMap records each masked time range.
	RedactionMap []PIIEntity `json:"redaction_map,omitempty"`
}

// MergeOutput is the canonical transcript assembled from all upstream
// stages.
type MergeOutput struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Speakers []string  `json:"speakers,omitempty"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration,omitempty"`

	// WordTimestamps reports whether word-level timing survived the
	// pipeline (native or aligned).
	WordTimestamps bool `json:"word_timestamps"`

	// PipelineWarnings surfaces upstream degradations (skipped alignment,
	// diarization overlap, ...).
	PipelineWarnings []string `json:"pipeline_warnings,omitempty"`
}

// ─── StageOutput sum type ────────────────────────────────────────────────────

// StageOutput is the tagged union of all per-stage payloads. Exactly one
// variant pointer is non-nil and must agree with Stage. The JSON encoding is
// an envelope {"stage": ..., "data": {...}} so deserializers dispatch on the
// tag instead of probing fields.
type StageOutput struct {
	Stage Stage

	Prepare     *PrepareOutput
	Transcribe  *TranscribeOutput
	Align       *AlignOutput
	Diarize     *DiarizeOutput
	PIIDetect   *PIIDetectOutput
	AudioRedact *AudioRedactOutput
	Merge       *MergeOutput
}

// Variant returns the populated payload, or nil when the union is empty.
func (o StageOutput) Variant() any {
	switch o.Stage {
	case StagePrepare:
		if o.Prepare != nil {
			return o.Prepare
		}
	case StageTranscribe:
		if o.Transcribe != nil {
			return o.Transcribe
		}
	case StageAlign:
		if o.Align != nil {
			return o.Align
		}
	case StageDiarize:
		if o.Diarize != nil {
			return o.Diarize
		}
	case StagePIIDetect:
		if o.PIIDetect != nil {
			return o.PIIDetect
		}
	case StageAudioRedact:
		if o.AudioRedact != nil {
			return o.AudioRedact
		}
	case StageMerge:
		if o.Merge != nil {
			return o.Merge
		}
	}
	return nil
}

// Skipped reports whether the payload is a skip marker (currently only
// alignment skips).
func (o StageOutput) Skipped() (bool, string) {
	if o.Align != nil && o.Align.Skipped {
		return true, o.Align.SkipReason
	}
	return false, ""
}

type stageOutputEnvelope struct {
	Stage Stage           `json:"stage"`
	Data  json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler.
func (o StageOutput) MarshalJSON() ([]byte, error) {
	v := o.Variant()
	if v == nil {
		return nil, fmt.Errorf("types: stage output for %q has no payload", o.Stage)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stageOutputEnvelope{Stage: o.Stage, Data: data})
}

// UnmarshalJSON implements json.Unmarshaler, dispatching on the stage tag.
func (o *StageOutput) UnmarshalJSON(b []byte) error {
	var env stageOutputEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if !env.Stage.IsValid() {
		return fmt.Errorf("types: stage output has unknown stage %q", env.Stage)
	}
	*o = StageOutput{Stage: env.Stage}
	switch env.Stage {
	case StagePrepare:
		o.Prepare = new(PrepareOutput)
		return json.Unmarshal(env.Data, o.Prepare)
	case StageTranscribe:
		o.Transcribe = new(TranscribeOutput)
		return json.Unmarshal(env.Data, o.Transcribe)
	case StageAlign:
		o.Align = new(AlignOutput)
		return json.Unmarshal(env.Data, o.Align)
	case StageDiarize:
		o.Diarize = new(DiarizeOutput)
		return json.Unmarshal(env.Data, o.Diarize)
	case StagePIIDetect:
		o.PIIDetect = new(PIIDetectOutput)
		return json.Unmarshal(env.Data, o.PIIDetect)
	case StageAudioRedact:
		o.AudioRedact = new(AudioRedactOutput)
		return json.Unmarshal(env.Data, o.AudioRedact)
	case StageMerge:
		o.Merge = new(MergeOutput)
		return json.Unmarshal(env.Data, o.Merge)
	}
	return nil
}

// ─── Blob shapes ─────────────────────────────────────────────────────────────

// TaskInputFile is the input.json blob a worker downloads before invoking
// its engine. Exactly one of Media (prepare) or AudioURI (downstream) is
// set.
type TaskInputFile struct {
	TaskID string     `json:"task_id"`
	JobID  string     `json:"job_id"`
	Media  *MediaInfo `json:"media,omitempty"`

	// AudioURI points at the prepared (or channel-split) audio for
	// downstream stages.
	AudioURI string `json:"audio_uri,omitempty"`

	// PreviousOutputs carries the completed upstream payloads keyed by task
	// name: the stage name for linear pipelines, the branch name
	// ("transcribe_ch0") for per-channel fan-out.
	PreviousOutputs map[string]StageOutput `json:"previous_outputs,omitempty"`

	Config map[string]any `json:"config,omitempty"`
}

// TaskOutputFile is the output.json blob a worker uploads on success. Its
// existence at the canonical key is the ground truth the sweeper uses to
// recover lost completion events.
type TaskOutputFile struct {
	TaskID             string            `json:"task_id"`
	CompletedAt        time.Time         `json:"completed_at"`
	ProcessingTimeSecs float64           `json:"processing_time_seconds"`
	Data               StageOutput       `json:"data"`
	Artifacts          map[string]string `json:"artifacts,omitempty"`
}
