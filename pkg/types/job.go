package types

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job. A job reaches a terminal status
// exactly once; CANCELLING is the only non-terminal status reachable from
// RUNNING by an external actor.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobRunning    JobStatus = "RUNNING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelling JobStatus = "CANCELLING"
	JobCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal jobs are eligible
// for metadata reaping once their retention window has elapsed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// SpeakerDetection selects how speaker attribution is performed, shaping the
// task DAG: "diarize" inserts a diarization stage (unless the transcriber
// includes one), "per_channel" fans transcription out per audio channel.
type SpeakerDetection string

const (
	SpeakerNone       SpeakerDetection = "none"
	SpeakerDiarize    SpeakerDetection = "diarize"
	SpeakerPerChannel SpeakerDetection = "per_channel"
)

// IsValid reports whether the mode is one of the recognized values.
func (m SpeakerDetection) IsValid() bool {
	switch m {
	case SpeakerNone, SpeakerDiarize, SpeakerPerChannel:
		return true
	}
	return false
}

// Granularity is the requested timestamp resolution of the final transcript.
type Granularity string

const (
	GranularitySegment Granularity = "segment"
	GranularityWord    Granularity = "word"
)

// IsValid reports whether the granularity is recognized.
func (g Granularity) IsValid() bool {
	return g == GranularitySegment || g == GranularityWord
}

// RedactionMode selects how PII audio ranges are masked.
type RedactionMode string

const (
	RedactSilence RedactionMode = "silence"
	RedactBeep    RedactionMode = "beep"
)

// IsValid reports whether the mode is recognized.
func (m RedactionMode) IsValid() bool {
	return m == RedactSilence || m == RedactBeep
}

// JobParams carries the client-supplied knobs that shape the pipeline. The
// zero value is not valid; use [JobParams.Normalize] before validation to
// fill defaults.
type JobParams struct {
	// Language is a BCP-47-ish lowercase code ("en", "hr") or "auto" when the
	// caller wants the engine to detect it. "auto" relaxes language matching
	// during engine selection.
	Language string `json:"language"`

	// SpeakerDetection selects speaker attribution. Default: none.
	SpeakerDetection SpeakerDetection `json:"speaker_detection"`

	// Granularity is the requested timestamp resolution. Requesting word
	// granularity from a transcriber without native word timestamps inserts
	// an align stage. Default: segment.
	Granularity Granularity `json:"granularity"`

	// Vocabulary lists domain terms to bias recognition and post-correction.
	Vocabulary []string `json:"vocabulary,omitempty"`

	// PIIDetect enables the pii_detect stage.
	PIIDetect bool `json:"pii_detect"`

	// RedactAudio enables the audio_redact stage. Requires PIIDetect.
	RedactAudio bool `json:"redact_audio"`

	// RedactionMode selects silence or beep masking. Default: silence.
	RedactionMode RedactionMode `json:"redaction_mode,omitempty"`

	// WebhookURL, when set, is enqueued for delivery on job completion.
	// Delivery itself is handled outside this system.
	WebhookURL string `json:"webhook_url,omitempty"`

	// EnginePreferences pins a stage to a specific engine id. Pinned engines
	// are still verified against requirements.
	EnginePreferences map[Stage]string `json:"engine_preferences,omitempty"`

	// MaxRetries bounds per-task retry attempts. Default: 2.
	MaxRetries int `json:"max_retries"`
}

// Normalize fills defaulted fields in place.
func (p *JobParams) Normalize() {
	if p.Language == "" {
		p.Language = "auto"
	}
	if p.SpeakerDetection == "" {
		p.SpeakerDetection = SpeakerNone
	}
	if p.Granularity == "" {
		p.Granularity = GranularitySegment
	}
	if p.RedactAudio && p.RedactionMode == "" {
		p.RedactionMode = RedactSilence
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 2
	}
}

// Validate reports every invalid field joined into one error. Call after
// Normalize.
func (p JobParams) Validate() error {
	var errs []error
	if !p.SpeakerDetection.IsValid() {
		errs = append(errs, fmt.Errorf("speaker_detection %q not one of none, diarize, per_channel", p.SpeakerDetection))
	}
	if !p.Granularity.IsValid() {
		errs = append(errs, fmt.Errorf("granularity %q not one of segment, word", p.Granularity))
	}
	if p.RedactAudio {
		if !p.PIIDetect {
			errs = append(errs, errors.New("redact_audio requires pii_detect"))
		}
		if !p.RedactionMode.IsValid() {
			errs = append(errs, fmt.Errorf("redaction_mode %q not one of silence, beep", p.RedactionMode))
		}
	}
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries %d must not be negative", p.MaxRetries))
	}
	return errors.Join(errs...)
}

// WordTimestamps reports whether the caller asked for word-level timing.
func (p JobParams) WordTimestamps() bool {
	return p.Granularity == GranularityWord
}

// LanguageKnown reports whether a concrete language was requested (anything
// other than "auto" or empty).
func (p JobParams) LanguageKnown() bool {
	return p.Language != "" && p.Language != "auto"
}

// Job is the unit of client work: one media input expanded into a DAG of
// stage tasks. Jobs are created by the intake path, owned by the event loop
// while RUNNING, and finalized exactly once.
type Job struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    JobStatus `json:"status"`
	Params    JobParams `json:"params"`

	// Media describes the source recording as submitted.
	Media *MediaInfo `json:"media,omitempty"`

	// Error is the top-level failure message, drawn from the first failing
	// task. Empty unless Status is FAILED.
	Error string `json:"error,omitempty"`

	// Warnings aggregates non-fatal per-stage degradations (e.g. alignment
	// skipped for an unsupported language).
	Warnings []string `json:"warnings,omitempty"`

	// TranscriptURI points at the canonical transcript blob once the job
	// completes.
	TranscriptURI string `json:"transcript_uri,omitempty"`
}

// MediaInfo describes a source or derived audio object.
type MediaInfo struct {
	URI        string  `json:"uri"`
	Format     string  `json:"format,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	BitDepth   int     `json:"bit_depth,omitempty"`
}
