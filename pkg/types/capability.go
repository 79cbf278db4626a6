package types

import (
	"strings"
	"time"
)

// Capabilities is the immutable feature declaration of an engine. Instances
// report it at registration and refresh it on every heartbeat so that a
// rolling catalog update propagates without restarts elsewhere.
type Capabilities struct {
	EngineID string  `json:"engine_id" yaml:"engine_id"`
	Version  string  `json:"version,omitempty" yaml:"version"`
	Stages   []Stage `json:"stages" yaml:"stages"`

	// Languages is the explicit set of supported lowercase language codes.
	// An empty/nil set means the engine accepts any language.
	Languages []string `json:"languages,omitempty" yaml:"languages"`

	// WordTimestamps indicates native word-level timing in transcribe output.
	WordTimestamps bool `json:"word_timestamps" yaml:"word_timestamps"`

	// Streaming indicates real-time session support.
	Streaming bool `json:"streaming" yaml:"streaming"`

	// Diarization indicates speaker labels included in transcribe output.
	Diarization bool `json:"diarization" yaml:"diarization"`

	// Vocabulary indicates the engine consumes vocabulary biasing terms.
	Vocabulary bool `json:"vocabulary" yaml:"vocabulary"`

	// ModelVariants lists selectable model names ("fast", "accurate", ...).
	ModelVariants []string `json:"model_variants,omitempty" yaml:"model_variants"`

	RequiresGPU bool    `json:"requires_gpu" yaml:"requires_gpu"`
	MinVRAMGB   float64 `json:"min_vram_gb,omitempty" yaml:"min_vram_gb"`

	// RTFGPU / RTFCPU are real-time-factor performance hints: processing
	// seconds per second of audio on the respective device. Lower is faster;
	// zero means unmeasured.
	RTFGPU float64 `json:"rtf_gpu,omitempty" yaml:"rtf_gpu"`
	RTFCPU float64 `json:"rtf_cpu,omitempty" yaml:"rtf_cpu"`
}

// AnyLanguage reports whether the engine declares no explicit language set.
func (c Capabilities) AnyLanguage() bool {
	return len(c.Languages) == 0
}

// SupportsLanguage reports whether lang is in the declared set. Comparison is
// case-insensitive; an empty declared set supports everything.
func (c Capabilities) SupportsLanguage(lang string) bool {
	if c.AnyLanguage() {
		return true
	}
	for _, l := range c.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// SupportsStage reports whether the engine performs the given stage.
func (c Capabilities) SupportsStage(stage Stage) bool {
	for _, s := range c.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// SupportsModel reports whether the named model variant is offered. An empty
// requested model always matches.
func (c Capabilities) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range c.ModelVariants {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// RTF returns the best available real-time-factor hint, preferring the GPU
// figure. Returns fallback when neither is declared.
func (c Capabilities) RTF(fallback float64) float64 {
	if c.RTFGPU > 0 {
		return c.RTFGPU
	}
	if c.RTFCPU > 0 {
		return c.RTFCPU
	}
	return fallback
}

// CatalogEntry is the static deployment declaration of an engine variant:
// its capabilities plus the container image that provides it. The catalog is
// loaded once at startup; live state comes from the registry.
type CatalogEntry struct {
	Capabilities `yaml:",inline"`

	// Image is the deployable container image for this engine.
	Image string `json:"image" yaml:"image"`
}

// InstanceStatus is the self-reported state of an engine instance.
type InstanceStatus string

const (
	InstanceIdle       InstanceStatus = "idle"
	InstanceProcessing InstanceStatus = "processing"
	InstanceOffline    InstanceStatus = "offline"
)

// IsValid reports whether the status is recognized.
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceIdle, InstanceProcessing, InstanceOffline:
		return true
	}
	return false
}

// EngineInstance is one running process of an engine. InstanceID is unique
// per process lifetime and doubles as the stream consumer name, which is
// what makes dead-consumer claim detection a pure registry lookup.
type EngineInstance struct {
	EngineID   string `json:"engine_id"`
	InstanceID string `json:"instance_id"`
	Stage      Stage  `json:"stage"`

	// StreamName is the dispatch stream this instance consumes.
	StreamName string `json:"stream_name"`

	Status InstanceStatus `json:"status"`

	// CurrentTask is the task id being processed, empty when idle.
	CurrentTask string `json:"current_task,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`

	Capabilities Capabilities `json:"capabilities"`

	// Endpoint is the client-reachable WebSocket URL of a realtime worker.
	Endpoint string `json:"endpoint,omitempty"`

	// MaxSessions / ActiveSessions carry realtime capacity; both zero for
	// batch instances.
	MaxSessions    int `json:"max_sessions,omitempty"`
	ActiveSessions int `json:"active_sessions,omitempty"`
}

// AvailableAt reports whether the instance counts as live at the given time:
// not offline and heartbeated within threshold.
func (e EngineInstance) AvailableAt(now time.Time, threshold time.Duration) bool {
	if e.Status == InstanceOffline {
		return false
	}
	return now.Sub(e.LastHeartbeat) < threshold
}

// HasCapacity reports whether a realtime instance can accept one more
// session.
func (e EngineInstance) HasCapacity() bool {
	return e.MaxSessions > 0 && e.ActiveSessions < e.MaxSessions
}
