// Package engine defines the contract between Dalston and engine authors.
//
// A batch engine implements [Processor]: it receives a fully materialized
// [TaskInput] (metadata, local audio, upstream outputs), does its work
// synchronously, and returns a [TaskOutput]. Everything around that call —
// claiming dispatch messages, downloading inputs, uploading outputs,
// publishing lifecycle events, heartbeating — is owned by the worker runner,
// so an engine author writes no queue or storage code at all.
//
// A real-time engine implements [Transcriber]: a synchronous
// utterance-to-text callback invoked by the session endpointer.
package engine

import (
	"context"
	"strings"

	"github.com/dalstonhq/dalston/pkg/types"
)

// TaskInput is everything a batch engine receives for one task. All file
// references are local paths inside ScratchDir; object-store URIs appear
// only as opaque strings for forward reference in typed outputs.
type TaskInput struct {
	TaskID string
	JobID  string
	Stage  types.Stage

	// Media describes the original upload. Set for prepare tasks only.
	Media *types.MediaInfo

	// AudioPath is the local path of the downloaded stage audio. Empty for
	// prepare tasks, which fetch the original media themselves via Media.URI
	// or synthesize from it.
	AudioPath string

	// PreviousOutputs carries completed upstream payloads keyed by task
	// name: the stage name for linear pipelines, the branch name
	// ("transcribe_ch0") for per-channel fan-out.
	PreviousOutputs map[string]types.StageOutput

	// Config is the stage-specific option map from the task record.
	Config map[string]any

	// ScratchDir is a task-private directory. It exists for the duration of
	// Process and is removed afterwards on every exit path.
	ScratchDir string

	// AudioBase is the URI prefix for job-level audio artifacts
	// (.../jobs/{job}/audio). Engines use it to forward-reference files they
	// return in Artifacts.
	AudioBase string

	// ArtifactBase is the URI prefix for task-scoped artifacts
	// (.../jobs/{job}/tasks/{task}/artifacts).
	ArtifactBase string
}

// AudioURI returns the final object-store URI an audio artifact named name
// will have after upload.
func (in TaskInput) AudioURI(name string) string {
	return in.AudioBase + "/" + name
}

// ArtifactURI returns the final object-store URI a task artifact named name
// will have after upload.
func (in TaskInput) ArtifactURI(name string) string {
	return in.ArtifactBase + "/" + name
}

// ConfigString returns a string option from Config, or def when absent.
func (in TaskInput) ConfigString(key, def string) string {
	if v, ok := in.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigBool returns a boolean option from Config, or def when absent.
func (in TaskInput) ConfigBool(key string, def bool) bool {
	if v, ok := in.Config[key].(bool); ok {
		return v
	}
	return def
}

// Output returns the upstream payload for a plain (non-branch) stage.
func (in TaskInput) Output(stage types.Stage) (types.StageOutput, bool) {
	out, ok := in.PreviousOutputs[string(stage)]
	return out, ok
}

// Vocabulary returns the vocabulary terms from Config, if any.
func (in TaskInput) Vocabulary() []string {
	switch v := in.Config["vocabulary"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// TaskOutput is what a batch engine returns on success.
type TaskOutput struct {
	// Data is the typed payload written into output.json.
	Data types.StageOutput

	// Artifacts maps artifact names to local file paths in ScratchDir. The
	// runner uploads each one: WAV names land under the job audio prefix,
	// everything else under the task artifact prefix.
	Artifacts map[string]string
}

// Processor is the batch engine contract. Process is called at most once at
// a time per worker process; it must honor ctx cancellation for orderly
// shutdown but may otherwise block for the full task duration.
type Processor interface {
	// Capabilities declares what this engine can do. Reported to the
	// registry at registration and on every heartbeat.
	Capabilities() types.Capabilities

	// Process executes one task. Returning an error publishes task.failed
	// with the error text; the orchestrator decides whether to retry.
	Process(ctx context.Context, in TaskInput) (TaskOutput, error)
}
