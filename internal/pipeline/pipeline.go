// Package pipeline expands a job into its task DAG. Plan is pure: it reads
// job parameters, the engine selection map, and media info, and emits tasks
// with explicit dependency sets. Nothing here touches Redis or the object
// store.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/internal/selector"
	"github.com/dalstonhq/dalston/pkg/types"
)

const (
	// timeoutSafety multiplies the expected processing time to absorb load
	// spikes and cold model loads.
	timeoutSafety = 3

	// timeoutFloor is the minimum per-attempt timeout regardless of audio
	// length.
	timeoutFloor = 60 * time.Second

	// ttlBuffer pads the metadata TTL past the worst-case retry schedule.
	ttlBuffer = 120 * time.Second
)

// Plan expands a job into tasks. The selection map decides which optional
// stages exist; per-channel speaker detection on multi-channel media fans
// transcribe, align, and pii_detect into one branch per channel, joined by
// merge.
func Plan(job *types.Job, selections map[types.Stage]selector.Selection, now time.Time) ([]*types.Task, error) {
	if job.Media == nil {
		return nil, fmt.Errorf("pipeline: job %s has no media", job.ID)
	}
	if _, ok := selections[types.StagePrepare]; !ok {
		return nil, fmt.Errorf("pipeline: job %s: no prepare engine selected", job.ID)
	}
	if _, ok := selections[types.StageMerge]; !ok {
		return nil, fmt.Errorf("pipeline: job %s: no merge engine selected", job.ID)
	}

	p := &planner{
		job:        job,
		selections: selections,
		now:        now,
		duration:   job.Media.Duration,
	}

	channels := 1
	if job.Params.SpeakerDetection == types.SpeakerPerChannel && job.Media.Channels > 1 {
		channels = job.Media.Channels
	}

	prepare := p.task(types.StagePrepare, string(types.StagePrepare), -1, nil)
	prepare.Config = map[string]any{"split_channels": channels > 1}

	// leaves holds the frontier the next stage depends on.
	var leaves []string

	if channels == 1 {
		leaves = p.linearChain([]string{prepare.ID})
	} else {
		for ch := 0; ch < channels; ch++ {
			leaves = append(leaves, p.channelChain(prepare.ID, ch)...)
		}
		if _, ok := selections[types.StageAudioRedact]; ok {
			redact := p.task(types.StageAudioRedact, string(types.StageAudioRedact), -1, leaves)
			redact.Config = map[string]any{"mode": string(job.Params.RedactionMode)}
			leaves = []string{redact.ID}
		}
	}

	merge := p.task(types.StageMerge, string(types.StageMerge), -1, leaves)
	merge.Config = map[string]any{"granularity": string(job.Params.Granularity)}

	return p.tasks, nil
}

type planner struct {
	job        *types.Job
	selections map[types.Stage]selector.Selection
	now        time.Time
	duration   float64
	tasks      []*types.Task
}

// linearChain threads the optional middle stages into a single chain and
// returns the final frontier.
func (p *planner) linearChain(deps []string) []string {
	chain := func(stage types.Stage, cfg map[string]any) {
		if _, ok := p.selections[stage]; !ok {
			return
		}
		t := p.task(stage, string(stage), -1, deps)
		t.Config = cfg
		deps = []string{t.ID}
	}

	chain(types.StageTranscribe, p.transcribeConfig())
	chain(types.StageAlign, map[string]any{"language": p.language()})
	chain(types.StageDiarize, nil)
	chain(types.StagePIIDetect, map[string]any{"language": p.language()})
	chain(types.StageAudioRedact, map[string]any{"mode": string(p.job.Params.RedactionMode)})
	return deps
}

// channelChain builds one per-channel branch and returns its leaf.
func (p *planner) channelChain(prepareID string, ch int) []string {
	deps := []string{prepareID}
	chain := func(stage types.Stage, cfg map[string]any) {
		if _, ok := p.selections[stage]; !ok {
			return
		}
		t := p.task(stage, fmt.Sprintf("%s_ch%d", stage, ch), ch, deps)
		t.Config = cfg
		deps = []string{t.ID}
	}

	chain(types.StageTranscribe, p.transcribeConfig())
	chain(types.StageAlign, map[string]any{"language": p.language()})
	chain(types.StagePIIDetect, map[string]any{"language": p.language()})
	return deps
}

func (p *planner) task(stage types.Stage, name string, channel int, deps []string) *types.Task {
	sel := p.selections[stage]
	t := &types.Task{
		ID:         uuid.NewString(),
		JobID:      p.job.ID,
		Stage:      stage,
		EngineID:   sel.EngineID,
		Status:     types.TaskPending,
		Name:       name,
		Channel:    channel,
		DependsOn:  deps,
		MaxRetries: p.job.Params.MaxRetries,
		Timeout:    Timeout(p.duration, sel.Capabilities.RTF(1)),
		CreatedAt:  p.now,
		UpdatedAt:  p.now,
	}
	p.tasks = append(p.tasks, t)
	return t
}

func (p *planner) language() string {
	return p.job.Params.Language
}

func (p *planner) transcribeConfig() map[string]any {
	cfg := map[string]any{
		"language":        p.job.Params.Language,
		"word_timestamps": p.job.Params.WordTimestamps(),
	}
	if len(p.job.Params.Vocabulary) > 0 {
		cfg["vocabulary"] = p.job.Params.Vocabulary
	}
	return cfg
}

// Timeout is the per-attempt processing bound: expected processing time
// (audio seconds × real-time factor) times the safety factor, floored.
func Timeout(durationSec, rtf float64) time.Duration {
	d := time.Duration(durationSec * rtf * timeoutSafety * float64(time.Second))
	if d < timeoutFloor {
		return timeoutFloor
	}
	return d
}

// TaskTTL is the metadata record lifetime: enough for every retry attempt to
// run to its timeout, plus a buffer for queue and reconciliation latency.
func TaskTTL(t *types.Task) time.Duration {
	return t.Timeout*time.Duration(t.MaxRetries+1) + ttlBuffer
}

// Roots returns the tasks with no dependencies, the initially schedulable
// frontier.
func Roots(tasks []*types.Task) []*types.Task {
	var out []*types.Task
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			out = append(out, t)
		}
	}
	return out
}
