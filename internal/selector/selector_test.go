package selector_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/selector"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/pkg/types"
)

type fixture struct {
	sel *selector.Selector
	reg *registry.Registry
}

func newFixture(t *testing.T, entries []types.CatalogEntry) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := registry.New(store.New(rdb))
	cat, err := catalog.New(entries)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return &fixture{sel: selector.New(reg, cat), reg: reg}
}

func (f *fixture) start(t *testing.T, caps types.Capabilities, stage types.Stage) {
	t.Helper()
	inst := types.EngineInstance{
		EngineID:     caps.EngineID,
		InstanceID:   caps.EngineID + "-1",
		Stage:        stage,
		Status:       types.InstanceIdle,
		Capabilities: caps,
	}
	if err := f.reg.Register(context.Background(), &inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func entry(caps types.Capabilities) types.CatalogEntry {
	return types.CatalogEntry{Capabilities: caps, Image: "dalston/" + caps.EngineID + ":1"}
}

var (
	whisperCaps = types.Capabilities{
		EngineID:       "whisper-large",
		Stages:         []types.Stage{types.StageTranscribe},
		WordTimestamps: true,
		RTFGPU:         0.2,
	}
	parakeetCaps = types.Capabilities{
		EngineID:       "parakeet",
		Stages:         []types.Stage{types.StageTranscribe},
		Languages:      []string{"en"},
		WordTimestamps: true,
		Streaming:      true,
		RTFGPU:         0.05,
	}
	segmenterCaps = types.Capabilities{
		EngineID: "segmenter",
		Stages:   []types.Stage{types.StageTranscribe},
		RTFGPU:   0.01,
	}
)

func TestSelect_UnknownLanguagePrefersAnyLanguageEngine(t *testing.T) {
	f := newFixture(t, []types.CatalogEntry{entry(whisperCaps), entry(parakeetCaps)})
	f.start(t, whisperCaps, types.StageTranscribe)
	f.start(t, parakeetCaps, types.StageTranscribe)

	// Language unknown: parakeet is faster but declares only "en"; auto
	// detection may land outside its set, so whisper wins on safety.
	sel, err := f.sel.Select(context.Background(), types.StageTranscribe, selector.Requirements{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.EngineID != "whisper-large" {
		t.Errorf("selected %s (%s), want whisper-large", sel.EngineID, sel.Rationale)
	}
}

func TestSelect_KnownLanguagePrefersSpecificEngine(t *testing.T) {
	f := newFixture(t, []types.CatalogEntry{entry(whisperCaps), entry(parakeetCaps)})
	f.start(t, whisperCaps, types.StageTranscribe)
	f.start(t, parakeetCaps, types.StageTranscribe)

	sel, err := f.sel.Select(context.Background(), types.StageTranscribe, selector.Requirements{Language: "en"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.EngineID != "parakeet" {
		t.Errorf("selected %s (%s), want parakeet", sel.EngineID, sel.Rationale)
	}
}

func TestSelect_WordTimestampsBeatSpeed(t *testing.T) {
	f := newFixture(t, []types.CatalogEntry{entry(whisperCaps), entry(segmenterCaps)})
	f.start(t, whisperCaps, types.StageTranscribe)
	f.start(t, segmenterCaps, types.StageTranscribe)

	sel, err := f.sel.Select(context.Background(), types.StageTranscribe, selector.Requirements{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.EngineID != "whisper-large" {
		t.Errorf("selected %s, want whisper-large (word timestamps over rtf)", sel.EngineID)
	}
}

func TestSelect_LanguageFilterRejects(t *testing.T) {
	f := newFixture(t, []types.CatalogEntry{entry(whisperCaps), entry(parakeetCaps)})
	f.start(t, parakeetCaps, types.StageTranscribe)

	_, err := f.sel.Select(context.Background(), types.StageTranscribe, selector.Requirements{Language: "hr"})
	var noEngine *selector.NoCapableEngineError
	if !errors.As(err, &noEngine) {
		t.Fatalf("err = %T (%v), want *NoCapableEngineError", err, err)
	}
	if len(noEngine.RunningMismatches) != 1 || noEngine.RunningMismatches[0].EngineID != "parakeet" {
		t.Errorf("mismatches = %+v", noEngine.RunningMismatches)
	}
	// whisper-large is declared and accepts any language: a startable fix.
	if len(noEngine.CatalogAlternatives) != 1 || noEngine.CatalogAlternatives[0] != "whisper-large" {
		t.Errorf("alternatives = %v", noEngine.CatalogAlternatives)
	}
	if !strings.Contains(noEngine.Error(), "whisper-large") {
		t.Errorf("message does not name startable engine: %v", noEngine)
	}
}

func TestSelect_StreamingRequirement(t *testing.T) {
	f := newFixture(t, []types.CatalogEntry{entry(whisperCaps), entry(parakeetCaps)})
	f.start(t, whisperCaps, types.StageTranscribe)
	f.start(t, parakeetCaps, types.StageTranscribe)

	sel, err := f.sel.Select(context.Background(), types.StageTranscribe,
		selector.Requirements{Language: "en", Streaming: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.EngineID != "parakeet" {
		t.Errorf("selected %s, want parakeet (only streaming engine)", sel.EngineID)
	}
}

func TestSelect_PreferenceVerified(t *testing.T) {
	f := newFixture(t, []types.CatalogEntry{entry(whisperCaps), entry(parakeetCaps)})
	f.start(t, whisperCaps, types.StageTranscribe)
	f.start(t, parakeetCaps, types.StageTranscribe)
	ctx := context.Background()

	sel, err := f.sel.Select(ctx, types.StageTranscribe,
		selector.Requirements{Preference: "whisper-large"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.EngineID != "whisper-large" || sel.Rationale != "pinned by engine preference" {
		t.Errorf("selection = %+v", sel)
	}

	// Pinned engine fails the language requirement.
	_, err = f.sel.Select(ctx, types.StageTranscribe,
		selector.Requirements{Language: "hr", Preference: "parakeet"})
	var noEngine *selector.NoCapableEngineError
	if !errors.As(err, &noEngine) {
		t.Fatalf("err = %T, want *NoCapableEngineError", err)
	}

	// Pinned engine not running at all.
	_, err = f.sel.Select(ctx, types.StageTranscribe,
		selector.Requirements{Preference: "ghost"})
	if !errors.As(err, &noEngine) {
		t.Fatalf("err = %T, want *NoCapableEngineError", err)
	}
	if noEngine.RunningMismatches[0].Reason != "not running" {
		t.Errorf("reason = %q", noEngine.RunningMismatches[0].Reason)
	}
}

func pipelineFixture(t *testing.T) *fixture {
	t.Helper()
	prep := types.Capabilities{EngineID: "ffprep", Stages: []types.Stage{types.StagePrepare}}
	diar := types.Capabilities{EngineID: "pyannote", Stages: []types.Stage{types.StageDiarize}}
	pii := types.Capabilities{EngineID: "piiscan", Stages: []types.Stage{types.StagePIIDetect}}
	redact := types.Capabilities{EngineID: "redactor", Stages: []types.Stage{types.StageAudioRedact}}
	merge := types.Capabilities{EngineID: "assembler", Stages: []types.Stage{types.StageMerge}}

	f := newFixture(t, []types.CatalogEntry{
		entry(prep), entry(whisperCaps), entry(segmenterCaps), entry(diar),
		entry(pii), entry(redact), entry(merge),
	})
	f.start(t, prep, types.StagePrepare)
	f.start(t, whisperCaps, types.StageTranscribe)
	f.start(t, segmenterCaps, types.StageTranscribe)
	f.start(t, diar, types.StageDiarize)
	f.start(t, pii, types.StagePIIDetect)
	f.start(t, redact, types.StageAudioRedact)
	f.start(t, merge, types.StageMerge)
	return f
}

func TestSelectForJob_MinimalPipeline(t *testing.T) {
	f := pipelineFixture(t)

	params := types.JobParams{}
	params.Normalize()

	sels, err := f.sel.SelectForJob(context.Background(), params)
	if err != nil {
		t.Fatalf("SelectForJob: %v", err)
	}

	for _, stage := range []types.Stage{types.StagePrepare, types.StageTranscribe, types.StageMerge} {
		if _, ok := sels[stage]; !ok {
			t.Errorf("stage %s missing from selections", stage)
		}
	}
	for _, stage := range []types.Stage{types.StageAlign, types.StageDiarize, types.StagePIIDetect, types.StageAudioRedact} {
		if _, ok := sels[stage]; ok {
			t.Errorf("stage %s selected for a minimal job", stage)
		}
	}
}

func TestSelectForJob_AlignOnlyWhenTranscriberLacksWords(t *testing.T) {
	f := pipelineFixture(t)
	ctx := context.Background()

	// whisper-large wins transcribe and has native word timestamps: no align
	// even at word granularity.
	params := types.JobParams{Granularity: types.GranularityWord}
	params.Normalize()
	sels, err := f.sel.SelectForJob(ctx, params)
	if err != nil {
		t.Fatalf("SelectForJob: %v", err)
	}
	if _, ok := sels[types.StageAlign]; ok {
		t.Error("align selected although transcriber has native word timestamps")
	}

	// Pin the segment-only transcriber: now align is required, and with no
	// align engine running the selection fails.
	params.EnginePreferences = map[types.Stage]string{types.StageTranscribe: "segmenter"}
	_, err = f.sel.SelectForJob(ctx, params)
	var noEngine *selector.NoCapableEngineError
	if !errors.As(err, &noEngine) {
		t.Fatalf("err = %T (%v), want *NoCapableEngineError for align", err, err)
	}
	if noEngine.Stage != types.StageAlign {
		t.Errorf("failing stage = %s, want align", noEngine.Stage)
	}
}

func TestSelectForJob_DiarizeAndPII(t *testing.T) {
	f := pipelineFixture(t)

	params := types.JobParams{
		SpeakerDetection: types.SpeakerDiarize,
		PIIDetect:        true,
		RedactAudio:      true,
	}
	params.Normalize()

	sels, err := f.sel.SelectForJob(context.Background(), params)
	if err != nil {
		t.Fatalf("SelectForJob: %v", err)
	}
	if sels[types.StageDiarize].EngineID != "pyannote" {
		t.Errorf("diarize engine = %q", sels[types.StageDiarize].EngineID)
	}
	if sels[types.StagePIIDetect].EngineID != "piiscan" {
		t.Errorf("pii_detect engine = %q", sels[types.StagePIIDetect].EngineID)
	}
	if sels[types.StageAudioRedact].EngineID != "redactor" {
		t.Errorf("audio_redact engine = %q", sels[types.StageAudioRedact].EngineID)
	}
}
