package enginetest_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/dalstonhq/dalston/pkg/audio"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/engine/enginetest"
	"github.com/dalstonhq/dalston/pkg/types"
)

func baseInput(t *testing.T, stage types.Stage) engine.TaskInput {
	t.Helper()
	return engine.TaskInput{
		TaskID:       "t1",
		JobID:        "j1",
		Stage:        stage,
		ScratchDir:   t.TempDir(),
		AudioBase:    "s3://dalston/jobs/j1/audio",
		ArtifactBase: "s3://dalston/jobs/j1/tasks/t1/artifacts",
		Config:       map[string]any{},
	}
}

func TestPrepareWritesArtifact(t *testing.T) {
	in := baseInput(t, types.StagePrepare)
	in.Media = &types.MediaInfo{URI: "s3://uploads/a.mp3", Duration: 1.5, Channels: 1}

	p := &enginetest.Prepare{}
	out, err := p.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	prep := out.Data.Prepare
	if prep == nil {
		t.Fatal("no prepare payload")
	}
	if prep.AudioURI != "s3://dalston/jobs/j1/audio/prepared.wav" {
		t.Errorf("AudioURI = %q", prep.AudioURI)
	}
	if prep.Duration != 1.5 || prep.SampleRate != 16000 {
		t.Errorf("duration/rate = %v/%d", prep.Duration, prep.SampleRate)
	}

	local, ok := out.Artifacts["prepared.wav"]
	if !ok {
		t.Fatal("prepared.wav not in artifacts")
	}
	f, err := os.Open(local)
	if err != nil {
		t.Fatalf("artifact missing on disk: %v", err)
	}
	defer f.Close()
	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("artifact not a WAV: %v", err)
	}
	if got := float64(len(samples)) / float64(rate); got < 1.4 || got > 1.6 {
		t.Errorf("artifact duration = %v, want ~1.5", got)
	}
}

func TestPrepareSplitsChannels(t *testing.T) {
	in := baseInput(t, types.StagePrepare)
	in.Media = &types.MediaInfo{URI: "s3://uploads/a.wav", Duration: 1, Channels: 2}
	in.Config["split_channels"] = true

	p := &enginetest.Prepare{}
	out, err := p.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(out.Data.Prepare.ChannelURIs); got != 2 {
		t.Fatalf("ChannelURIs = %d, want 2", got)
	}
	if out.Data.Prepare.AudioURI != "" {
		t.Error("AudioURI must be empty in per-channel mode")
	}
	if len(out.Artifacts) != 2 {
		t.Errorf("artifacts = %d, want 2", len(out.Artifacts))
	}
}

func TestTranscribeNativeWords(t *testing.T) {
	in := baseInput(t, types.StageTranscribe)
	tr := &enginetest.Transcribe{Caps: types.Capabilities{WordTimestamps: true}}

	out, err := tr.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := out.Data.Transcribe
	if got.Granularity != types.GranularityWord || got.AlignmentMethod != "native" {
		t.Errorf("granularity/method = %v/%v", got.Granularity, got.AlignmentMethod)
	}
	wantWords := len(strings.Fields(got.Text))
	if len(got.Segments[0].Words) != wantWords {
		t.Errorf("words = %d, want %d", len(got.Segments[0].Words), wantWords)
	}
	for _, w := range got.Segments[0].Words {
		if w.Start < got.Segments[0].Start || w.End > got.Segments[0].End {
			t.Errorf("word %q outside segment bounds", w.Word)
		}
	}
}

func TestAlignSkipsUnsupportedLanguage(t *testing.T) {
	in := baseInput(t, types.StageAlign)
	in.Config["language"] = "xx"
	in.PreviousOutputs = map[string]types.StageOutput{
		"transcribe": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{{Start: 0, End: 2, Text: "hej"}},
			Text:     "hej",
		}},
	}

	al := &enginetest.Align{Unsupported: []string{"xx"}}
	out, err := al.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	skipped, reason := out.Data.Skipped()
	if !skipped || !strings.Contains(reason, "xx") {
		t.Errorf("Skipped = %v, %q", skipped, reason)
	}
}

func TestAlignFillsWords(t *testing.T) {
	in := baseInput(t, types.StageAlign)
	in.Config["language"] = "hr"
	in.PreviousOutputs = map[string]types.StageOutput{
		"transcribe": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{{Start: 0, End: 3, Text: "dobar dan svima"}},
			Text:     "dobar dan svima",
		}},
	}

	al := &enginetest.Align{}
	out, err := al.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	segs := out.Data.Align.Segments
	if len(segs) != 1 || len(segs[0].Words) != 3 {
		t.Fatalf("aligned segments = %+v", segs)
	}
}

func TestPIIDetect(t *testing.T) {
	text := "call me at 555-123-4567 or mail bob@example.com thanks"
	in := baseInput(t, types.StagePIIDetect)
	in.PreviousOutputs = map[string]types.StageOutput{
		"transcribe": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{{Start: 0, End: 10, Text: text}},
			Text:     text,
		}},
	}

	p := &enginetest.PIIDetect{}
	out, err := p.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	pii := out.Data.PIIDetect
	if len(pii.Entities) != 2 {
		t.Fatalf("entities = %d, want 2 (%+v)", len(pii.Entities), pii.Entities)
	}
	for _, e := range pii.Entities {
		if text[e.CharStart:e.CharEnd] == "" {
			t.Errorf("entity %s has empty span", e.Type)
		}
		if e.AudioStart > e.AudioEnd {
			t.Errorf("entity %s audio range inverted", e.Type)
		}
	}
	if strings.Contains(pii.RedactedText, "555") || strings.Contains(pii.RedactedText, "bob@") {
		t.Errorf("redacted text leaks PII: %q", pii.RedactedText)
	}
}

func TestMergeVerbatimSingleBranch(t *testing.T) {
	in := baseInput(t, types.StageMerge)
	in.PreviousOutputs = map[string]types.StageOutput{
		"prepare": {Stage: types.StagePrepare, Prepare: &types.PrepareOutput{Duration: 8.8, SampleRate: 16000, Channels: 1}},
		"transcribe": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{{Start: 0, End: 8.8, Text: "hello world", Words: []types.Word{
				{Word: "hello", Start: 0, End: 4},
				{Word: "world", Start: 4.4, End: 8.8},
			}}},
			Text:        "hello world",
			Granularity: types.GranularityWord,
		}},
	}

	m := &enginetest.Merge{}
	out, err := m.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	merged := out.Data.Merge
	if merged.Text != "hello world" {
		t.Errorf("Text = %q, want transcribe text verbatim", merged.Text)
	}
	if !merged.WordTimestamps {
		t.Error("WordTimestamps must be true for native-word segments")
	}
	if merged.Duration != 8.8 {
		t.Errorf("Duration = %v", merged.Duration)
	}
	if len(merged.PipelineWarnings) != 0 {
		t.Errorf("unexpected warnings: %v", merged.PipelineWarnings)
	}
}

func TestMergeSurfacesSkippedAlignment(t *testing.T) {
	in := baseInput(t, types.StageMerge)
	in.PreviousOutputs = map[string]types.StageOutput{
		"transcribe": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{{Start: 0, End: 2, Text: "dobar dan"}},
			Text:     "dobar dan",
		}},
		"align": {Stage: types.StageAlign, Align: &types.AlignOutput{
			Skipped:    true,
			SkipReason: `no model for "xx"`,
		}},
	}

	m := &enginetest.Merge{}
	out, err := m.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	merged := out.Data.Merge
	if merged.WordTimestamps {
		t.Error("WordTimestamps must be false when alignment was skipped")
	}
	if len(merged.PipelineWarnings) != 1 || !strings.Contains(merged.PipelineWarnings[0], "no model") {
		t.Errorf("warnings = %v", merged.PipelineWarnings)
	}
	if merged.Text != "dobar dan" {
		t.Errorf("Text = %q", merged.Text)
	}
}

func TestMergePerChannel(t *testing.T) {
	in := baseInput(t, types.StageMerge)
	in.PreviousOutputs = map[string]types.StageOutput{
		"transcribe_ch0": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{{Start: 0, End: 2, Text: "agent speaking"}},
			Text:     "agent speaking",
		}},
		"transcribe_ch1": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{{Start: 2.5, End: 4, Text: "customer reply"}},
			Text:     "customer reply",
		}},
	}

	m := &enginetest.Merge{}
	out, err := m.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	merged := out.Data.Merge
	if len(merged.Segments) != 2 {
		t.Fatalf("segments = %d", len(merged.Segments))
	}
	if merged.Segments[0].Speaker != "CHANNEL_0" || merged.Segments[1].Speaker != "CHANNEL_1" {
		t.Errorf("speakers = %q, %q", merged.Segments[0].Speaker, merged.Segments[1].Speaker)
	}
	if merged.Segments[0].Start > merged.Segments[1].Start {
		t.Error("segments must be ordered by start time")
	}
	if len(merged.Speakers) != 2 {
		t.Errorf("Speakers = %v", merged.Speakers)
	}
}

func TestMergeDiarizedSpeakers(t *testing.T) {
	in := baseInput(t, types.StageMerge)
	in.PreviousOutputs = map[string]types.StageOutput{
		"transcribe": {Stage: types.StageTranscribe, Transcribe: &types.TranscribeOutput{
			Segments: []types.Segment{
				{Start: 0, End: 2, Text: "hi there"},
				{Start: 2, End: 4, Text: "hello"},
			},
			Text: "hi there hello",
		}},
		"diarize": {Stage: types.StageDiarize, Diarize: &types.DiarizeOutput{
			Turns: []types.SpeakerTurn{
				{Start: 0, End: 2, Speaker: "SPEAKER_00"},
				{Start: 2, End: 4, Speaker: "SPEAKER_01"},
			},
			Speakers: []string{"SPEAKER_00", "SPEAKER_01"},
		}},
	}

	m := &enginetest.Merge{}
	out, err := m.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	segs := out.Data.Merge.Segments
	if segs[0].Speaker != "SPEAKER_00" || segs[1].Speaker != "SPEAKER_01" {
		t.Errorf("speakers = %q, %q", segs[0].Speaker, segs[1].Speaker)
	}
}

func TestMockProcessorRecordsCalls(t *testing.T) {
	p := &enginetest.Processor{
		Caps: types.Capabilities{EngineID: "mock", Stages: []types.Stage{types.StageTranscribe}},
		ProcessFunc: func(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
			return engine.TaskOutput{Data: types.StageOutput{
				Stage:      types.StageTranscribe,
				Transcribe: &types.TranscribeOutput{Text: "ok"},
			}}, nil
		},
	}

	if _, err := p.Process(context.Background(), engine.TaskInput{TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	if calls := p.Calls(); len(calls) != 1 || calls[0].TaskID != "a" {
		t.Errorf("Calls = %+v", calls)
	}

	empty := &enginetest.Processor{}
	if _, err := empty.Process(context.Background(), engine.TaskInput{}); err == nil {
		t.Error("zero-value mock must fail Process")
	}
}
