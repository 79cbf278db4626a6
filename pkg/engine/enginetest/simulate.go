package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dalstonhq/dalston/pkg/audio"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/types"
)

// defaultScript is the transcript every simulation transcriber produces
// unless the task config overrides it with a "text" entry.
const defaultScript = "the quick brown fox jumps over the lazy dog"

const simSampleRate = 16000

// fillCaps defaults the engine id and stage list of a capability block.
func fillCaps(caps types.Capabilities, stage types.Stage) types.Capabilities {
	if caps.EngineID == "" {
		caps.EngineID = "sim-" + string(stage)
	}
	if len(caps.Stages) == 0 {
		caps.Stages = []types.Stage{stage}
	}
	if caps.RTFCPU == 0 && caps.RTFGPU == 0 {
		caps.RTFCPU = 0.05
	}
	return caps
}

// findOutput returns the first upstream payload of the given stage,
// regardless of branch key.
func findOutput(in engine.TaskInput, stage types.Stage) (types.StageOutput, bool) {
	if out, ok := in.Output(stage); ok {
		return out, true
	}
	for _, out := range in.PreviousOutputs {
		if out.Stage == stage {
			return out, true
		}
	}
	return types.StageOutput{}, false
}

// writeSilence writes a silent mono WAV of the given duration into dir and
// returns its local path.
func writeSilence(dir, name string, seconds float64) (string, error) {
	n := int(seconds * simSampleRate)
	if n < 1 {
		n = simSampleRate / 10
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := audio.WriteWAV(f, make([]float32, n), simSampleRate); err != nil {
		return "", err
	}
	return path, nil
}

// ─── Prepare ─────────────────────────────────────────────────────────────────

// Prepare simulates media normalization: it emits silent mono WAV artifacts
// matching the declared media duration, split per channel when the task
// config requests it.
type Prepare struct {
	Caps types.Capabilities
}

var _ engine.Processor = (*Prepare)(nil)

func (p *Prepare) Capabilities() types.Capabilities {
	return fillCaps(p.Caps, types.StagePrepare)
}

func (p *Prepare) Process(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	if in.Media == nil {
		return engine.TaskOutput{}, fmt.Errorf("prepare: no media in input")
	}
	duration := in.Media.Duration
	if duration <= 0 {
		duration = 2
	}
	channels := in.Media.Channels
	if channels < 1 {
		channels = 1
	}

	out := types.PrepareOutput{
		Duration:   duration,
		SampleRate: simSampleRate,
		Channels:   channels,
		Original:   in.Media,
	}
	artifacts := map[string]string{}

	if in.ConfigBool("split_channels", false) && channels >= 2 {
		for ch := range channels {
			name := fmt.Sprintf("prepared_ch%d.wav", ch)
			path, err := writeSilence(in.ScratchDir, name, duration)
			if err != nil {
				return engine.TaskOutput{}, fmt.Errorf("prepare: %w", err)
			}
			artifacts[name] = path
			out.ChannelURIs = append(out.ChannelURIs, in.AudioURI(name))
		}
	} else {
		path, err := writeSilence(in.ScratchDir, "prepared.wav", duration)
		if err != nil {
			return engine.TaskOutput{}, fmt.Errorf("prepare: %w", err)
		}
		artifacts["prepared.wav"] = path
		out.AudioURI = in.AudioURI("prepared.wav")
	}

	return engine.TaskOutput{
		Data:      types.StageOutput{Stage: types.StagePrepare, Prepare: &out},
		Artifacts: artifacts,
	}, nil
}

// ─── Transcribe ──────────────────────────────────────────────────────────────

// Transcribe simulates ASR: it returns the scripted text as one segment
// spanning the input audio, with evenly spaced word timings when the
// declared capabilities include them.
type Transcribe struct {
	Caps types.Capabilities

	// Text overrides the default script; the task config "text" entry wins
	// over both.
	Text string
}

var _ engine.Processor = (*Transcribe)(nil)

func (t *Transcribe) Capabilities() types.Capabilities {
	return fillCaps(t.Caps, types.StageTranscribe)
}

func (t *Transcribe) Process(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	text := t.Text
	if text == "" {
		text = defaultScript
	}
	text = in.ConfigString("text", text)

	duration := audioDuration(in.AudioPath)
	caps := t.Capabilities()

	seg := types.Segment{Start: 0, End: duration, Text: text, Confidence: 0.93}
	granularity := types.GranularitySegment
	method := ""
	if caps.WordTimestamps {
		seg.Words = spreadWords(text, 0, duration)
		granularity = types.GranularityWord
		method = "native"
	}
	if caps.Diarization {
		seg.Speaker = "SPEAKER_00"
	}

	lang := in.ConfigString("language", "auto")
	detected := ""
	if lang == "auto" || lang == "" {
		detected = "en"
	}

	return engine.TaskOutput{
		Data: types.StageOutput{
			Stage: types.StageTranscribe,
			Transcribe: &types.TranscribeOutput{
				Segments:         []types.Segment{seg},
				Text:             text,
				DetectedLanguage: detected,
				Granularity:      granularity,
				AlignmentMethod:  method,
			},
		},
	}, nil
}

// audioDuration reads the duration of a local WAV, falling back to 2 s when
// the file is absent or unreadable.
func audioDuration(path string) float64 {
	if path == "" {
		return 2
	}
	f, err := os.Open(path)
	if err != nil {
		return 2
	}
	defer f.Close()
	samples, rate, err := audio.ReadWAV(f)
	if err != nil || rate == 0 {
		return 2
	}
	return float64(len(samples)) / float64(rate)
}

// spreadWords distributes the words of text evenly across [start, end].
func spreadWords(text string, start, end float64) []types.Word {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	step := (end - start) / float64(len(fields))
	words := make([]types.Word, len(fields))
	for i, w := range fields {
		ws := start + float64(i)*step
		words[i] = types.Word{Word: w, Start: ws, End: ws + step*0.9, Confidence: 0.9}
	}
	return words
}

// ─── Align ───────────────────────────────────────────────────────────────────

// Align simulates forced alignment: it fills in evenly spaced word timings
// for segments that lack them, or skips when the language has no model.
type Align struct {
	Caps types.Capabilities

	// Unsupported lists language codes that trigger a skip marker instead
	// of aligned output.
	Unsupported []string
}

var _ engine.Processor = (*Align)(nil)

func (a *Align) Capabilities() types.Capabilities {
	caps := fillCaps(a.Caps, types.StageAlign)
	caps.WordTimestamps = true
	return caps
}

func (a *Align) Process(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	lang := in.ConfigString("language", "")
	for _, u := range a.Unsupported {
		if strings.EqualFold(u, lang) {
			return engine.TaskOutput{
				Data: types.StageOutput{
					Stage: types.StageAlign,
					Align: &types.AlignOutput{
						Skipped:    true,
						SkipReason: fmt.Sprintf("no model for %q", lang),
					},
				},
			}, nil
		}
	}

	tr, ok := findOutput(in, types.StageTranscribe)
	if !ok || tr.Transcribe == nil {
		return engine.TaskOutput{}, fmt.Errorf("align: no transcribe output in input")
	}

	segments := make([]types.Segment, len(tr.Transcribe.Segments))
	copy(segments, tr.Transcribe.Segments)
	for i := range segments {
		if len(segments[i].Words) == 0 {
			segments[i].Words = spreadWords(segments[i].Text, segments[i].Start, segments[i].End)
		}
	}

	return engine.TaskOutput{
		Data: types.StageOutput{
			Stage: types.StageAlign,
			Align: &types.AlignOutput{
				Segments:   segments,
				Confidence: 0.95,
			},
		},
	}, nil
}

// ─── Diarize ─────────────────────────────────────────────────────────────────

// Diarize simulates speaker attribution: alternating speaker turns, one per
// transcript segment.
type Diarize struct {
	Caps types.Capabilities
}

var _ engine.Processor = (*Diarize)(nil)

func (d *Diarize) Capabilities() types.Capabilities {
	return fillCaps(d.Caps, types.StageDiarize)
}

func (d *Diarize) Process(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	tr, ok := findOutput(in, types.StageTranscribe)
	if !ok || tr.Transcribe == nil {
		return engine.TaskOutput{}, fmt.Errorf("diarize: no transcribe output in input")
	}

	var turns []types.SpeakerTurn
	speakers := map[string]struct{}{}
	for i, seg := range tr.Transcribe.Segments {
		label := fmt.Sprintf("SPEAKER_%02d", i%2)
		turns = append(turns, types.SpeakerTurn{Start: seg.Start, End: seg.End, Speaker: label})
		speakers[label] = struct{}{}
	}

	return engine.TaskOutput{
		Data: types.StageOutput{
			Stage: types.StageDiarize,
			Diarize: &types.DiarizeOutput{
				Turns:    turns,
				Speakers: sortedKeys(speakers),
			},
		},
	}, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ─── PII detect ──────────────────────────────────────────────────────────────

var (
	phonePattern = regexp.MustCompile(`\b\d{3}[- ]?\d{3}[- ]?\d{4}\b`)
	emailPattern = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.]+\b`)
)

// PIIDetect simulates PII detection with two regex detectors (phone numbers
// and email addresses), mapping char offsets to audio time proportionally.
type PIIDetect struct {
	Caps types.Capabilities
}

var _ engine.Processor = (*PIIDetect)(nil)

func (p *PIIDetect) Capabilities() types.Capabilities {
	return fillCaps(p.Caps, types.StagePIIDetect)
}

func (p *PIIDetect) Process(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	tr, ok := findOutput(in, types.StageTranscribe)
	if !ok || tr.Transcribe == nil {
		return engine.TaskOutput{}, fmt.Errorf("pii_detect: no transcribe output in input")
	}
	text := tr.Transcribe.Text

	duration := 0.0
	for _, seg := range tr.Transcribe.Segments {
		if seg.End > duration {
			duration = seg.End
		}
	}

	var entities []types.PIIEntity
	collect := func(piiType string, re *regexp.Regexp) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			var audioStart, audioEnd float64
			if len(text) > 0 {
				audioStart = duration * float64(start) / float64(len(text))
				audioEnd = duration * float64(end) / float64(len(text))
			}
			entities = append(entities, types.PIIEntity{
				Type:       piiType,
				Category:   "contact",
				CharStart:  start,
				CharEnd:    end,
				AudioStart: audioStart,
				AudioEnd:   audioEnd,
				Redacted:   "[" + strings.ToUpper(piiType) + "]",
			})
		}
	}
	collect("phone_number", phonePattern)
	collect("email", emailPattern)

	sort.Slice(entities, func(i, j int) bool { return entities[i].CharStart < entities[j].CharStart })

	redacted := text
	for i := len(entities) - 1; i >= 0; i-- {
		e := entities[i]
		redacted = redacted[:e.CharStart] + e.Redacted + redacted[e.CharEnd:]
	}

	return engine.TaskOutput{
		Data: types.StageOutput{
			Stage: types.StagePIIDetect,
			PIIDetect: &types.PIIDetectOutput{
				Entities:     entities,
				RedactedText: redacted,
			},
		},
	}, nil
}

// ─── Audio redact ────────────────────────────────────────────────────────────

// AudioRedact simulates audio redaction: it rewrites the prepared audio with
// detected PII ranges zeroed out.
type AudioRedact struct {
	Caps types.Capabilities
}

var _ engine.Processor = (*AudioRedact)(nil)

func (a *AudioRedact) Capabilities() types.Capabilities {
	return fillCaps(a.Caps, types.StageAudioRedact)
}

func (a *AudioRedact) Process(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	pii, ok := findOutput(in, types.StagePIIDetect)
	if !ok || pii.PIIDetect == nil {
		return engine.TaskOutput{}, fmt.Errorf("audio_redact: no pii_detect output in input")
	}

	samples, rate := loadAudio(in.AudioPath)
	for _, e := range pii.PIIDetect.Entities {
		start := int(e.AudioStart * float64(rate))
		end := int(e.AudioEnd * float64(rate))
		for i := start; i < end && i < len(samples); i++ {
			samples[i] = 0
		}
	}

	path := filepath.Join(in.ScratchDir, "redacted.wav")
	f, err := os.Create(path)
	if err != nil {
		return engine.TaskOutput{}, fmt.Errorf("audio_redact: %w", err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, samples, rate); err != nil {
		return engine.TaskOutput{}, fmt.Errorf("audio_redact: %w", err)
	}

	mode := types.RedactionMode(in.ConfigString("redaction_mode", string(types.RedactSilence)))

	return engine.TaskOutput{
		Data: types.StageOutput{
			Stage: types.StageAudioRedact,
			AudioRedact: &types.AudioRedactOutput{
				AudioURI:     in.AudioURI("redacted.wav"),
				Mode:         mode,
				RedactionMap: pii.PIIDetect.Entities,
			},
		},
		Artifacts: map[string]string{"redacted.wav": path},
	}, nil
}

func loadAudio(path string) ([]float32, int) {
	if path == "" {
		return make([]float32, simSampleRate), simSampleRate
	}
	f, err := os.Open(path)
	if err != nil {
		return make([]float32, simSampleRate), simSampleRate
	}
	defer f.Close()
	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		return make([]float32, simSampleRate), simSampleRate
	}
	return samples, rate
}

// ─── Merge ───────────────────────────────────────────────────────────────────

// Merge folds all upstream outputs into the canonical transcript. Unlike
// the other simulation engines this implements the real merge semantics:
// branch collection, alignment preference, speaker attribution, and warning
// aggregation are exactly what production merge does.
type Merge struct {
	Caps types.Capabilities
}

var _ engine.Processor = (*Merge)(nil)

func (m *Merge) Capabilities() types.Capabilities {
	return fillCaps(m.Caps, types.StageMerge)
}

func (m *Merge) Process(_ context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
	branches := transcribeBranches(in)
	if len(branches) == 0 {
		return engine.TaskOutput{}, fmt.Errorf("merge: no transcribe output in input")
	}

	var (
		segments []types.Segment
		warnings []string
		language string
	)

	for _, b := range branches {
		segs := b.output.Segments
		if b.output.DetectedLanguage != "" {
			language = b.output.DetectedLanguage
		}

		// Prefer the aligned segments of this branch when present.
		alignKey := strings.Replace(b.key, string(types.StageTranscribe), string(types.StageAlign), 1)
		if al, ok := in.PreviousOutputs[alignKey]; ok && al.Align != nil {
			if al.Align.Skipped {
				warnings = append(warnings, "alignment skipped: "+al.Align.SkipReason)
			} else if len(al.Align.Segments) > 0 {
				segs = al.Align.Segments
			}
		}

		speaker := b.channelSpeaker()
		for _, seg := range segs {
			if speaker != "" {
				seg.Speaker = speaker
			}
			segments = append(segments, seg)
		}
	}

	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	// Speaker attribution from diarization, when a branch-less diarize
	// output exists and segments are not already channel-attributed.
	if di, ok := findOutput(in, types.StageDiarize); ok && di.Diarize != nil {
		for i := range segments {
			if segments[i].Speaker == "" {
				segments[i].Speaker = dominantSpeaker(di.Diarize.Turns, segments[i])
			}
		}
	}

	if language == "" {
		language = in.ConfigString("language", "")
	}

	texts := make([]string, len(segments))
	wordTimestamps := len(segments) > 0
	duration := 0.0
	speakers := map[string]struct{}{}
	for i, seg := range segments {
		texts[i] = seg.Text
		if len(seg.Words) == 0 {
			wordTimestamps = false
		}
		if seg.End > duration {
			duration = seg.End
		}
		if seg.Speaker != "" {
			speakers[seg.Speaker] = struct{}{}
		}
	}

	if prep, ok := findOutput(in, types.StagePrepare); ok && prep.Prepare != nil && prep.Prepare.Duration > 0 {
		duration = prep.Prepare.Duration
	}

	return engine.TaskOutput{
		Data: types.StageOutput{
			Stage: types.StageMerge,
			Merge: &types.MergeOutput{
				Text:             strings.Join(texts, " "),
				Segments:         segments,
				Speakers:         sortedKeys(speakers),
				Language:         language,
				Duration:         duration,
				WordTimestamps:   wordTimestamps,
				PipelineWarnings: warnings,
			},
		},
	}, nil
}

type branch struct {
	key    string
	output *types.TranscribeOutput
}

// channelSpeaker labels per-channel branches ("transcribe_ch0" →
// "CHANNEL_0"). Returns "" for the plain transcribe task.
func (b branch) channelSpeaker() string {
	if idx := strings.LastIndex(b.key, "_ch"); idx >= 0 {
		return "CHANNEL_" + b.key[idx+3:]
	}
	return ""
}

func transcribeBranches(in engine.TaskInput) []branch {
	var out []branch
	for key, o := range in.PreviousOutputs {
		if o.Stage == types.StageTranscribe && o.Transcribe != nil {
			out = append(out, branch{key: key, output: o.Transcribe})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// dominantSpeaker returns the speaker whose turns overlap the segment the
// most.
func dominantSpeaker(turns []types.SpeakerTurn, seg types.Segment) string {
	best := ""
	bestOverlap := 0.0
	for _, t := range turns {
		start := max(t.Start, seg.Start)
		end := min(t.End, seg.End)
		if overlap := end - start; overlap > bestOverlap {
			bestOverlap = overlap
			best = t.Speaker
		}
	}
	return best
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream simulates a realtime transcriber: every utterance yields the
// scripted text, with evenly spaced word timings when requested. It backs
// dalston-realtime when no model runtime is wired in.
type Stream struct {
	Caps types.Capabilities

	// Text overrides the default script.
	Text string
}

var _ engine.Transcriber = (*Stream)(nil)

func (s *Stream) Capabilities() types.Capabilities {
	caps := fillCaps(s.Caps, types.StageTranscribe)
	if caps.EngineID == "sim-transcribe" && s.Caps.EngineID == "" {
		caps.EngineID = "sim-realtime"
	}
	if len(caps.ModelVariants) == 0 {
		caps.ModelVariants = []string{"fast", "accurate"}
	}
	caps.Streaming = true
	caps.Vocabulary = true
	return caps
}

func (s *Stream) Transcribe(_ context.Context, samples []float32, sampleRate int, opts engine.TranscribeOptions) (engine.Transcription, error) {
	text := s.Text
	if text == "" {
		text = defaultScript
	}

	out := engine.Transcription{Text: text, Confidence: 0.93, Language: opts.Language}
	if opts.Language == "" || opts.Language == "auto" {
		out.Language = "en"
	}
	if opts.WordTimestamps && sampleRate > 0 {
		out.Words = spreadWords(text, 0, float64(len(samples))/float64(sampleRate))
	}
	return out, nil
}
