package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/pkg/audio"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/types"
	"github.com/dalstonhq/dalston/pkg/vad"
)

const (
	// endGrace bounds the final flush and artifact writes once the client
	// has said end or the transport dropped.
	endGrace = 5 * time.Second

	// partialInterval is the transcript.partial cadence inside an
	// utterance.
	partialInterval = time.Second
)

// sessionRecord is the stored transcript artifact of one session.
type sessionRecord struct {
	SessionID      string          `json:"session_id"`
	Language       string          `json:"language"`
	Model          string          `json:"model,omitempty"`
	Duration       float64         `json:"duration"`
	SpeechDuration float64         `json:"speech_duration"`
	Transcript     string          `json:"transcript"`
	Segments       []types.Segment `json:"segments"`
}

// session runs one WebSocket connection: decode, endpoint, transcribe,
// emit. All state is owned by the single run goroutine; the connection is
// the only shared object, and coder/websocket serializes writers.
type session struct {
	params  Params
	conn    *websocket.Conn
	tr      engine.Transcriber
	store   blob.Store
	log     *slog.Logger
	metrics *observe.Metrics

	chunker *audio.Chunker
	det     vad.Session
	ep      *endpointer
	asm     *assembler

	// Mutable through config_update.
	language   string
	vocabulary []string

	// received counts decoded mono samples; timestamps and the partial
	// cadence derive from it.
	received    int
	lastPartial int

	// plain buffers speech when VAD is disabled; utterances then end only
	// on flush or end.
	plain      []float32
	plainStart int

	// all is the full session audio, kept only when store_audio is set.
	all []float32
}

func newSession(ctx context.Context, conn *websocket.Conn, p Params, tr engine.Transcriber, det vad.Detector, store blob.Store, chunk time.Duration, log *slog.Logger, metrics *observe.Metrics) (*session, error) {
	s := &session{
		params:     p,
		conn:       conn,
		tr:         tr,
		store:      store,
		log:        log.With("session_id", p.SessionID),
		metrics:    metrics,
		chunker:    audio.NewChunker(p.SampleRate, chunk),
		asm:        newAssembler(p.Vocabulary),
		language:   p.Language,
		vocabulary: p.Vocabulary,
	}
	if p.EnableVAD {
		vs, err := det.NewSession(ctx, vad.Config{
			SampleRate:   p.SampleRate,
			ChunkSamples: s.chunker.ChunkSamples(),
		})
		if err != nil {
			return nil, fmt.Errorf("realtime: vad session: %w", err)
		}
		s.det = vs
		s.ep = newEndpointer(vs, p)
	}
	return s, nil
}

// run drives the session until the client says end or the transport drops.
// A dropped transport still persists requested artifacts; session.end is
// only sent on an orderly end.
func (s *session) run(ctx context.Context) error {
	defer func() {
		if s.det != nil {
			if err := s.det.Close(); err != nil {
				s.log.Warn("vad close failed", "err", err)
			}
		}
	}()

	begin := beginFrame{
		Type:      frameSessionBegin,
		SessionID: s.params.SessionID,
		Config: sessionConfig{
			SampleRate: s.params.SampleRate,
			Encoding:   string(s.params.Encoding),
			Channels:   s.params.Channels,
			Language:   s.params.Language,
			Model:      s.params.Model,
		},
	}
	if err := s.send(ctx, begin); err != nil {
		return err
	}

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			// Client is gone. Keep whatever was asked to be kept.
			gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endGrace)
			s.persist(gctx)
			cancel()
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("realtime: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			if err := s.handleAudio(ctx, data); err != nil {
				return err
			}
		case websocket.MessageText:
			done, err := s.handleControl(ctx, data)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (s *session) handleAudio(ctx context.Context, data []byte) error {
	samples, err := audio.Decode(s.params.Encoding, data)
	if err != nil {
		s.sendError(ctx, errInvalidAudio, err.Error(), true)
		return nil
	}
	if s.params.Channels == 2 {
		samples = downmix(samples)
	}
	s.received += len(samples)
	if s.params.StoreAudio {
		s.all = append(s.all, samples...)
	}

	if !s.params.EnableVAD {
		s.plain = append(s.plain, samples...)
		return s.maybePartial(ctx)
	}

	for _, chunk := range s.chunker.Push(samples) {
		ev, err := s.ep.Feed(chunk)
		if err != nil {
			s.sendError(ctx, errInternal, "voice activity detection failed", false)
			return err
		}
		if ev.SpeechStart != nil {
			if err := s.send(ctx, vadFrame{Type: frameSpeechStart, Timestamp: ev.SpeechStart.Seconds()}); err != nil {
				return err
			}
		}
		if ev.Utterance != nil {
			if err := s.finalize(ctx, ev.Utterance); err != nil {
				return err
			}
		}
	}
	return s.maybePartial(ctx)
}

func (s *session) handleControl(ctx context.Context, data []byte) (bool, error) {
	var cf controlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		s.sendError(ctx, errInvalidMessage, "control frame is not valid JSON", true)
		return false, nil
	}

	switch cf.Type {
	case controlConfigUpdate:
		if cf.Language != "" {
			s.language = cf.Language
		}
		if cf.Vocabulary != nil {
			s.vocabulary = cf.Vocabulary
			s.asm.SetVocabulary(cf.Vocabulary)
		}
		return false, nil
	case controlFlush:
		return false, s.flush(ctx)
	case controlEnd:
		return true, s.end(ctx)
	default:
		s.sendError(ctx, errInvalidMessage, fmt.Sprintf("unknown control type %q", cf.Type), true)
		return false, nil
	}
}

// flush force-endpoints whatever speech is buffered, including the
// sub-chunk tail still in the chunker.
func (s *session) flush(ctx context.Context) error {
	if !s.params.EnableVAD {
		if len(s.plain) == 0 {
			return nil
		}
		utt := &utterance{
			Samples: s.plain,
			Start:   audio.Duration(s.plainStart, s.params.SampleRate),
			End:     audio.Duration(s.plainStart+len(s.plain), s.params.SampleRate),
		}
		s.plain = nil
		s.plainStart = s.received
		return s.finalize(ctx, utt)
	}

	utt := s.ep.Flush(s.chunker.Flush())
	if utt == nil {
		return nil
	}
	return s.finalize(ctx, utt)
}

// end flushes, persists, and sends session.end. The grace context keeps the
// closing work bounded even when the parent is already cancelled.
func (s *session) end(ctx context.Context) error {
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endGrace)
	defer cancel()

	if err := s.flush(gctx); err != nil {
		return err
	}
	s.persist(gctx)

	segs := s.asm.Segments()
	out := make([]endSegment, len(segs))
	for i, seg := range segs {
		out[i] = endSegment{Start: seg.Start, End: seg.End, Text: seg.Text}
	}
	end := endFrame{
		Type:                frameSessionEnd,
		SessionID:           s.params.SessionID,
		TotalDuration:       audio.Duration(s.received, s.params.SampleRate).Seconds(),
		TotalSpeechDuration: s.asm.SpeechDuration().Seconds(),
		Transcript:          s.asm.Transcript(),
		Segments:            out,
	}
	if err := s.send(gctx, end); err != nil {
		return err
	}
	return s.conn.Close(websocket.StatusNormalClosure, "session complete")
}

// finalize transcribes one endpointed utterance and emits speech_end plus
// transcript.final. A forced endpoint keeps the utterance open from the
// client's point of view, so it gets no speech_end.
func (s *session) finalize(ctx context.Context, utt *utterance) error {
	if s.params.EnableVAD && !utt.Forced {
		if err := s.send(ctx, vadFrame{Type: frameSpeechEnd, Timestamp: utt.End.Seconds()}); err != nil {
			return err
		}
	}

	started := time.Now()
	tr, err := s.tr.Transcribe(ctx, utt.Samples, s.params.SampleRate, s.transcribeOptions(s.params.WordTimestamps))
	if err != nil {
		s.log.Error("transcription failed", "err", err)
		s.sendError(ctx, errInternal, "transcription failed", true)
		return nil
	}
	s.metrics.UtteranceDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(observe.Attr("model", s.params.Model)))

	if tr.Text == "" {
		return nil
	}
	seg := s.asm.Add(utt, tr)

	final := finalFrame{
		Type:       frameFinal,
		Text:       seg.Text,
		Start:      seg.Start,
		End:        seg.End,
		Confidence: seg.Confidence,
	}
	if s.params.WordTimestamps {
		final.Words = seg.Words
	}
	return s.send(ctx, final)
}

// maybePartial emits transcript.partial over the speech buffered so far, at
// most once per partialInterval of received audio.
func (s *session) maybePartial(ctx context.Context) error {
	if !s.params.InterimResults {
		return nil
	}

	var buf []float32
	if s.params.EnableVAD {
		buf, _ = s.ep.Current()
	} else {
		buf = s.plain
	}
	if len(buf) == 0 {
		return nil
	}
	if s.received-s.lastPartial < audio.SampleCount(partialInterval, s.params.SampleRate) {
		return nil
	}
	s.lastPartial = s.received

	tr, err := s.tr.Transcribe(ctx, buf, s.params.SampleRate, s.transcribeOptions(false))
	if err != nil {
		s.log.Warn("interim transcription failed", "err", err)
		return nil
	}
	if tr.Text == "" {
		return nil
	}
	return s.send(ctx, partialFrame{Type: framePartial, Text: s.asm.Correct(tr.Text)})
}

// persist writes the requested artifacts. Failures are logged, not fatal:
// the live transcript already reached the client.
func (s *session) persist(ctx context.Context) {
	if s.params.StoreAudio && len(s.all) > 0 {
		if err := s.persistAudio(ctx); err != nil {
			s.log.Error("session audio store failed", "err", err)
		}
	}
	if s.params.StoreTranscript {
		rec := sessionRecord{
			SessionID:      s.params.SessionID,
			Language:       s.language,
			Model:          s.params.Model,
			Duration:       audio.Duration(s.received, s.params.SampleRate).Seconds(),
			SpeechDuration: s.asm.SpeechDuration().Seconds(),
			Transcript:     s.asm.Transcript(),
			Segments:       s.asm.Segments(),
		}
		if err := s.store.PutJSON(ctx, blob.SessionTranscriptKey(s.params.SessionID), rec); err != nil {
			s.log.Error("session transcript store failed", "err", err)
		}
	}
}

func (s *session) persistAudio(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "dalston-session-*")
	if err != nil {
		return fmt.Errorf("realtime: scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "audio.wav")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("realtime: create wav: %w", err)
	}
	if err := audio.WriteWAV(f, s.all, s.params.SampleRate); err != nil {
		f.Close()
		return fmt.Errorf("realtime: write wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("realtime: close wav: %w", err)
	}
	return s.store.PutFile(ctx, blob.SessionAudioKey(s.params.SessionID), path)
}

func (s *session) transcribeOptions(wordTimestamps bool) engine.TranscribeOptions {
	return engine.TranscribeOptions{
		Language:       s.language,
		Model:          s.params.Model,
		Vocabulary:     s.vocabulary,
		WordTimestamps: wordTimestamps,
	}
}

func (s *session) send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal frame: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func (s *session) sendError(ctx context.Context, code, msg string, recoverable bool) {
	frame := errorFrame{Type: frameError, Code: code, Message: msg, Recoverable: recoverable}
	if err := s.send(ctx, frame); err != nil {
		s.log.Warn("error frame send failed", "code", code, "err", err)
	}
}

// downmix averages interleaved stereo sample pairs into mono.
func downmix(samples []float32) []float32 {
	out := make([]float32, len(samples)/2)
	for i := range out {
		out[i] = (samples[2*i] + samples[2*i+1]) / 2
	}
	return out
}
