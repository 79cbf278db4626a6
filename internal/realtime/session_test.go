package realtime_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/realtime"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/pkg/audio"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/engine/enginetest"
	"github.com/dalstonhq/dalston/pkg/types"
	"github.com/dalstonhq/dalston/pkg/vad/mock"
)

const sessionRate = 16000

var streamingCaps = types.Capabilities{
	EngineID:      "rt-stt",
	Stages:        []types.Stage{types.StageTranscribe},
	Streaming:     true,
	Vocabulary:    true,
	ModelVariants: []string{"fast", "accurate"},
}

// scriptedTranscriber returns the given texts in call order, then repeats
// the last one.
func scriptedTranscriber(texts ...string) *enginetest.Transcriber {
	var calls atomic.Int64
	return &enginetest.Transcriber{
		Caps: streamingCaps,
		TranscribeFunc: func(_ context.Context, _ []float32, _ int, _ engine.TranscribeOptions) (engine.Transcription, error) {
			n := calls.Add(1) - 1
			return engine.Transcription{
				Text:       texts[min(int(n), len(texts)-1)],
				Confidence: 0.95,
			}, nil
		},
	}
}

// levelDetector classifies a chunk as speech when its RMS clears 0.1, which
// makes the scenario audio below fully deterministic.
func levelDetector() *mock.Detector {
	return &mock.Detector{
		ProbabilityFunc: func(chunk []float32) (float64, error) {
			var sum float64
			for _, v := range chunk {
				sum += float64(v) * float64(v)
			}
			if math.Sqrt(sum/float64(len(chunk))) > 0.1 {
				return 0.9, nil
			}
			return 0.05, nil
		},
	}
}

type wsFixture struct {
	blob *blob.Memory
	srv  *httptest.Server
}

func newWSFixture(t *testing.T, tr engine.Transcriber, maxSessions int) *wsFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := registry.New(store.New(rdb))
	bs := blob.NewMemory()
	cfg := &config.Realtime{
		EngineID:     "rt-stt",
		WorkerID:     "rt-stt-1",
		MaxSessions:  maxSessions,
		ModelVariant: "fast",
		ChunkSize:    100 * time.Millisecond,
	}

	rt := realtime.New(cfg, tr, levelDetector(), bs, reg)
	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)
	return &wsFixture{blob: bs, srv: srv}
}

func (f *wsFixture) dial(t *testing.T, ctx context.Context, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/realtime?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// sendPCM streams the samples as 100 ms binary frames of 16-bit PCM.
func sendPCM(t *testing.T, ctx context.Context, conn *websocket.Conn, samples []float32) {
	t.Helper()
	frame := sessionRate / 10
	for off := 0; off < len(samples); off += frame {
		end := min(off+frame, len(samples))
		if err := conn.Write(ctx, websocket.MessageBinary, audio.EncodePCM16(samples[off:end])); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
}

func sendControl(t *testing.T, ctx context.Context, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

// frame is the union of every server frame, keyed by Type.
type frame struct {
	Type                string  `json:"type"`
	SessionID           string  `json:"session_id"`
	Timestamp           float64 `json:"timestamp"`
	Text                string  `json:"text"`
	Start               float64 `json:"start"`
	End                 float64 `json:"end"`
	Code                string  `json:"code"`
	Message             string  `json:"message"`
	TotalDuration       float64 `json:"total_duration"`
	TotalSpeechDuration float64 `json:"total_speech_duration"`
	Transcript          string  `json:"transcript"`
	Segments            []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// collect reads frames until session.end or until the server closes.
func collect(t *testing.T, ctx context.Context, conn *websocket.Conn) []frame {
	t.Helper()
	var out []frame
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return out
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		out = append(out, f)
		if f.Type == "session.end" {
			return out
		}
	}
}

func byType(frames []frame, typ string) []frame {
	var out []frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func tone(seconds float64, amplitude float32) []float32 {
	out := make([]float32, int(seconds*sessionRate))
	for i := range out {
		out[i] = amplitude
	}
	return out
}

func near(got, want float64) bool {
	return math.Abs(got-want) < 0.01
}

func TestSession_TwoUtterancesEndToEnd(t *testing.T) {
	tr := scriptedTranscriber("the meeting starts now", "see you tomorrow")
	f := newWSFixture(t, tr, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, "session_id=s-1&language=en&model=fast&store_audio=true&store_transcript=true")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 5 s of speech, 800 ms of silence, 3 s of speech, then end. The
	// silence gap exceeds the 500 ms endpoint threshold, so the session
	// produces two utterances: one endpointed, one flushed by end.
	sendPCM(t, ctx, conn, tone(5, 0.3))
	sendPCM(t, ctx, conn, tone(0.8, 0))
	sendPCM(t, ctx, conn, tone(3, 0.3))
	sendControl(t, ctx, conn, `{"type":"end"}`)

	frames := collect(t, ctx, conn)

	begins := byType(frames, "session.begin")
	if len(begins) != 1 || begins[0].SessionID != "s-1" {
		t.Fatalf("session.begin = %+v", begins)
	}

	starts := byType(frames, "vad.speech_start")
	ends := byType(frames, "vad.speech_end")
	if len(starts) != 2 || len(ends) != 2 {
		t.Fatalf("vad frames = %d starts, %d ends; want 2 and 2", len(starts), len(ends))
	}
	if !near(starts[0].Timestamp, 0) || !near(ends[0].Timestamp, 5.0) {
		t.Errorf("first utterance spans %.2f..%.2f, want 0..5", starts[0].Timestamp, ends[0].Timestamp)
	}
	if !near(starts[1].Timestamp, 5.5) || !near(ends[1].Timestamp, 8.8) {
		t.Errorf("second utterance spans %.2f..%.2f, want 5.5..8.8", starts[1].Timestamp, ends[1].Timestamp)
	}

	finals := byType(frames, "transcript.final")
	if len(finals) != 2 {
		t.Fatalf("finals = %d, want 2", len(finals))
	}
	if finals[0].Text != "the meeting starts now" || finals[1].Text != "see you tomorrow" {
		t.Errorf("final texts = %q, %q", finals[0].Text, finals[1].Text)
	}

	endFrames := byType(frames, "session.end")
	if len(endFrames) != 1 {
		t.Fatalf("session.end = %d frames", len(endFrames))
	}
	end := endFrames[0]
	if want := finals[0].Text + " " + finals[1].Text; end.Transcript != want {
		t.Errorf("transcript = %q, want %q", end.Transcript, want)
	}
	if !near(end.TotalDuration, 8.8) {
		t.Errorf("total_duration = %v, want 8.8", end.TotalDuration)
	}
	if !near(end.TotalSpeechDuration, 8.3) {
		t.Errorf("total_speech_duration = %v, want 8.3", end.TotalSpeechDuration)
	}
	if len(end.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(end.Segments))
	}
	for i, seg := range end.Segments {
		if seg.End <= seg.Start {
			t.Errorf("segment %d not monotonic: %+v", i, seg)
		}
	}
	if end.Segments[0].End > end.Segments[1].Start {
		t.Error("segments overlap")
	}

	// Requested artifacts landed in the object store.
	if ok, err := f.blob.Exists(ctx, blob.SessionAudioKey("s-1")); err != nil || !ok {
		t.Errorf("session audio missing: ok=%v err=%v", ok, err)
	}
	var rec struct {
		Transcript string `json:"transcript"`
	}
	if err := f.blob.GetJSON(ctx, blob.SessionTranscriptKey("s-1"), &rec); err != nil {
		t.Fatalf("stored transcript: %v", err)
	}
	if rec.Transcript != end.Transcript {
		t.Errorf("stored transcript = %q, want %q", rec.Transcript, end.Transcript)
	}
}

func TestSession_InterimResults(t *testing.T) {
	tr := scriptedTranscriber("counting on you")
	f := newWSFixture(t, tr, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, "interim_results=true")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendPCM(t, ctx, conn, tone(2.5, 0.3))
	sendPCM(t, ctx, conn, tone(0.6, 0))
	sendControl(t, ctx, conn, `{"type":"end"}`)

	frames := collect(t, ctx, conn)
	if got := len(byType(frames, "transcript.partial")); got < 1 {
		t.Errorf("partials = %d, want at least 1", got)
	}
	if got := len(byType(frames, "transcript.final")); got != 1 {
		t.Errorf("finals = %d, want 1", got)
	}
}

func TestSession_ConfigUpdateRebuildsVocabulary(t *testing.T) {
	tr := scriptedTranscriber("welcome to dolston")
	f := newWSFixture(t, tr, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, "enable_vad=false")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendPCM(t, ctx, conn, tone(1, 0.3))
	sendControl(t, ctx, conn, `{"type":"config_update","vocabulary":["Dalston"]}`)
	sendControl(t, ctx, conn, `{"type":"flush"}`)
	sendControl(t, ctx, conn, `{"type":"end"}`)

	frames := collect(t, ctx, conn)
	finals := byType(frames, "transcript.final")
	if len(finals) != 1 {
		t.Fatalf("finals = %d, want 1", len(finals))
	}
	if finals[0].Text != "welcome to Dalston" {
		t.Errorf("final text = %q, want corrected vocabulary term", finals[0].Text)
	}
}

func TestSession_RejectsWhenFull(t *testing.T) {
	tr := scriptedTranscriber("occupied")
	f := newWSFixture(t, tr, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first := f.dial(t, ctx, "")
	defer first.Close(websocket.StatusNormalClosure, "")
	if _, data, err := first.Read(ctx); err != nil || !strings.Contains(string(data), "session.begin") {
		t.Fatalf("first session begin: %q, %v", data, err)
	}

	second := f.dial(t, ctx, "")
	defer second.Close(websocket.StatusNormalClosure, "")

	frames := collect(t, ctx, second)
	errs := byType(frames, "error")
	if len(errs) != 1 || errs[0].Code != "no_capacity" {
		t.Fatalf("error frames = %+v, want one no_capacity", errs)
	}
	_, _, err := second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusCode(4503) {
		t.Errorf("close status = %v, want 4503", websocket.CloseStatus(err))
	}
}

func TestSession_RejectsBadParams(t *testing.T) {
	tr := scriptedTranscriber("unused")
	f := newWSFixture(t, tr, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for name, query := range map[string]string{
		"sample rate out of range": "sample_rate=99",
		"unsupported model":        "model=turbo",
	} {
		conn := f.dial(t, ctx, query)
		frames := collect(t, ctx, conn)
		errs := byType(frames, "error")
		if len(errs) != 1 || errs[0].Code != "invalid_message" {
			t.Errorf("%s: error frames = %+v, want one invalid_message", name, errs)
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}
