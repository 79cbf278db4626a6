package realtime_test

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dalstonhq/dalston/internal/realtime"
	"github.com/dalstonhq/dalston/pkg/audio"
)

func TestParseParams_Defaults(t *testing.T) {
	p, err := realtime.ParseParams(url.Values{})
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if p.SessionID == "" {
		t.Error("no session id generated")
	}
	if p.Language != "auto" || p.SampleRate != 16000 || p.Channels != 1 {
		t.Errorf("defaults = %q/%d/%d", p.Language, p.SampleRate, p.Channels)
	}
	if p.Encoding != audio.EncodingPCM16 {
		t.Errorf("encoding = %q", p.Encoding)
	}
	if !p.EnableVAD || p.InterimResults || p.StoreAudio {
		t.Error("boolean defaults wrong")
	}
	if p.MinSilence != 500*time.Millisecond || p.MaxUtterance != 30*time.Second {
		t.Errorf("endpoint defaults = %v/%v", p.MinSilence, p.MaxUtterance)
	}
}

func TestParseParams_FullQuery(t *testing.T) {
	q := url.Values{
		"session_id":              {"s-9"},
		"language":                {"de"},
		"model":                   {"accurate"},
		"encoding":                {"mulaw"},
		"sample_rate":             {"8000"},
		"channels":                {"2"},
		"interim_results":         {"true"},
		"word_timestamps":         {"true"},
		"vocabulary":              {`["Dalston","Hackney"]`},
		"max_utterance_duration":  {"12.5"},
		"vad_threshold":           {"0.7"},
		"min_speech_duration_ms":  {"100"},
		"min_silence_duration_ms": {"900"},
		"store_transcript":        {"true"},
	}
	p, err := realtime.ParseParams(q)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if p.SessionID != "s-9" || p.Language != "de" || p.Model != "accurate" {
		t.Errorf("identity = %q/%q/%q", p.SessionID, p.Language, p.Model)
	}
	if p.Encoding != audio.EncodingMulaw || p.SampleRate != 8000 || p.Channels != 2 {
		t.Errorf("audio = %q/%d/%d", p.Encoding, p.SampleRate, p.Channels)
	}
	if len(p.Vocabulary) != 2 || p.Vocabulary[0] != "Dalston" {
		t.Errorf("vocabulary = %v", p.Vocabulary)
	}
	if p.MaxUtterance != 12500*time.Millisecond || p.VADThreshold != 0.7 {
		t.Errorf("endpointing = %v/%v", p.MaxUtterance, p.VADThreshold)
	}
	if p.MinSpeech != 100*time.Millisecond || p.MinSilence != 900*time.Millisecond {
		t.Errorf("durations = %v/%v", p.MinSpeech, p.MinSilence)
	}
	if !p.StoreTranscript || p.StoreAudio {
		t.Error("storage flags wrong")
	}
}

func TestParseParams_CollectsEveryProblem(t *testing.T) {
	q := url.Values{
		"sample_rate":   {"99"},
		"channels":      {"5"},
		"encoding":      {"opus"},
		"vad_threshold": {"1.5"},
	}
	_, err := realtime.ParseParams(q)
	if err == nil {
		t.Fatal("no error for invalid query")
	}
	for _, want := range []string{"sample_rate", "channels", "encoding", "vad_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
