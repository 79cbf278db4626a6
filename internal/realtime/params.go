package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/pkg/audio"
)

// Endpointing defaults. The lookback window captures word onsets that
// precede the VAD trigger.
const (
	defaultThreshold    = 0.5
	defaultMinSpeech    = 250 * time.Millisecond
	defaultMinSilence   = 500 * time.Millisecond
	defaultMaxUtterance = 30 * time.Second
	lookbackWindow      = 300 * time.Millisecond
)

// Params are the per-session knobs negotiated through the connection URL.
type Params struct {
	SessionID string
	Language  string
	Model     string

	Encoding   audio.Encoding
	SampleRate int
	Channels   int

	EnableVAD      bool
	InterimResults bool
	WordTimestamps bool
	Vocabulary     []string

	MaxUtterance time.Duration
	VADThreshold float64
	MinSpeech    time.Duration
	MinSilence   time.Duration

	StoreAudio      bool
	StoreTranscript bool
}

// ParseParams builds session parameters from the connection query, filling
// defaults and validating every field. A missing session_id gets a fresh
// UUID.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		SessionID:    q.Get("session_id"),
		Language:     qString(q, "language", "auto"),
		Model:        q.Get("model"),
		Encoding:     audio.Encoding(qString(q, "encoding", string(audio.EncodingPCM16))),
		MaxUtterance: defaultMaxUtterance,
		VADThreshold: defaultThreshold,
		MinSpeech:    defaultMinSpeech,
		MinSilence:   defaultMinSilence,
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	if p.SampleRate, err = qInt(q, "sample_rate", 16000); err == nil && (p.SampleRate < 8000 || p.SampleRate > 48000) {
		err = fmt.Errorf("sample_rate %d outside 8000..48000", p.SampleRate)
	}
	collect(err)
	if p.Channels, err = qInt(q, "channels", 1); err == nil && (p.Channels < 1 || p.Channels > 2) {
		err = fmt.Errorf("channels %d outside 1..2", p.Channels)
	}
	collect(err)
	if !p.Encoding.IsValid() {
		collect(fmt.Errorf("encoding %q not one of pcm_s16le, pcm_f32le, mulaw, alaw", p.Encoding))
	}

	p.EnableVAD, err = qBool(q, "enable_vad", true)
	collect(err)
	p.InterimResults, err = qBool(q, "interim_results", false)
	collect(err)
	p.WordTimestamps, err = qBool(q, "word_timestamps", false)
	collect(err)
	p.StoreAudio, err = qBool(q, "store_audio", false)
	collect(err)
	p.StoreTranscript, err = qBool(q, "store_transcript", false)
	collect(err)

	if v := q.Get("vocabulary"); v != "" {
		if err := json.Unmarshal([]byte(v), &p.Vocabulary); err != nil {
			collect(fmt.Errorf("vocabulary is not a JSON string array: %v", err))
		}
	}

	if v := q.Get("max_utterance_duration"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			collect(fmt.Errorf("max_utterance_duration %q not a positive number of seconds", v))
		} else {
			p.MaxUtterance = time.Duration(secs * float64(time.Second))
		}
	}
	if v := q.Get("vad_threshold"); v != "" {
		th, err := strconv.ParseFloat(v, 64)
		if err != nil || th <= 0 || th >= 1 {
			collect(fmt.Errorf("vad_threshold %q outside (0, 1)", v))
		} else {
			p.VADThreshold = th
		}
	}
	if d, err := qDurationMs(q, "min_speech_duration_ms", defaultMinSpeech); err != nil {
		collect(err)
	} else {
		p.MinSpeech = d
	}
	if d, err := qDurationMs(q, "min_silence_duration_ms", defaultMinSilence); err != nil {
		collect(err)
	} else {
		p.MinSilence = d
	}

	return p, errors.Join(errs...)
}

func qString(q url.Values, name, def string) string {
	if v := q.Get(name); v != "" {
		return v
	}
	return def
}

func qInt(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q not an integer", name, v)
	}
	return n, nil
}

func qBool(q url.Values, name string, def bool) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s %q not a boolean", name, v)
	}
	return b, nil
}

func qDurationMs(q url.Values, name string, def time.Duration) (time.Duration, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s %q not a non-negative millisecond count", name, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
