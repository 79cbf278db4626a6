package realtime

import "github.com/dalstonhq/dalston/pkg/types"

// Server → client frame types.
const (
	frameSessionBegin = "session.begin"
	frameSpeechStart  = "vad.speech_start"
	frameSpeechEnd    = "vad.speech_end"
	framePartial      = "transcript.partial"
	frameFinal        = "transcript.final"
	frameSessionEnd   = "session.end"
	frameError        = "error"
)

// Client → server control frame types.
const (
	controlConfigUpdate = "config_update"
	controlFlush        = "flush"
	controlEnd          = "end"
)

// Error codes of the closed error-frame set.
const (
	errInternal       = "internal_error"
	errInvalidMessage = "invalid_message"
	errNoCapacity     = "no_capacity"
	errInvalidAudio   = "invalid_audio"
)

// sessionConfig echoes the effective configuration in session.begin.
type sessionConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Channels   int    `json:"channels"`
	Language   string `json:"language"`
	Model      string `json:"model,omitempty"`
}

type beginFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Config    sessionConfig `json:"config"`
}

// vadFrame carries speech_start and speech_end, timestamped in
// session-relative seconds.
type vadFrame struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type partialFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type finalFrame struct {
	Type       string       `json:"type"`
	Text       string       `json:"text"`
	Start      float64      `json:"start"`
	End        float64      `json:"end"`
	Confidence float64      `json:"confidence,omitempty"`
	Words      []types.Word `json:"words,omitempty"`
}

type endSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type endFrame struct {
	Type                string       `json:"type"`
	SessionID           string       `json:"session_id"`
	TotalDuration       float64      `json:"total_duration"`
	TotalSpeechDuration float64      `json:"total_speech_duration"`
	Transcript          string       `json:"transcript"`
	Segments            []endSegment `json:"segments"`
}

type errorFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// controlFrame is any client text message.
type controlFrame struct {
	Type       string   `json:"type"`
	Language   string   `json:"language,omitempty"`
	Vocabulary []string `json:"vocabulary,omitempty"`
}
