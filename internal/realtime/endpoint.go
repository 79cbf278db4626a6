package realtime

import (
	"fmt"
	"time"

	"github.com/dalstonhq/dalston/pkg/audio"
	"github.com/dalstonhq/dalston/pkg/vad"
)

// utterance is one endpointed stretch of speech, timestamped in
// session-relative time. Forced marks a max-duration endpoint, where the
// speaker has not actually paused.
type utterance struct {
	Samples []float32
	Start   time.Duration
	End     time.Duration
	Forced  bool
}

// endpointEvents is what one chunk of audio produced.
type endpointEvents struct {
	// SpeechStart is set on the silence→speech transition, timestamped at
	// the start of the prepended lookback.
	SpeechStart *time.Duration

	// Utterance is set when an endpoint fired, natural or forced.
	Utterance *utterance
}

// endpointer is the per-session VAD state machine: it consumes fixed-size
// chunks and produces utterance boundaries. Single-owner, like the vad
// session it wraps.
type endpointer struct {
	det        vad.Session
	sampleRate int

	threshold    float64
	minSpeech    time.Duration
	minSilence   time.Duration
	maxUtterance time.Duration

	inSpeech bool
	lookback *audio.Ring
	buf      []float32

	// consumed counts every sample ever fed; startSample anchors the
	// current utterance; silenceSamples is the trailing silence inside buf.
	consumed       int
	startSample    int
	silenceSamples int
}

func newEndpointer(det vad.Session, p Params) *endpointer {
	return &endpointer{
		det:          det,
		sampleRate:   p.SampleRate,
		threshold:    p.VADThreshold,
		minSpeech:    p.MinSpeech,
		minSilence:   p.MinSilence,
		maxUtterance: p.MaxUtterance,
		lookback:     audio.NewRing(audio.SampleCount(lookbackWindow, p.SampleRate)),
	}
}

// Feed runs one chunk through the state machine.
func (e *endpointer) Feed(chunk []float32) (endpointEvents, error) {
	var ev endpointEvents

	p, err := e.det.Probability(chunk)
	if err != nil {
		return ev, fmt.Errorf("realtime: vad probability: %w", err)
	}
	speech := p >= e.threshold

	if !e.inSpeech {
		if !speech {
			e.lookback.Write(chunk)
			e.consumed += len(chunk)
			return ev, nil
		}
		// silence → speech: prepend the lookback so word onsets that
		// precede the trigger survive.
		snap := e.lookback.Snapshot()
		e.buf = append(e.buf[:0], snap...)
		e.buf = append(e.buf, chunk...)
		e.inSpeech = true
		e.startSample = e.consumed - len(snap)
		e.silenceSamples = 0
		at := e.sampleTime(e.startSample)
		ev.SpeechStart = &at
		e.consumed += len(chunk)
		return ev, nil
	}

	e.buf = append(e.buf, chunk...)
	e.consumed += len(chunk)

	if speech {
		e.silenceSamples = 0
	} else {
		e.silenceSamples += len(chunk)
		if e.sampleDur(e.silenceSamples) >= e.minSilence {
			ev.Utterance = e.endpoint(false)
			return ev, nil
		}
	}

	if e.sampleDur(len(e.buf)) >= e.maxUtterance {
		// Forced endpoint: emit without leaving speech; the next chunk
		// continues a fresh utterance at the current position.
		ev.Utterance = &utterance{
			Samples: e.buf,
			Start:   e.sampleTime(e.startSample),
			End:     e.sampleTime(e.startSample + len(e.buf)),
			Forced:  true,
		}
		e.buf = nil
		e.startSample = e.consumed
		e.silenceSamples = 0
	}
	return ev, nil
}

// endpoint closes the current utterance, trimming the trailing silence. A
// stretch shorter than minSpeech is discarded (nil return).
func (e *endpointer) endpoint(flush bool) *utterance {
	speechSamples := len(e.buf) - e.silenceSamples
	var utt *utterance
	if speechSamples > 0 && (flush || e.sampleDur(speechSamples) >= e.minSpeech) {
		utt = &utterance{
			Samples: e.buf[:speechSamples],
			Start:   e.sampleTime(e.startSample),
			End:     e.sampleTime(e.startSample + speechSamples),
		}
	}
	e.inSpeech = false
	e.buf = nil
	e.silenceSamples = 0
	e.lookback.Reset()
	e.det.Reset()
	return utt
}

// Flush force-closes the in-progress utterance regardless of the minimum
// speech gate. tail carries sub-chunk samples still sitting in the chunker;
// it is appended when an utterance is open and discarded otherwise. Nil when
// nothing is buffered.
func (e *endpointer) Flush(tail []float32) *utterance {
	if !e.inSpeech {
		return nil
	}
	e.buf = append(e.buf, tail...)
	e.consumed += len(tail)
	return e.endpoint(true)
}

// Current returns the speech buffered so far, for interim transcription.
func (e *endpointer) Current() ([]float32, time.Duration) {
	if !e.inSpeech {
		return nil, 0
	}
	return e.buf, e.sampleTime(e.startSample)
}

// InSpeech reports whether the machine is inside an utterance.
func (e *endpointer) InSpeech() bool {
	return e.inSpeech
}

func (e *endpointer) sampleDur(n int) time.Duration {
	return audio.Duration(n, e.sampleRate)
}

func (e *endpointer) sampleTime(sample int) time.Duration {
	if sample < 0 {
		sample = 0
	}
	return audio.Duration(sample, e.sampleRate)
}
