package realtime

import (
	"time"

	"github.com/dalstonhq/dalston/internal/realtime/vocab"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/types"
)

// assembler accumulates finalized utterances into the running session
// transcript. It owns the vocabulary corrector, which config_update can swap
// mid-session. Single-owner, like everything else in the session loop.
type assembler struct {
	corrector *vocab.Corrector
	segments  []types.Segment
	speech    time.Duration
}

func newAssembler(vocabulary []string) *assembler {
	return &assembler{corrector: vocab.New(vocabulary)}
}

// SetVocabulary replaces the corrector. Already-finalized segments keep the
// text they were corrected with.
func (a *assembler) SetVocabulary(vocabulary []string) {
	a.corrector = vocab.New(vocabulary)
}

// Add corrects and records one finalized utterance, returning the segment in
// session-relative time. Word timings arrive utterance-relative and are
// shifted here.
func (a *assembler) Add(utt *utterance, tr engine.Transcription) types.Segment {
	text := a.corrector.CorrectText(tr.Text)

	var words []types.Word
	if len(tr.Words) > 0 {
		words = make([]types.Word, len(tr.Words))
		copy(words, tr.Words)
		a.corrector.CorrectWords(words)
		offset := utt.Start.Seconds()
		for i := range words {
			words[i].Start += offset
			words[i].End += offset
		}
	}

	seg := types.Segment{
		Start:      utt.Start.Seconds(),
		End:        utt.End.Seconds(),
		Text:       text,
		Confidence: tr.Confidence,
		Words:      words,
	}
	a.segments = append(a.segments, seg)
	a.speech += utt.End - utt.Start
	return seg
}

// Correct runs the current corrector over interim text without recording it.
func (a *assembler) Correct(text string) string {
	return a.corrector.CorrectText(text)
}

// Transcript joins all finalized segment texts in order.
func (a *assembler) Transcript() string {
	var out string
	for i, s := range a.segments {
		if i > 0 {
			out += " "
		}
		out += s.Text
	}
	return out
}

// Segments returns the finalized segments in arrival order.
func (a *assembler) Segments() []types.Segment {
	return a.segments
}

// SpeechDuration is the summed duration of all finalized utterances.
func (a *assembler) SpeechDuration() time.Duration {
	return a.speech
}
