// Package vocab corrects transcribed tokens against a session vocabulary
// using Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the token and for each vocabulary term. A term whose code set overlaps
//     the token's becomes a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (case-insensitive) is selected,
//     provided its score exceeds the phonetic threshold. When no phonetic
//     candidate exists, a secondary pass tests pure Jaro-Winkler similarity
//     against all terms using a higher fuzzy threshold.
package vocab

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/dalstonhq/dalston/pkg/types"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// term is one vocabulary entry with its precomputed phonetic codes.
type term struct {
	text  string
	codes map[string]struct{}
}

// Corrector rewrites misrecognized tokens to their closest vocabulary term.
// Read-only after construction; safe for concurrent use.
type Corrector struct {
	terms             []term
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a corrector over the given vocabulary. A nil or empty
// vocabulary yields a corrector that never rewrites.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		c.terms = append(c.terms, term{text: v, codes: codes(strings.ToLower(v))})
	}
	return c
}

// Match finds the vocabulary term most phonetically similar to token. When
// matched is false, corrected equals token unchanged and confidence is 0.
func (c *Corrector) Match(token string) (corrected string, confidence float64, matched bool) {
	token = strings.TrimSpace(token)
	if len(c.terms) == 0 || token == "" {
		return token, 0, false
	}
	lower := strings.ToLower(token)
	if c.isTerm(lower) {
		return token, 0, false
	}
	tokenCodes := codes(lower)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range c.terms {
		score := matchr.JaroWinkler(lower, strings.ToLower(t.text), false)
		if codesOverlap(tokenCodes, t.codes) {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.text, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			best, bestScore = t.text, score
		}
	}
	if best == "" {
		return token, 0, false
	}
	return best, bestScore, true
}

// CorrectText rewrites each whitespace-separated token of text, preserving
// leading and trailing punctuation.
func (c *Corrector) CorrectText(text string) string {
	if len(c.terms) == 0 || text == "" {
		return text
	}
	fields := strings.Fields(text)
	for i, f := range fields {
		fields[i] = c.correctToken(f)
	}
	return strings.Join(fields, " ")
}

// CorrectWords rewrites the token of each word in place, leaving timings
// untouched.
func (c *Corrector) CorrectWords(words []types.Word) {
	if len(c.terms) == 0 {
		return
	}
	for i := range words {
		words[i].Word = c.correctToken(words[i].Word)
	}
}

func (c *Corrector) correctToken(token string) string {
	core := strings.TrimFunc(token, isPunct)
	if core == "" {
		return token
	}
	corrected, _, matched := c.Match(core)
	if !matched {
		return token
	}
	head := token[:strings.Index(token, core)]
	tail := token[strings.Index(token, core)+len(core):]
	return head + corrected + tail
}

// isTerm reports whether the lowercase token already is a vocabulary entry.
func (c *Corrector) isTerm(lower string) bool {
	for _, t := range c.terms {
		if strings.ToLower(t.text) == lower {
			return true
		}
	}
	return false
}

func isPunct(r rune) bool {
	return strings.ContainsRune(".,!?;:'\"()[]", r)
}

// codes returns the Double Metaphone code set of a lowercase token. Empty
// codes (token too short or without consonants) are excluded.
func codes(token string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		out[p] = struct{}{}
	}
	if s != "" {
		out[s] = struct{}{}
	}
	return out
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
