// Package transcript corrects speech-to-text output against a known
// vocabulary using Double Metaphone phonetic encoding combined with
// Jaro-Winkler string similarity.
//
// The algorithm proceeds in two stages per token window:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed
//     for each word in the window and for each vocabulary term. If any
//     code overlaps, the term becomes a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity wins, provided its score exceeds
//     the phonetic threshold. When no phonetic candidate is found, a
//     secondary pass tests pure Jaro-Winkler similarity against all
//     terms using a higher fuzzy threshold.
//
// Multi-word terms (e.g. "Neon District") are supported: the corrector
// slides n-gram windows over the transcript, preferring the longest
// matching window at each position.
package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for
// a phonetically-matched term to be accepted. Default: 0.70.
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

// term is a prepared vocabulary entry with its phonetic codes computed
// once at construction time.
type term struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Corrector replaces misheard words in a transcript with the closest
// vocabulary term. It is read-only after construction and safe for
// concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	terms             []term
	maxTermWords      int
}

// New returns a [Corrector] over the given vocabulary. Blank entries are
// ignored. An empty vocabulary yields a corrector that returns its input
// unchanged.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		maxTermWords:      1,
	}
	for _, o := range opts {
		o(c)
	}

	for _, v := range vocabulary {
		canonical := strings.TrimSpace(v)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		c.terms = append(c.terms, term{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		if len(tokens) > c.maxTermWords {
			c.maxTermWords = len(tokens)
		}
	}
	return c
}

// Correct replaces vocabulary matches in text and returns the corrected
// transcript. Punctuation adjoining matched words is preserved. Text
// without any match is returned unchanged.
func (c *Corrector) Correct(text string) string {
	if len(c.terms) == 0 {
		return text
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text
	}

	var output []string
	i := 0
	for i < len(tokens) {
		maxN := c.maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := tokens[i : i+n]
			stripped, lead, trail := stripWindow(window)
			if stripped == "" {
				continue
			}

			replacement, ok := c.match(stripped)
			if !ok {
				continue
			}

			output = append(output, lead+replacement+trail)
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " ")
}

// match finds the best vocabulary term for the (lowercased, punctuation
// stripped) window. Only terms with the same word count as the window are
// considered; without that restriction a window like "at neon" would
// match "Neon District" on the strength of one shared word and swallow
// the word before it. It returns the term's canonical spelling.
func (c *Corrector) match(window string) (string, bool) {
	windowTokens := strings.Fields(window)
	inputCodes := codesForTokens(windowTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)

	for _, t := range c.terms {
		if len(t.tokens) != len(windowTokens) {
			continue
		}
		// An exact match needs no correction; leave the original token
		// so its capitalisation survives.
		if window == t.lower {
			return "", false
		}

		phonetic := codesOverlap(inputCodes, t.codes)
		score := bestJWScore(windowTokens, t.tokens, window, t.lower)

		if phonetic {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
		} else if !bestPhonetic {
			if score >= c.fuzzyThreshold && score > bestScore {
				best, bestScore = t.canonical, score
			}
		}
	}

	return best, best != ""
}

// stripWindow lowercases the window and splits off leading punctuation of
// the first token and trailing punctuation of the last, so "Elderwood,"
// matches the term "Elderwood" and the comma survives correction.
func stripWindow(window []string) (stripped, lead, trail string) {
	first := window[0]
	last := window[len(window)-1]

	cut := strings.TrimLeftFunc(first, unicode.IsPunct)
	lead = first[:len(first)-len(cut)]

	if len(window) == 1 {
		last = cut
	}
	core := strings.TrimRightFunc(last, unicode.IsPunct)
	trail = last[len(core):]

	parts := make([]string, len(window))
	copy(parts, window)
	parts[0] = strings.TrimLeftFunc(parts[0], unicode.IsPunct)
	parts[len(parts)-1] = strings.TrimRightFunc(parts[len(parts)-1], unicode.IsPunct)

	return strings.ToLower(strings.TrimSpace(strings.Join(parts, " "))), lead, trail
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
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

// bestJWScore computes the highest Jaro-Winkler similarity between the
// input window and the term, scoring both the full strings and their
// space-stripped forms so spacing differences do not depress the score.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	return score
}
