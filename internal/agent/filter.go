// Package agent turns language-model output into conversation turns. The
// engine streams completions sentence by sentence, runs tool calls, and
// filters each sentence into a speakable form before synthesis.
package agent

import (
	"strings"
	"unicode"

	"github.com/korahq/kora/internal/conversation"
)

// DefaultExpressions is the stock set of emotion tags the filter
// recognises. Tags are matched case-insensitively inside square brackets,
// e.g. "[joy] Hello!".
var DefaultExpressions = []string{
	"neutral", "joy", "sadness", "anger", "fear",
	"surprise", "disgust", "smirk",
}

// Filter extracts emotion tags from model output and reduces the text to
// a form a speech synthesiser can pronounce. It is read-only after
// construction and safe for concurrent use.
type Filter struct {
	known map[string]struct{}
}

// NewFilter creates a filter recognising the given emotion tags.
// With no arguments it uses [DefaultExpressions].
func NewFilter(expressions ...string) *Filter {
	if len(expressions) == 0 {
		expressions = DefaultExpressions
	}
	known := make(map[string]struct{}, len(expressions))
	for _, e := range expressions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			known[e] = struct{}{}
		}
	}
	return &Filter{known: known}
}

// Process splits one sentence of model output into its display form, its
// speakable form, and any extracted expression actions.
//
// The display form keeps stage directions like *waves* but drops emotion
// tags. The speakable form additionally strips every bracketed section
// ( *…*, (…), […], <…>, nesting included ) and all runes a synthesiser
// cannot voice, then collapses whitespace.
func (f *Filter) Process(text string) (display, speakable string, actions *conversation.Actions) {
	withoutTags, expressions := f.extractExpressions(text)

	display = collapseWhitespace(withoutTags)
	speakable = collapseWhitespace(dropUnspeakable(stripMarkup(withoutTags)))

	if len(expressions) > 0 {
		actions = &conversation.Actions{Expressions: expressions}
	}
	return display, speakable, actions
}

// extractExpressions removes recognised [emotion] tags from text and
// returns them in order of appearance. Unrecognised bracketed text is
// left in place for stripMarkup to handle.
func (f *Filter) extractExpressions(text string) (string, []string) {
	var (
		out         strings.Builder
		expressions []string
	)

	for {
		open := strings.IndexByte(text, '[')
		if open < 0 {
			out.WriteString(text)
			break
		}
		closing := strings.IndexByte(text[open:], ']')
		if closing < 0 {
			out.WriteString(text)
			break
		}
		closing += open

		tag := strings.ToLower(strings.TrimSpace(text[open+1 : closing]))
		if _, ok := f.known[tag]; ok {
			out.WriteString(text[:open])
			expressions = append(expressions, tag)
		} else {
			out.WriteString(text[:closing+1])
		}
		text = text[closing+1:]
	}

	return out.String(), expressions
}

// stripMarkup removes bracketed sections the model uses for stage
// directions: *action*, (aside), [note] and <meta>. Paired bracket types
// nest; asterisks toggle.
func stripMarkup(text string) string {
	var (
		out      strings.Builder
		inStar   bool
		depths   = map[rune]int{'(': 0, '[': 0, '<': 0}
		closerOf = map[rune]rune{')': '(', ']': '[', '>': '<'}
	)

	inside := func() bool {
		return inStar || depths['('] > 0 || depths['['] > 0 || depths['<'] > 0
	}

	for _, r := range text {
		switch r {
		case '*':
			inStar = !inStar
			continue
		case '(', '[', '<':
			depths[r]++
			continue
		case ')', ']', '>':
			open := closerOf[r]
			if depths[open] > 0 {
				depths[open]--
				continue
			}
			// Unbalanced closer outside any section, e.g. "a > b".
		}
		if !inside() {
			out.WriteRune(r)
		}
	}

	return out.String()
}

// dropUnspeakable removes runes a synthesiser has no pronunciation for,
// such as emoji and dingbats. Letters, digits, punctuation and spaces
// survive.
func dropUnspeakable(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsPunct(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, text)
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
