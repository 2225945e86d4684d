package agent

import (
	"reflect"
	"testing"
)

func TestFilterProcess(t *testing.T) {
	t.Parallel()

	f := NewFilter()

	tests := []struct {
		name        string
		in          string
		display     string
		speakable   string
		expressions []string
	}{
		{
			name:      "plain sentence",
			in:        "Hello there.",
			display:   "Hello there.",
			speakable: "Hello there.",
		},
		{
			name:        "emotion tag removed from both forms",
			in:          "[joy] Nice to see you!",
			display:     "Nice to see you!",
			speakable:   "Nice to see you!",
			expressions: []string{"joy"},
		},
		{
			name:        "tags are case insensitive and ordered",
			in:          "[JOY] Well... [Smirk] maybe.",
			display:     "Well... maybe.",
			speakable:   "Well... maybe.",
			expressions: []string{"joy", "smirk"},
		},
		{
			name:      "stage directions kept for display, stripped for speech",
			in:        "*waves enthusiastically* Hi!",
			display:   "*waves enthusiastically* Hi!",
			speakable: "Hi!",
		},
		{
			name:      "parentheses and angle brackets stripped for speech",
			in:        "Sure (I think) we can <quietly> try.",
			display:   "Sure (I think) we can <quietly> try.",
			speakable: "Sure we can try.",
		},
		{
			name:      "unknown bracket tag stripped for speech only",
			in:        "[sighs deeply] Fine.",
			display:   "[sighs deeply] Fine.",
			speakable: "Fine.",
		},
		{
			name:      "nested brackets",
			in:        "Yes ((really) truly) sure.",
			display:   "Yes ((really) truly) sure.",
			speakable: "Yes sure.",
		},
		{
			name:      "unbalanced closer passes through",
			in:        "2 > 1 is true.",
			display:   "2 > 1 is true.",
			speakable: "2 1 is true.",
		},
		{
			name:      "emoji dropped from speech",
			in:        "Great job \U0001F389 well done!",
			display:   "Great job \U0001F389 well done!",
			speakable: "Great job well done!",
		},
		{
			name:      "whitespace collapsed",
			in:        "Too   many\n\nspaces.",
			display:   "Too many spaces.",
			speakable: "Too many spaces.",
		},
		{
			name:        "tag only input",
			in:          "[neutral]",
			display:     "",
			speakable:   "",
			expressions: []string{"neutral"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			display, speakable, actions := f.Process(tt.in)
			if display != tt.display {
				t.Errorf("display %q, want %q", display, tt.display)
			}
			if speakable != tt.speakable {
				t.Errorf("speakable %q, want %q", speakable, tt.speakable)
			}
			var got []string
			if actions != nil {
				got = actions.Expressions
			}
			if !reflect.DeepEqual(got, tt.expressions) {
				t.Errorf("expressions %v, want %v", got, tt.expressions)
			}
		})
	}
}

func TestFilterCustomExpressions(t *testing.T) {
	t.Parallel()

	f := NewFilter("wink")
	_, _, actions := f.Process("[wink] Sure.")
	if actions == nil || len(actions.Expressions) != 1 || actions.Expressions[0] != "wink" {
		t.Fatalf("custom tag not recognised: %+v", actions)
	}

	// Stock tags are not recognised by a custom set; the bracketed text is
	// treated as stage direction instead.
	display, speakable, actions := f.Process("[joy] Hello.")
	if actions != nil {
		t.Errorf("stock tag recognised by custom filter: %+v", actions)
	}
	if display != "[joy] Hello." || speakable != "Hello." {
		t.Errorf("got display %q speakable %q", display, speakable)
	}
}
