package transcript

import "testing"

func TestCorrectSingleWord(t *testing.T) {
	t.Parallel()
	c := New([]string{"Elderwood"})

	got := c.Correct("I visited elderwould today.")
	want := "I visited Elderwood today."
	if got != want {
		t.Errorf("Correct() = %q, want %q", got, want)
	}
}

func TestCorrectPreservesPunctuation(t *testing.T) {
	t.Parallel()
	c := New([]string{"Elderwood"})

	got := c.Correct("Welcome to elderwould, friend.")
	want := "Welcome to Elderwood, friend."
	if got != want {
		t.Errorf("Correct() = %q, want %q", got, want)
	}
}

func TestCorrectLeavesExactMatchAlone(t *testing.T) {
	t.Parallel()
	c := New([]string{"Elderwood"})

	// An already-correct word keeps its original capitalisation.
	in := "elderwood is lovely."
	if got := c.Correct(in); got != in {
		t.Errorf("Correct() = %q, want unchanged", got)
	}
}

func TestCorrectMultiWordTerm(t *testing.T) {
	t.Parallel()
	c := New([]string{"Neon District"})

	got := c.Correct("meet me at nion distrikt tonight")
	want := "meet me at Neon District tonight"
	if got != want {
		t.Errorf("Correct() = %q, want %q", got, want)
	}
}

func TestCorrectLeavesUnrelatedTextAlone(t *testing.T) {
	t.Parallel()
	c := New([]string{"Elderwood", "Neon District"})

	in := "the quick brown fox jumps."
	if got := c.Correct(in); got != in {
		t.Errorf("Correct() = %q, want unchanged", got)
	}
}

func TestCorrectEmptyVocabulary(t *testing.T) {
	t.Parallel()
	c := New(nil)

	in := "anything at all"
	if got := c.Correct(in); got != in {
		t.Errorf("Correct() = %q, want unchanged", got)
	}
}

func TestCorrectEmptyInput(t *testing.T) {
	t.Parallel()
	c := New([]string{"Elderwood"})

	if got := c.Correct(""); got != "" {
		t.Errorf("Correct(\"\") = %q", got)
	}
	if got := c.Correct("   "); got != "   " {
		t.Errorf("Correct(blank) = %q", got)
	}
}

func TestCorrectBlankVocabularyEntriesIgnored(t *testing.T) {
	t.Parallel()
	c := New([]string{"", "  ", "Elderwood"})

	got := c.Correct("elderwould")
	if got != "Elderwood" {
		t.Errorf("Correct() = %q, want %q", got, "Elderwood")
	}
}

func TestCorrectThresholds(t *testing.T) {
	t.Parallel()

	// With near-impossible thresholds nothing is corrected.
	c := New([]string{"Elderwood"},
		WithPhoneticThreshold(0.99),
		WithFuzzyThreshold(0.999),
	)
	in := "I visited elderwould today."
	if got := c.Correct(in); got != in {
		t.Errorf("Correct() = %q, want unchanged under strict thresholds", got)
	}
}
