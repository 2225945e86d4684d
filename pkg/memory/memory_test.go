package memory

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

func TestFormatLine(t *testing.T) {
	t.Parallel()

	if got := FormatLine("User", "hello", ""); got != "User: hello" {
		t.Errorf("FormatLine() = %q", got)
	}
	if got := FormatLine("Kora", "hi", "[Interrupted by user]"); got != "Kora: hi [Interrupted by user]" {
		t.Errorf("FormatLine() = %q", got)
	}
}

func TestInMemoryHistoryAppendAndRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryHistory("Nova")

	if err := s.AppendUser(ctx, "c1", "hello"); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	if err := s.AppendAssistant(ctx, "c1", "hi there", ""); err != nil {
		t.Fatalf("AppendAssistant: %v", err)
	}

	got, err := s.Recent(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"User: hello", "Nova: hi there"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recent() = %v, want %v", got, want)
	}
}

func TestInMemoryHistoryRecentLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryHistory("Nova")

	for i := range 5 {
		_ = s.AppendUser(ctx, "c1", fmt.Sprintf("line %d", i))
	}

	got, _ := s.Recent(ctx, "c1", 2)
	want := []string{"User: line 3", "User: line 4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recent(2) = %v, want %v", got, want)
	}

	// A non-positive limit returns everything.
	all, _ := s.Recent(ctx, "c1", 0)
	if len(all) != 5 {
		t.Errorf("Recent(0) returned %d lines", len(all))
	}
}

func TestInMemoryHistoryTrims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryHistory("Nova")

	for i := range maxLines + 1 {
		_ = s.AppendUser(ctx, "c1", fmt.Sprintf("line %d", i))
	}

	got, _ := s.Recent(ctx, "c1", 0)
	if len(got) != trimTo {
		t.Fatalf("kept %d lines after trim, want %d", len(got), trimTo)
	}
	// The newest lines survive.
	if got[len(got)-1] != fmt.Sprintf("User: line %d", maxLines) {
		t.Errorf("last line %q", got[len(got)-1])
	}
}

func TestInMemoryHistorySkipsBlankLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryHistory("Nova")

	_ = s.AppendUser(ctx, "c1", "   ")
	_ = s.AppendAssistant(ctx, "c1", "", "")

	if got, _ := s.Recent(ctx, "c1", 0); len(got) != 0 {
		t.Errorf("blank lines recorded: %v", got)
	}

	// A blank assistant line with a marker still records the marker.
	_ = s.AppendAssistant(ctx, "c1", "", "[error]")
	got, _ := s.Recent(ctx, "c1", 0)
	if len(got) != 1 || got[0] != "Nova:  [error]" {
		t.Errorf("marker-only line %v", got)
	}
}

func TestInMemoryHistoryIsolatesClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryHistory("")

	_ = s.AppendUser(ctx, "c1", "one")
	_ = s.AppendAssistant(ctx, "c2", "two", "")

	c1, _ := s.Recent(ctx, "c1", 0)
	c2, _ := s.Recent(ctx, "c2", 0)
	if len(c1) != 1 || len(c2) != 1 {
		t.Fatalf("c1=%v c2=%v", c1, c2)
	}
	if c2[0] != "Assistant: two" {
		t.Errorf("default persona line %q", c2[0])
	}
}
