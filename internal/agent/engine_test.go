package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/korahq/kora/internal/conversation"
	"github.com/korahq/kora/pkg/provider/llm"
	llmmock "github.com/korahq/kora/pkg/provider/llm/mock"
)

// fakeToolHost records calls and returns canned results.
type fakeToolHost struct {
	mu     sync.Mutex
	defs   []llm.ToolDefinition
	calls  []string
	result string
	err    error
}

func (h *fakeToolHost) Definitions() []llm.ToolDefinition { return h.defs }

func (h *fakeToolHost) Call(_ context.Context, name, argsJSON string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name+"("+argsJSON+")")
	return h.result, h.err
}

func collect(t *testing.T, ch <-chan conversation.AgentOutput) []conversation.AgentOutput {
	t.Helper()
	var outputs []conversation.AgentOutput
	for o := range ch {
		outputs = append(outputs, o)
	}
	return outputs
}

func sentences(outputs []conversation.AgentOutput) []string {
	var texts []string
	for _, o := range outputs {
		if s, ok := o.(conversation.Sentence); ok {
			texts = append(texts, s.DisplayText)
		}
	}
	return texts
}

func TestChatStreamsSentences(t *testing.T) {
	t.Parallel()

	// Fragments arrive mid-sentence; the engine must cut at boundaries.
	provider := llmmock.NewText("Hello", " there. How", " are you? Good", ".")
	e := New(provider, "Be brief.")

	ch, err := e.Chat(context.Background(), conversation.ChatRequest{Input: "hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	got := sentences(collect(t, ch))
	want := []string{"Hello there.", "How are you?", "Good."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("sentences\n got %v\nwant %v", got, want)
	}
}

func TestChatBuildsContext(t *testing.T) {
	t.Parallel()

	provider := llmmock.NewText("Okay.")
	e := New(provider, "Base prompt.")

	ch, err := e.Chat(context.Background(), conversation.ChatRequest{
		Input:   "what now",
		History: []string{"User: earlier", "Kora: response"},
		Memory:  []string{"likes trains"},
		Speaker: "alice",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	collect(t, ch)

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider called %d times", len(calls))
	}
	req := calls[0]
	if !strings.HasPrefix(req.SystemPrompt, "Base prompt.") {
		t.Errorf("system prompt %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "replying to alice") {
		t.Errorf("speaker note missing from %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "- likes trains") {
		t.Errorf("memory missing from %q", req.SystemPrompt)
	}
	if len(req.Messages) != 3 || req.Messages[2].Content != "what now" {
		t.Errorf("messages %+v", req.Messages)
	}
	for _, m := range req.Messages {
		if m.Role != llm.RoleUser {
			t.Errorf("history message has role %q", m.Role)
		}
	}
}

func TestChatInterruptNoteConsumedOnce(t *testing.T) {
	t.Parallel()

	provider := llmmock.NewText("Okay.")
	e := New(provider, "Base.")
	e.HandleInterrupt(context.Background(), "I was saying")

	ch, _ := e.Chat(context.Background(), conversation.ChatRequest{Input: "one"})
	collect(t, ch)
	ch, _ = e.Chat(context.Background(), conversation.ChatRequest{Input: "two"})
	collect(t, ch)

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider called %d times", len(calls))
	}
	if !strings.Contains(calls[0].SystemPrompt, `interrupted by the user after: "I was saying"`) {
		t.Errorf("first prompt missing interrupt note: %q", calls[0].SystemPrompt)
	}
	if strings.Contains(calls[1].SystemPrompt, "interrupted") {
		t.Errorf("interrupt note not consumed: %q", calls[1].SystemPrompt)
	}
}

func TestChatRunsToolRound(t *testing.T) {
	t.Parallel()

	provider := llmmock.New(
		[]llm.Chunk{
			{Text: "Let me check. "},
			{FinishReason: llm.FinishReasonToolCalls, ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "weather", Arguments: `{"city":"Oslo"}`},
			}},
		},
		[]llm.Chunk{
			{Text: "It is sunny."},
			{FinishReason: "stop"},
		},
	)
	host := &fakeToolHost{
		defs:   []llm.ToolDefinition{{Name: "weather"}},
		result: "sunny, 21C",
	}
	e := New(provider, "Base.", WithToolHost(host))

	ch, err := e.Chat(context.Background(), conversation.ChatRequest{Input: "weather in oslo?"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	outputs := collect(t, ch)

	got := sentences(outputs)
	want := []string{"Let me check.", "It is sunny."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("sentences %v, want %v", got, want)
	}

	var statuses []string
	for _, o := range outputs {
		if ts, ok := o.(conversation.ToolStatus); ok {
			statuses = append(statuses, ts.Tool+":"+ts.Status)
		}
	}
	if strings.Join(statuses, "|") != "weather:running|weather:completed" {
		t.Errorf("tool statuses %v", statuses)
	}

	host.mu.Lock()
	calls := append([]string(nil), host.calls...)
	host.mu.Unlock()
	if len(calls) != 1 || calls[0] != `weather({"city":"Oslo"})` {
		t.Errorf("host calls %v", calls)
	}

	// The second completion carried the tool result back to the model.
	reqs := provider.Calls()
	if len(reqs) != 2 {
		t.Fatalf("provider called %d times, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleTool || last.Content != "sunny, 21C" || last.ToolCallID != "call-1" {
		t.Errorf("tool result message %+v", last)
	}
}

func TestChatToolFailureFeedsErrorBack(t *testing.T) {
	t.Parallel()

	provider := llmmock.New(
		[]llm.Chunk{
			{FinishReason: llm.FinishReasonToolCalls, ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "weather", Arguments: "{}"},
			}},
		},
		[]llm.Chunk{
			{Text: "I could not check."},
			{FinishReason: "stop"},
		},
	)
	host := &fakeToolHost{
		defs: []llm.ToolDefinition{{Name: "weather"}},
		err:  errors.New("upstream 500"),
	}
	e := New(provider, "Base.", WithToolHost(host))

	ch, _ := e.Chat(context.Background(), conversation.ChatRequest{Input: "weather?"})
	outputs := collect(t, ch)

	var failedStatus bool
	for _, o := range outputs {
		if ts, ok := o.(conversation.ToolStatus); ok && ts.Status == ToolStatusFailed {
			failedStatus = strings.Contains(ts.Detail, "upstream 500")
		}
	}
	if !failedStatus {
		t.Error("failed tool status not emitted")
	}

	reqs := provider.Calls()
	if len(reqs) != 2 {
		t.Fatalf("provider called %d times, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Content, "upstream 500") {
		t.Errorf("tool error message %+v", last)
	}
}

func TestChatToolRoundLimit(t *testing.T) {
	t.Parallel()

	provider := llmmock.New([]llm.Chunk{
		{FinishReason: llm.FinishReasonToolCalls, ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "loop", Arguments: "{}"},
		}},
	})
	host := &fakeToolHost{defs: []llm.ToolDefinition{{Name: "loop"}}, result: "again"}
	e := New(provider, "Base.", WithToolHost(host), WithMaxToolRounds(2))

	ch, _ := e.Chat(context.Background(), conversation.ChatRequest{Input: "go"})
	collect(t, ch)

	// Round limit 2 permits exactly one tool round: the second stream's
	// tool calls are dropped instead of looping forever.
	if reqs := provider.Calls(); len(reqs) != 2 {
		t.Errorf("provider called %d times, want 2", len(reqs))
	}
	host.mu.Lock()
	n := len(host.calls)
	host.mu.Unlock()
	if n != 1 {
		t.Errorf("host called %d times, want 1", n)
	}
}

func TestChatStreamError(t *testing.T) {
	t.Parallel()

	provider := llmmock.New([]llm.Chunk{
		{Text: "Partial. "},
		{FinishReason: llm.FinishReasonError, Text: "connection reset"},
	})
	e := New(provider, "Base.")

	ch, _ := e.Chat(context.Background(), conversation.ChatRequest{Input: "hi"})
	outputs := collect(t, ch)

	last := outputs[len(outputs)-1]
	f, ok := last.(conversation.Failure)
	if !ok {
		t.Fatalf("last output %T, want Failure", last)
	}
	if !strings.Contains(f.Err.Error(), "connection reset") {
		t.Errorf("failure %v", f.Err)
	}
}

func TestChatProviderError(t *testing.T) {
	t.Parallel()

	provider := llmmock.New()
	provider.FailWith(errors.New("no api key"))
	e := New(provider, "Base.")

	ch, err := e.Chat(context.Background(), conversation.ChatRequest{Input: "hi"})
	if err != nil {
		t.Fatalf("Chat should defer provider errors to the stream, got %v", err)
	}
	outputs := collect(t, ch)
	if len(outputs) != 1 {
		t.Fatalf("outputs %v", outputs)
	}
	if _, ok := outputs[0].(conversation.Failure); !ok {
		t.Fatalf("output %T, want Failure", outputs[0])
	}
}

func TestChatWithoutProvider(t *testing.T) {
	t.Parallel()

	e := New(nil, "Base.")
	if _, err := e.Chat(context.Background(), conversation.ChatRequest{Input: "hi"}); err == nil {
		t.Fatal("Chat without provider should fail")
	}
}
