package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/korahq/kora/internal/conversation"
	"github.com/korahq/kora/pkg/provider/llm"
)

const (
	defaultMaxToolRounds = 4
	outputBuf            = 16
)

// Tool call status values reported to the client.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// ToolHost exposes callable tools to the engine. The MCP host in
// internal/tools implements it.
type ToolHost interface {
	Definitions() []llm.ToolDefinition
	Call(ctx context.Context, name, argsJSON string) (string, error)
}

// Compile-time assertion that ChatEngine satisfies conversation.Engine.
var _ conversation.Engine = (*ChatEngine)(nil)

// ChatEngine implements [conversation.Engine] on top of a streaming LLM
// provider. Completions are cut at sentence boundaries so synthesis can
// begin before the model finishes, and tool call rounds run between
// completions with status updates streamed to the client.
//
// ChatEngine is safe for concurrent use; each Chat call runs its own
// stream.
type ChatEngine struct {
	provider     llm.Provider
	tools        ToolHost
	filter       *Filter
	log          *slog.Logger
	systemPrompt string
	maxRounds    int

	mu            sync.Mutex
	lastInterrupt string
}

// Option is a functional option for ChatEngine.
type Option func(*ChatEngine)

// WithToolHost attaches a tool host. Without one the model is offered no
// tools.
func WithToolHost(h ToolHost) Option {
	return func(e *ChatEngine) { e.tools = h }
}

// WithFilter overrides the default output filter.
func WithFilter(f *Filter) Option {
	return func(e *ChatEngine) { e.filter = f }
}

// WithLogger sets the engine's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *ChatEngine) { e.log = log }
}

// WithMaxToolRounds bounds consecutive tool call rounds within one turn.
// Default: 4.
func WithMaxToolRounds(n int) Option {
	return func(e *ChatEngine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// New creates a ChatEngine speaking with the given system prompt.
func New(provider llm.Provider, systemPrompt string, opts ...Option) *ChatEngine {
	e := &ChatEngine{
		provider:     provider,
		filter:       NewFilter(),
		log:          slog.Default(),
		systemPrompt: systemPrompt,
		maxRounds:    defaultMaxToolRounds,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HandleInterrupt implements [conversation.Engine]. The partial reply is
// surfaced to the model on the next Chat call so it knows it was cut off.
func (e *ChatEngine) HandleInterrupt(_ context.Context, partial string) {
	e.mu.Lock()
	e.lastInterrupt = strings.TrimSpace(partial)
	e.mu.Unlock()
}

// Chat implements [conversation.Engine]. The returned channel closes when
// the turn's stream is exhausted; a stream failure arrives as a final
// [conversation.Failure] output.
func (e *ChatEngine) Chat(ctx context.Context, req conversation.ChatRequest) (<-chan conversation.AgentOutput, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("agent: no llm provider configured")
	}

	sys := e.buildSystemPrompt(req)
	msgs := buildMessages(req)

	var defs []llm.ToolDefinition
	if e.tools != nil {
		defs = e.tools.Definitions()
	}

	out := make(chan conversation.AgentOutput, outputBuf)
	go func() {
		defer close(out)
		e.run(ctx, sys, msgs, defs, out)
	}()
	return out, nil
}

// buildSystemPrompt assembles the system prompt for one turn: base
// persona instructions, the speaker note for group conversations, any
// retrieved memories, and the pending interrupt note (consumed here).
func (e *ChatEngine) buildSystemPrompt(req conversation.ChatRequest) string {
	var sb strings.Builder
	sb.WriteString(e.systemPrompt)

	if req.Speaker != "" {
		sb.WriteString("\n\nYou are replying to ")
		sb.WriteString(req.Speaker)
		sb.WriteString(" in a group conversation.")
	}

	if len(req.Memory) > 0 {
		sb.WriteString("\n\nRelevant memories from earlier conversations:\n")
		for _, m := range req.Memory {
			sb.WriteString("- ")
			sb.WriteString(m)
			sb.WriteString("\n")
		}
	}

	e.mu.Lock()
	interrupt := e.lastInterrupt
	e.lastInterrupt = ""
	e.mu.Unlock()
	if interrupt != "" {
		sb.WriteString("\n\nYour previous reply was interrupted by the user after: \"")
		sb.WriteString(interrupt)
		sb.WriteString("\". Do not repeat it.")
	}

	return sb.String()
}

// buildMessages converts the transcript window and current input into
// chat messages. History lines are pre-formatted as "Speaker: text".
func buildMessages(req conversation.ChatRequest) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+1)
	for _, line := range req.History {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: line})
	}
	if req.Input != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Input})
	}
	return msgs
}

// run executes the completion loop for one turn, including tool rounds.
func (e *ChatEngine) run(ctx context.Context, sys string, msgs []llm.Message, defs []llm.ToolDefinition, out chan<- conversation.AgentOutput) {
	emit := func(o conversation.AgentOutput) bool {
		select {
		case out <- o:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for round := 0; ; round++ {
		ch, err := e.provider.StreamCompletion(ctx, llm.CompletionRequest{
			SystemPrompt: sys,
			Messages:     msgs,
			Tools:        defs,
		})
		if err != nil {
			emit(conversation.Failure{Err: fmt.Errorf("agent: completion: %w", err)})
			return
		}

		final, failed := e.streamSentences(ctx, ch, emit)
		if failed || final == nil {
			return
		}

		if len(final.ToolCalls) == 0 {
			return
		}
		if e.tools == nil || round+1 >= e.maxRounds {
			e.log.Warn("tool calls dropped",
				"count", len(final.ToolCalls), "round", round)
			return
		}

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   final.text,
			ToolCalls: final.ToolCalls,
		})
		for _, tc := range final.ToolCalls {
			if !emit(conversation.ToolStatus{Tool: tc.Name, Status: ToolStatusRunning}) {
				return
			}
			result, err := e.tools.Call(ctx, tc.Name, tc.Arguments)
			if err != nil {
				e.log.Warn("tool call failed", "tool", tc.Name, "error", err)
				if !emit(conversation.ToolStatus{Tool: tc.Name, Status: ToolStatusFailed, Detail: err.Error()}) {
					return
				}
				result = "error: " + err.Error()
			} else if !emit(conversation.ToolStatus{Tool: tc.Name, Status: ToolStatusCompleted}) {
				return
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}
}

// finalChunk is the terminal state of one completion stream.
type finalChunk struct {
	text      string
	ToolCalls []llm.ToolCall
}

// streamSentences reads one completion stream, emitting filtered
// sentences as they complete. It returns the stream's terminal state, or
// failed=true when the stream errored (a Failure output has already been
// emitted).
func (e *ChatEngine) streamSentences(ctx context.Context, ch <-chan llm.Chunk, emit func(conversation.AgentOutput) bool) (final *finalChunk, failed bool) {
	var buf, full strings.Builder

	flush := func(s string) bool {
		display, speakable, actions := e.filter.Process(s)
		if display == "" && speakable == "" && actions == nil {
			return true
		}
		return emit(conversation.Sentence{
			DisplayText: display,
			TTSText:     speakable,
			Actions:     actions,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 && !flush(buf.String()) {
					return nil, false
				}
				return &finalChunk{text: full.String()}, false
			}

			if chunk.FinishReason == llm.FinishReasonError {
				emit(conversation.Failure{Err: errors.New(chunk.Text)})
				return nil, true
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				full.WriteString(chunk.Text)
			}

			// Flush complete sentences eagerly for lower synthesis latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
				buf.Reset()
				buf.WriteString(rest)
				if !flush(sentence) {
					return nil, false
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 && !flush(buf.String()) {
					return nil, false
				}
				return &finalChunk{text: full.String(), ToolCalls: chunk.ToolCalls}, false
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace. Returns -1 when s holds no complete
// sentence yet.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
