// Package llm defines the language-model seam used by the agent engine.
// Implementations live in subpackages (openai, anyllm) plus a mock for
// tests.
package llm

import "context"

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishReasonError is the synthetic finish reason carried by the last
// chunk of a stream that failed. Chunk.Text holds the error text.
const FinishReasonError = "error"

// FinishReasonToolCalls is the finish reason carried by the last chunk of
// a stream that ended with the model requesting tool invocations.
const FinishReasonToolCalls = "tool_calls"

// Message is one chat message in a completion request.
type Message struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDefinition describes a callable tool offered to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// Chunk is one streamed fragment of a completion. ToolCalls, when
// present, are fully accumulated; providers reassemble fragmented tool
// call deltas before emitting them.
type Chunk struct {
	Text         string
	FinishReason string
	ToolCalls    []ToolCall
}

// Provider streams chat completions. The returned channel is closed when
// the stream ends; a stream failure is reported as a final chunk with
// FinishReason set to [FinishReasonError].
type Provider interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
