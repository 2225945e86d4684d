package conversation

import "context"

// This file defines the collaborator seams the orchestration core talks
// to. Concrete implementations live in internal/agent, pkg/provider and
// pkg/memory; the interfaces are declared here, on the consumer side, so
// the core can be exercised with in-package fakes.

// Sentence is one complete sentence produced by the agent. DisplayText is
// what the frontend renders; TTSText is the filtered speakable form fed
// to synthesis.
type Sentence struct {
	DisplayText string
	TTSText     string
	Actions     *Actions
}

// AudioSegment is pre-rendered audio emitted by the agent, for example
// from a speech-to-speech model. It bypasses synthesis but still flows
// through the ordered delivery path.
type AudioSegment struct {
	WAV         []byte
	DisplayText string
	Actions     *Actions
	SampleRate  int
}

// ToolStatus reports progress of a tool invocation. It is forwarded to
// the client verbatim, outside the audio sequence.
type ToolStatus struct {
	Tool   string
	Status string
	Detail string
}

// Failure terminates an agent stream with an error. No further outputs
// follow it.
type Failure struct {
	Err error
}

// AgentOutput is the union of values an agent stream may yield: Sentence,
// AudioSegment, ToolStatus or Failure.
type AgentOutput interface {
	agentOutput()
}

func (Sentence) agentOutput()     {}
func (AudioSegment) agentOutput() {}
func (ToolStatus) agentOutput()   {}
func (Failure) agentOutput()      {}

// ChatRequest is one batched conversation turn handed to the agent.
type ChatRequest struct {
	// Input is the normalized user input. May be empty for proactive
	// turns where Prompt drives the generation.
	Input string
	// History holds recent "Speaker: text" lines for context.
	History []string
	// Memory holds retrieved long-term memory snippets.
	Memory []string
	// Speaker identifies who is producing this turn. Used in group
	// conversations where several personas share one engine.
	Speaker string
}

// Engine produces a lazy stream of outputs for one turn. The returned
// channel is closed when the stream ends; a Failure, if any, is the last
// element. Cancelling ctx stops generation.
type Engine interface {
	Chat(ctx context.Context, req ChatRequest) (<-chan AgentOutput, error)
	// HandleInterrupt informs the engine that the previous response was
	// cut off after partial was heard, so it can keep its own context
	// consistent.
	HandleInterrupt(ctx context.Context, partial string)
}

// Transcriber converts captured speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Corrector post-processes recognized text, fixing misheard vocabulary.
type Corrector interface {
	Correct(text string) string
}

// HistoryStore persists the per-client chat transcript. Marker annotates
// an assistant line that ended abnormally, for example "[Interrupted by
// user]" or "[error]".
type HistoryStore interface {
	AppendUser(ctx context.Context, clientID, text string) error
	AppendAssistant(ctx context.Context, clientID, text, marker string) error
	Recent(ctx context.Context, clientID string, limit int) ([]string, error)
}

// MemoryIndex is the long-term memory seam. Ingest stores one completed
// exchange; Retrieve returns the snippets most relevant to query.
type MemoryIndex interface {
	Ingest(ctx context.Context, clientID, userText, assistantText string) error
	Retrieve(ctx context.Context, clientID, query string, topK int) ([]string, error)
}

// Synthesizer renders speakable text to WAV audio, returning the encoded
// bytes and the sample rate.
type Synthesizer func(ctx context.Context, text string) (wav []byte, sampleRate int, err error)
