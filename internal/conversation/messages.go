// Package conversation implements the turn orchestration core: the sync
// gate for request/response rendezvous over the socket, the ordered TTS
// manager, single and group conversation flows, and the handler that
// routes inbound messages and enforces one active turn per client or
// group.
package conversation

import "context"

// Message type identifiers for the JSON wire protocol. Outbound messages
// are typed structs below; inbound messages are decoded into [Inbound].
const (
	TypeControl        = "control"
	TypeFullText       = "full-text"
	TypeTranscription  = "user-input-transcription"
	TypeAudioResponse  = "audio-response"
	TypeSynthComplete  = "backend-synth-complete"
	TypeForceNew       = "force-new-message"
	TypeInterruptSig   = "interrupt-signal"
	TypeToolCallStatus = "tool_call_status"
	TypeError          = "error"

	TypeTextInput        = "text-input"
	TypeMicAudioEnd      = "mic-audio-end"
	TypeAISpeakSignal    = "ai-speak-signal"
	TypePlaybackComplete = "frontend-playback-complete"
	TypeInterrupt        = "interrupt"
	TypeGroupJoin        = "group-join"
	TypeGroupLeave       = "group-leave"
)

// Control actions sent at turn boundaries.
const (
	ActionChainStart = "conversation-chain-start"
	ActionChainEnd   = "conversation-chain-end"
)

// SendFunc delivers one outbound message to a single recipient. The
// message is marshaled to JSON by the transport.
type SendFunc func(ctx context.Context, msg any) error

// Transport abstracts the connection layer the handler speaks through.
// Broadcast is failure tolerant: delivery errors to individual recipients
// are logged by the implementation and never abort the remaining sends.
type Transport interface {
	Send(ctx context.Context, clientID string, msg any) error
	Broadcast(ctx context.Context, clientIDs []string, msg any)
}

// Inbound is a decoded client message. Unknown fields are ignored so
// frontend additions do not break older servers.
type Inbound struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64 16-bit LE PCM
	RequestID string `json:"request_id,omitempty"`
	Group     string `json:"group,omitempty"`
}

// ControlMessage signals a turn lifecycle transition.
type ControlMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// Control builds a control message with the given action.
func Control(action string) ControlMessage {
	return ControlMessage{Type: TypeControl, Action: action}
}

// FullTextMessage carries display-only text, for example the thinking
// placeholder shown while the agent produces its first sentence.
type FullTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FullText builds a full-text message.
func FullText(text string) FullTextMessage {
	return FullTextMessage{Type: TypeFullText, Text: text}
}

// TranscriptionMessage echoes the recognized user input back to the
// client after speech-to-text.
type TranscriptionMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Transcription builds a user-input-transcription message.
func Transcription(text string) TranscriptionMessage {
	return TranscriptionMessage{Type: TypeTranscription, Text: text}
}

// AudioMessage is one ordered unit of synthesized speech. Audio is a
// base64 WAV payload; an empty Audio with DisplayText intact is the
// sentinel for a failed or skipped synthesis, so the frontend can still
// render the text at the right position.
type AudioMessage struct {
	Type        string   `json:"type"`
	Audio       string   `json:"audio"`
	DisplayText string   `json:"display_text"`
	Actions     *Actions `json:"actions,omitempty"`
	Sequence    int      `json:"sequence"`
	SampleRate  int      `json:"sample_rate,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// SynthCompleteMessage tells the frontend no further audio-response
// messages will arrive for the current turn.
type SynthCompleteMessage struct {
	Type string `json:"type"`
}

// SynthComplete builds a backend-synth-complete message.
func SynthComplete() SynthCompleteMessage {
	return SynthCompleteMessage{Type: TypeSynthComplete}
}

// ForceNewMessage instructs the frontend to start a fresh message bubble.
type ForceNewMessage struct {
	Type string `json:"type"`
}

// ForceNew builds a force-new-message message.
func ForceNew() ForceNewMessage {
	return ForceNewMessage{Type: TypeForceNew}
}

// InterruptSignalMessage notifies recipients that the current turn was
// cut short. Text carries the portion of the response heard so far.
type InterruptSignalMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// InterruptSignal builds an interrupt-signal message.
func InterruptSignal(heard string) InterruptSignalMessage {
	return InterruptSignalMessage{Type: TypeInterruptSig, Text: heard}
}

// ToolStatusMessage reports tool execution progress during a turn. It is
// delivered immediately, outside the ordered audio sequence.
type ToolStatusMessage struct {
	Type   string `json:"type"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ErrorMessage reports a turn failure to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error builds an error message.
func Error(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}

// Actions are presentation hints attached to a sentence, extracted from
// emotion tags in the agent's raw output.
type Actions struct {
	Expressions []string `json:"expressions,omitempty"`
}

// TurnMetadata carries per-turn flags. Proactive turns are initiated by
// the assistant itself and by default neither read nor write history or
// long-term memory.
type TurnMetadata struct {
	Proactive   bool
	SkipMemory  bool
	SkipHistory bool
}

// ProactiveMetadata is the metadata applied to ai-speak-signal turns.
func ProactiveMetadata() TurnMetadata {
	return TurnMetadata{Proactive: true, SkipMemory: true, SkipHistory: true}
}
