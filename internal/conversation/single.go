package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Markers recorded next to assistant history lines that did not complete
// normally.
const (
	MarkerInterrupted = "[Interrupted by user]"
	MarkerError       = "[error]"
)

// turnProgress accumulates the response text produced so far, so an
// interrupt or failure can persist the partial. The persisted flag
// guards against the turn body and the interrupt path both writing the
// same line.
type turnProgress struct {
	mu        sync.Mutex
	parts     []string
	persisted bool
}

func (p *turnProgress) Add(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	p.mu.Lock()
	p.parts = append(p.parts, text)
	p.mu.Unlock()
}

func (p *turnProgress) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.parts, " ")
}

// TryMarkPersisted reports true exactly once per accumulated response.
func (p *turnProgress) TryMarkPersisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.persisted {
		return false
	}
	p.persisted = true
	return true
}

func (p *turnProgress) Reset() {
	p.mu.Lock()
	p.parts = nil
	p.persisted = false
	p.mu.Unlock()
}

// runSingleTurn executes one complete single-client conversation turn:
// normalize input, announce the chain, stream the agent response through
// ordered synthesis, finalize, and persist the exchange. Cleanup runs on
// every exit path.
func (h *Handler) runSingleTurn(ctx context.Context, client string, send SendFunc, in Inbound, meta TurnMetadata, progress *turnProgress) error {
	log := h.log.With("client", client)

	// The chain opens before transcription so the client shows activity
	// while STT runs; the transcription echo then lands inside the chain.
	if err := SendStartSignals(ctx, send); err != nil {
		return err
	}

	text, err := NormalizeInput(ctx, in, h.transcriber(), h.corrector, send)
	if err != nil {
		_ = send(ctx, Error("could not process your input"))
		_ = send(ctx, Control(ActionChainEnd))
		return err
	}
	if text == "" && !meta.Proactive {
		log.Debug("empty input, nothing to respond to")
		_ = send(ctx, Control(ActionChainEnd))
		return nil
	}

	mgr := h.newManager()
	defer CleanupTurn(mgr)

	var memorySnippets []string
	if h.memory != nil && !meta.SkipMemory {
		memorySnippets, err = h.memory.Retrieve(ctx, client, text, h.memoryTopK)
		if err != nil {
			log.Warn("memory retrieval failed, continuing without", "error", err)
			memorySnippets = nil
		}
	}

	var history []string
	if h.history != nil && !meta.SkipHistory {
		history, err = h.history.Recent(ctx, client, h.historyWindow)
		if err != nil {
			log.Warn("history fetch failed, continuing without", "error", err)
			history = nil
		}
	}

	if h.history != nil && !meta.SkipHistory && text != "" {
		if err := h.history.AppendUser(ctx, client, text); err != nil {
			log.Warn("failed to persist user input", "error", err)
		}
	}

	outputs, err := h.engine.Chat(ctx, ChatRequest{
		Input:   text,
		History: history,
		Memory:  memorySnippets,
		Speaker: h.persona,
	})
	if err != nil {
		_ = send(ctx, Error("the assistant is unavailable right now"))
		return fmt.Errorf("conversation: start chat: %w", err)
	}

	var failure error
stream:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-outputs:
			if !ok {
				break stream
			}
			switch o := out.(type) {
			case Sentence:
				progress.Add(o.DisplayText)
				if err := mgr.Speak(ctx, o, send); err != nil {
					return err
				}
			case AudioSegment:
				progress.Add(o.DisplayText)
				if err := mgr.SpeakAudio(ctx, o, send); err != nil {
					return err
				}
			case ToolStatus:
				if err := send(ctx, ToolStatusMessage{
					Type:   TypeToolCallStatus,
					Tool:   o.Tool,
					Status: o.Status,
					Detail: o.Detail,
				}); err != nil {
					log.Warn("failed to forward tool status", "tool", o.Tool, "error", err)
				}
			case Failure:
				failure = o.Err
				break stream
			}
		}
	}

	if failure != nil {
		_ = send(ctx, Error(failure.Error()))
		h.persistAssistant(ctx, client, progress, MarkerError, meta)
		return fmt.Errorf("conversation: agent stream: %w", failure)
	}

	h.persistAssistant(ctx, client, progress, "", meta)
	h.ingestMemory(ctx, client, text, progress.Text(), meta)

	if err := FinalizeTurn(ctx, send, mgr, h.gate, client, h.playbackTimeout); err != nil {
		return err
	}
	log.Debug("turn completed", "response_len", len(progress.Text()))
	return nil
}

// persistAssistant writes the accumulated response to history exactly
// once. Empty responses and turns flagged skip-history are not written.
func (h *Handler) persistAssistant(ctx context.Context, client string, progress *turnProgress, marker string, meta TurnMetadata) {
	if h.history == nil || meta.SkipHistory {
		return
	}
	full := progress.Text()
	if full == "" || !progress.TryMarkPersisted() {
		return
	}
	if err := h.history.AppendAssistant(ctx, client, full, marker); err != nil {
		h.log.Warn("failed to persist assistant response", "client", client, "error", err)
	}
}

// ingestMemory stores the completed exchange in long-term memory.
func (h *Handler) ingestMemory(ctx context.Context, client, userText, assistantText string, meta TurnMetadata) {
	if h.memory == nil || meta.SkipMemory || assistantText == "" {
		return
	}
	if err := h.memory.Ingest(ctx, client, userText, assistantText); err != nil {
		h.log.Warn("memory ingestion failed", "client", client, "error", err)
	}
}
