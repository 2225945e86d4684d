// Package mock provides a scriptable conversation.Engine for handler and
// flow tests.
package mock

import (
	"context"
	"sync"

	"github.com/korahq/kora/internal/conversation"
)

// Compile-time assertion that Engine satisfies conversation.Engine.
var _ conversation.Engine = (*Engine)(nil)

// Engine replays scripted outputs per Chat call and records every request
// and interrupt it receives. The last script repeats once the queue is
// exhausted.
type Engine struct {
	mu         sync.Mutex
	scripts    [][]conversation.AgentOutput
	calls      []conversation.ChatRequest
	interrupts []string
	chatErr    error
	hold       bool
}

// New creates a mock engine replaying the given scripts in order.
func New(scripts ...[]conversation.AgentOutput) *Engine {
	return &Engine{scripts: scripts}
}

// Say builds a script of plain sentences, one output per text.
func Say(texts ...string) []conversation.AgentOutput {
	outputs := make([]conversation.AgentOutput, len(texts))
	for i, t := range texts {
		outputs[i] = conversation.Sentence{DisplayText: t, TTSText: t}
	}
	return outputs
}

// FailWith makes every Chat call return err immediately.
func (e *Engine) FailWith(err error) {
	e.mu.Lock()
	e.chatErr = err
	e.mu.Unlock()
}

// Hold makes each Chat stream stay open after its script until the
// context is cancelled. Used to test interruption mid-turn.
func (e *Engine) Hold(on bool) {
	e.mu.Lock()
	e.hold = on
	e.mu.Unlock()
}

// Calls returns the recorded Chat requests.
func (e *Engine) Calls() []conversation.ChatRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]conversation.ChatRequest(nil), e.calls...)
}

// Interrupts returns the partial texts passed to HandleInterrupt.
func (e *Engine) Interrupts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.interrupts...)
}

// Chat implements conversation.Engine.
func (e *Engine) Chat(ctx context.Context, req conversation.ChatRequest) (<-chan conversation.AgentOutput, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	if e.chatErr != nil {
		err := e.chatErr
		e.mu.Unlock()
		return nil, err
	}
	var script []conversation.AgentOutput
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		if len(e.scripts) > 1 {
			e.scripts = e.scripts[1:]
		}
	}
	hold := e.hold
	e.mu.Unlock()

	out := make(chan conversation.AgentOutput, len(script)+1)
	go func() {
		defer close(out)
		for _, o := range script {
			select {
			case out <- o:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// HandleInterrupt implements conversation.Engine.
func (e *Engine) HandleInterrupt(_ context.Context, partial string) {
	e.mu.Lock()
	e.interrupts = append(e.interrupts, partial)
	e.mu.Unlock()
}
