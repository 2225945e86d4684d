// Package mock provides a scriptable llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/korahq/kora/pkg/provider/llm"
)

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider is a scriptable LLM. Each StreamCompletion call pops the next
// scripted response; when the script is exhausted the last response
// repeats.
type Provider struct {
	mu        sync.Mutex
	responses [][]llm.Chunk
	calls     []llm.CompletionRequest
	err       error
}

// New creates a mock that streams the given chunk sequences, one per
// call.
func New(responses ...[]llm.Chunk) *Provider {
	return &Provider{responses: responses}
}

// NewText creates a mock whose single scripted response streams text in
// one chunk per element.
func NewText(fragments ...string) *Provider {
	chunks := make([]llm.Chunk, 0, len(fragments)+1)
	for _, f := range fragments {
		chunks = append(chunks, llm.Chunk{Text: f})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: "stop"})
	return New(chunks)
}

// FailWith makes every call return err immediately.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Calls returns all requests seen so far.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.calls...)
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	var script []llm.Chunk
	switch {
	case len(p.responses) == 0:
		script = []llm.Chunk{{FinishReason: "stop"}}
	case len(p.responses) == 1:
		script = p.responses[0]
	default:
		script = p.responses[0]
		p.responses = p.responses[1:]
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(script))
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
