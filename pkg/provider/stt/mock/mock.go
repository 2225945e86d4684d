// Package mock provides a scriptable stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/korahq/kora/pkg/provider/stt"
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider returns a fixed transcript (or error) for every call.
type Provider struct {
	mu     sync.Mutex
	result string
	err    error
	calls  int
}

// New creates a mock that transcribes everything as result.
func New(result string) *Provider {
	return &Provider{result: result}
}

// FailWith makes every call return err.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Calls reports how many transcriptions were requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.result, p.err
}
