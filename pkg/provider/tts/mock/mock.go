// Package mock provides a deterministic tts.Provider for tests and for
// running without a synthesis backend.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/korahq/kora/pkg/audio"
	"github.com/korahq/kora/pkg/provider/tts"
)

const sampleRate = 24000

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider fabricates short silent WAV clips whose duration scales with
// the text length. Delay and failure injection make it useful for
// exercising the ordered delivery path.
type Provider struct {
	mu    sync.Mutex
	delay func(text string) time.Duration
	fail  func(text string) error
	calls []string
}

// New creates a mock synthesizer.
func New() *Provider { return &Provider{} }

// DelayFunc installs a per-call artificial delay.
func (p *Provider) DelayFunc(f func(text string) time.Duration) {
	p.mu.Lock()
	p.delay = f
	p.mu.Unlock()
}

// FailFunc installs a per-call failure injector.
func (p *Provider) FailFunc(f func(text string) error) {
	p.mu.Lock()
	p.fail = f
	p.mu.Unlock()
}

// Calls returns the texts synthesized so far.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, text)
	delay := p.delay
	fail := p.fail
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-time.After(delay(text)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(text); err != nil {
			return nil, err
		}
	}

	// 10 ms of silence per character, at least one frame.
	frames := len(text) * sampleRate / 100
	if frames == 0 {
		frames = sampleRate / 100
	}
	return audio.EncodeWAV(make([]int16, frames), sampleRate, 1), nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return sampleRate }
