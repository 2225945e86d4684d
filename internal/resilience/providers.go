package resilience

import (
	"context"

	"github.com/korahq/kora/pkg/provider/llm"
	"github.com/korahq/kora/pkg/provider/stt"
	"github.com/korahq/kora/pkg/provider/tts"
)

// Compile-time interface checks for the provider wrappers.
var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
)

// LLMFallback exposes a [FallbackGroup] of chat providers as a single
// llm.Provider. A turn that fails on the primary restarts on the next
// healthy provider; partial output from the failed attempt is discarded.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback wraps group.
func NewLLMFallback(group *FallbackGroup[llm.Provider]) *LLMFallback {
	return &LLMFallback{group: group}
}

// StreamCompletion implements llm.Provider.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// TTSFallback exposes a [FallbackGroup] of speech synthesisers as a
// single tts.Provider. SampleRate reports the primary's rate; fallback
// synthesisers should be configured to match it.
type TTSFallback struct {
	group      *FallbackGroup[tts.Provider]
	sampleRate int
}

// NewTTSFallback wraps group. primaryRate is the sample rate reported to
// callers.
func NewTTSFallback(group *FallbackGroup[tts.Provider], primaryRate int) *TTSFallback {
	return &TTSFallback{group: group, sampleRate: primaryRate}
}

// Synthesize implements tts.Provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text)
	})
}

// SampleRate implements tts.Provider.
func (f *TTSFallback) SampleRate() int { return f.sampleRate }

// STTFallback exposes a [FallbackGroup] of transcribers as a single
// stt.Provider.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTFallback wraps group.
func NewSTTFallback(group *FallbackGroup[stt.Provider]) *STTFallback {
	return &STTFallback{group: group}
}

// Transcribe implements stt.Provider.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, sampleRate)
	})
}
