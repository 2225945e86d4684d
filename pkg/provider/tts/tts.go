// Package tts defines the text-to-speech seam. Implementations live in
// subpackages (xtts) plus a mock for tests.
package tts

import "context"

// Provider renders speakable text to audio. Synthesize returns a
// complete WAV file; implementations are safe for concurrent use so
// multiple sentences can be rendered in parallel.
type Provider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	// SampleRate reports the sample rate of produced audio in Hz.
	SampleRate() int
}
