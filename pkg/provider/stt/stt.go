// Package stt defines the speech-to-text seam. Implementations live in
// subpackages (whispercpp) plus a mock for tests.
package stt

import "context"

// Provider transcribes a complete captured utterance. pcm is interleaved
// 16-bit little-endian PCM at the given sample rate; the client sends
// one buffer per mic-audio-end trigger, so there is no streaming session
// to manage here.
type Provider interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}
