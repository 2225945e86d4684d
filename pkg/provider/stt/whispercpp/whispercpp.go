// Package whispercpp provides an stt.Provider backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/korahq/kora/pkg/audio"
	"github.com/korahq/kora/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	// whisper.cpp operates on 16 kHz mono input.
	whisperSampleRate = 16000
	// Utterances quieter than this RMS level are treated as silence and
	// skipped without running inference.
	silenceRMS = 120.0
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider loads a whisper model once and shares it across all
// transcriptions. Each call creates its own whisper context, so
// concurrent transcriptions do not interfere.
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLanguage sets the transcription language code ("en", "de", ...).
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		if lang != "" {
			p.language = lang
		}
	}
}

// New loads the whisper.cpp model at modelPath. The caller must Close
// the provider when done.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	if sampleRate <= 0 {
		sampleRate = whisperSampleRate
	}

	samples := audio.BytesToPCM(pcm)
	if audio.RMS(samples) < silenceRMS {
		slog.Debug("utterance below silence threshold, skipping inference")
		return "", nil
	}
	if sampleRate != whisperSampleRate {
		samples = audio.ResampleMono(samples, sampleRate, whisperSampleRate)
	}
	floats := audio.ToFloat32Mono(samples, 1)

	// Contexts are cheap but not thread safe; the shared model is.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using default",
			"language", p.language, "error", err)
	}
	if err := wctx.Process(floats, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
