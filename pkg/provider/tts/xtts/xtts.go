// Package xtts provides a tts.Provider backed by a Coqui XTTS server's
// HTTP API (POST /tts_to_audio/).
package xtts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/korahq/kora/pkg/provider/tts"
)

// defaultSampleRate is what XTTS v2 produces.
const defaultSampleRate = 24000

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider calls an XTTS server over HTTP. Safe for concurrent use; the
// server itself queues requests.
type Provider struct {
	baseURL    string
	speakerWav string
	language   string
	sampleRate int
	client     *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithSpeakerWav sets the reference voice sample path passed to the
// server for voice cloning.
func WithSpeakerWav(path string) Option {
	return func(p *Provider) { p.speakerWav = path }
}

// WithLanguage sets the synthesis language code. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		if lang != "" {
			p.language = lang
		}
	}
}

// WithSampleRate overrides the reported output sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an XTTS provider talking to baseURL, for example
// "http://localhost:8020".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("xtts: baseURL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("xtts: invalid baseURL: %w", err)
	}

	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   "en",
		sampleRate: defaultSampleRate,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesisRequest is the JSON body of POST /tts_to_audio/.
type synthesisRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav,omitempty"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Provider. The server responds with a
// complete WAV file.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("xtts: text must not be empty")
	}

	body, err := json.Marshal(synthesisRequest{
		Text:       text,
		SpeakerWav: p.speakerWav,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("xtts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("xtts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xtts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("xtts: server returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("xtts: read audio: %w", err)
	}
	if len(wav) == 0 {
		return nil, fmt.Errorf("xtts: server returned empty audio")
	}
	return wav, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return p.sampleRate }
