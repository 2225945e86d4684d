package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/korahq/kora/pkg/provider/llm"
	llmmock "github.com/korahq/kora/pkg/provider/llm/mock"
	"github.com/korahq/kora/pkg/provider/stt"
	sttmock "github.com/korahq/kora/pkg/provider/stt/mock"
	"github.com/korahq/kora/pkg/provider/tts"
	ttsmock "github.com/korahq/kora/pkg/provider/tts/mock"
)

func TestFallbackGroupUsesPrimaryFirst(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup("primary", "primary", BreakerConfig{})
	g.AddFallback("secondary", "secondary")

	var used []string
	err := g.Execute(func(v string) error {
		used = append(used, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(used) != 1 || used[0] != "primary" {
		t.Errorf("used %v", used)
	}
}

func TestFallbackGroupFallsThrough(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup("primary", "primary", BreakerConfig{})
	g.AddFallback("secondary", "secondary")

	got, err := ExecuteWithResult(g, func(v string) (string, error) {
		if v == "primary" {
			return "", errors.New("primary down")
		}
		return "answer from " + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "answer from secondary" {
		t.Errorf("got %q", got)
	}
}

func TestFallbackGroupAllFailed(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup("primary", "primary", BreakerConfig{})
	g.AddFallback("secondary", "secondary")

	err := g.Execute(func(string) error { return errors.New("down") })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("got %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup("primary", "primary",
		BreakerConfig{MaxFailures: 1, CoolDown: time.Hour})
	g.AddFallback("secondary", "secondary")

	// Trip the primary's breaker.
	_ = g.Execute(func(v string) error {
		if v == "primary" {
			return errors.New("down")
		}
		return nil
	})

	// Subsequent calls skip the primary entirely.
	var used []string
	err := g.Execute(func(v string) error {
		used = append(used, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(used) != 1 || used[0] != "secondary" {
		t.Errorf("used %v", used)
	}
}

func TestLLMFallbackWrapper(t *testing.T) {
	t.Parallel()

	bad := llmmock.New()
	bad.FailWith(errors.New("no key"))
	good := llmmock.NewText("Hello.")

	g := NewFallbackGroup[llm.Provider](bad, "bad", BreakerConfig{})
	g.AddFallback("good", good)
	p := NewLLMFallback(g)

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for chunk := range ch {
		text += chunk.Text
	}
	if text != "Hello." {
		t.Errorf("streamed %q", text)
	}
	if calls := good.Calls(); len(calls) != 1 {
		t.Errorf("fallback provider called %d times", len(calls))
	}
}

func TestTTSFallbackWrapper(t *testing.T) {
	t.Parallel()

	bad := ttsmock.New()
	bad.FailFunc(func(string) error { return errors.New("down") })
	good := ttsmock.New()

	g := NewFallbackGroup[tts.Provider](bad, "bad", BreakerConfig{})
	g.AddFallback("good", good)
	p := NewTTSFallback(g, bad.SampleRate())

	wav, err := p.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(wav) == 0 {
		t.Error("no audio from fallback")
	}
	if len(good.Calls()) != 1 || len(bad.Calls()) != 1 {
		t.Errorf("calls bad=%d good=%d", len(bad.Calls()), len(good.Calls()))
	}
}

func TestSTTFallbackWrapper(t *testing.T) {
	t.Parallel()

	bad := sttmock.New("")
	bad.FailWith(errors.New("down"))
	good := sttmock.New("hello world")

	g := NewFallbackGroup[stt.Provider](bad, "bad", BreakerConfig{})
	g.AddFallback("good", good)
	p := NewSTTFallback(g)

	text, err := p.Transcribe(context.Background(), []byte{0, 0}, 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Errorf("transcribed %q", text)
	}
}
