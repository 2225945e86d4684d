// Command kora is the main entry point for the Kora voice assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/korahq/kora/internal/agent"
	"github.com/korahq/kora/internal/config"
	"github.com/korahq/kora/internal/conversation"
	discordbridge "github.com/korahq/kora/internal/discord"
	"github.com/korahq/kora/internal/health"
	"github.com/korahq/kora/internal/observe"
	"github.com/korahq/kora/internal/resilience"
	"github.com/korahq/kora/internal/server"
	"github.com/korahq/kora/internal/tools"
	"github.com/korahq/kora/internal/transcript"
	"github.com/korahq/kora/pkg/memory"
	memorypg "github.com/korahq/kora/pkg/memory/postgres"
	oaiembed "github.com/korahq/kora/pkg/provider/embeddings/openai"
	"github.com/korahq/kora/pkg/provider/llm"
	"github.com/korahq/kora/pkg/provider/llm/anyllm"
	oaillm "github.com/korahq/kora/pkg/provider/llm/openai"
	"github.com/korahq/kora/pkg/provider/stt"
	sttmock "github.com/korahq/kora/pkg/provider/stt/mock"
	"github.com/korahq/kora/pkg/provider/stt/whispercpp"
	"github.com/korahq/kora/pkg/provider/tts"
	ttsmock "github.com/korahq/kora/pkg/provider/tts/mock"
	"github.com/korahq/kora/pkg/provider/tts/xtts"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kora: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kora: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kora starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later component records into the global
	// meter provider.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kora",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	ttsProvider, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}
	sttProvider, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}

	// Memory: durable when a DSN is configured, in-process otherwise.
	var (
		history     conversation.HistoryStore
		memoryIndex conversation.MemoryIndex
		checkers    []health.Checker
	)
	if cfg.Memory.PostgresDSN != "" {
		embedder, err := oaiembed.New(cfg.Providers.Embeddings.APIKey, cfg.Providers.Embeddings.Model,
			embedOptions(cfg.Providers.Embeddings)...)
		if err != nil {
			slog.Error("failed to build embeddings provider", "err", err)
			return 1
		}
		store, err := memorypg.NewStore(ctx, cfg.Memory.PostgresDSN, embedder,
			memorypg.WithPersona(cfg.Persona.Name))
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer store.Close()
		history, memoryIndex = store, store
		checkers = append(checkers, health.Checker{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				_, err := store.Recent(ctx, "healthcheck", 1)
				return err
			},
		})
		slog.Info("postgres memory connected")
	} else {
		history = memory.NewInMemoryHistory(cfg.Persona.Name)
		slog.Info("using in-process history; long-term memory disabled")
	}

	// MCP tool servers.
	toolHost := tools.New()
	defer toolHost.Close()
	for _, srv := range cfg.MCP.Servers {
		if err := toolHost.Connect(ctx, tools.ServerConfig{
			Name:    srv.Name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			URL:     srv.URL,
		}); err != nil {
			slog.Error("failed to connect mcp server", "server", srv.Name, "err", err)
			return 1
		}
		slog.Info("mcp server connected", "server", srv.Name)
	}

	engine := agent.New(llmProvider, cfg.Persona.SystemPrompt,
		agent.WithToolHost(toolHost),
		agent.WithFilter(agent.NewFilter(cfg.Persona.Expressions...)),
		agent.WithLogger(logger),
	)

	synth := func(ctx context.Context, text string) ([]byte, int, error) {
		wav, err := ttsProvider.Synthesize(ctx, text)
		return wav, ttsProvider.SampleRate(), err
	}

	ws := server.New(
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)
	transportMux := server.NewTransportMux(ws)

	handlerOpts := []conversation.HandlerOption{
		conversation.WithLogger(logger),
		conversation.WithMetrics(metrics),
		conversation.WithTranscriber(sttProvider),
		conversation.WithCorrector(transcript.New(cfg.Vocabulary)),
		conversation.WithHistory(history),
		conversation.WithPersona(cfg.Persona.Name),
		conversation.WithPlaybackTimeout(time.Duration(cfg.Conversation.PlaybackTimeoutSeconds) * time.Second),
		conversation.WithSynthConcurrency(cfg.Conversation.MaxConcurrentSynth),
		conversation.WithHistoryWindow(cfg.Conversation.HistoryWindow),
	}
	if memoryIndex != nil {
		handlerOpts = append(handlerOpts, conversation.WithMemory(memoryIndex, cfg.Memory.TopK))
	}
	if cfg.Persona.ProactivePrompt != "" {
		handlerOpts = append(handlerOpts, conversation.WithProactivePrompt(cfg.Persona.ProactivePrompt))
	}

	handler := conversation.NewHandler(transportMux, engine, synth, handlerOpts...)
	ws.SetSink(handler)

	// Optional Discord bridge.
	if cfg.Discord != nil {
		bridge, err := discordbridge.New(discordbridge.Config{
			Token:          cfg.Discord.Token,
			ChannelID:      cfg.Discord.ChannelID,
			GuildID:        cfg.Discord.GuildID,
			VoiceChannelID: cfg.Discord.VoiceChannelID,
		}, handler, discordbridge.WithLogger(logger))
		if err != nil {
			slog.Error("failed to start discord bridge", "err", err)
			return 1
		}
		defer bridge.Close()
		transportMux.Mount(discordbridge.ClientIDPrefix, bridge)
		slog.Info("discord bridge connected", "channel", cfg.Discord.ChannelID)
	}

	// HTTP surface: the WebSocket endpoint stays outside the metrics
	// middleware; probes and metrics go through it.
	healthHandler := health.New(checkers...)
	instrumented := http.NewServeMux()
	healthHandler.Register(instrumented)
	instrumented.Handle("GET /metrics", promhttp.Handler())

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/", observe.Middleware(metrics)(instrumented))

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := handler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("handler shutdown error", "err", err)
	}
	ws.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildLLM builds the chat provider, wrapping fallbacks in a circuit
// breaker group when any are configured.
func buildLLM(cfg config.LLMConfig) (llm.Provider, error) {
	primary, err := buildOneLLM(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewFallbackGroup[llm.Provider](primary, cfg.Name, resilience.BreakerConfig{})
	for _, fb := range cfg.Fallbacks {
		p, err := buildOneLLM(fb)
		if err != nil {
			return nil, err
		}
		group.AddFallback(fb.Name+"/"+fb.Model, p)
	}
	return resilience.NewLLMFallback(group), nil
}

func buildOneLLM(cfg config.LLMConfig) (llm.Provider, error) {
	if cfg.Name == "openai" {
		var opts []oaillm.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Temperature != 0 || cfg.MaxTokens != 0 {
			opts = append(opts, oaillm.WithDefaults(cfg.Temperature, cfg.MaxTokens))
		}
		return oaillm.New(cfg.APIKey, cfg.Model, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	return anyllm.New(cfg.Name, cfg.Model, opts...)
}

// buildTTS builds the synthesis provider, wrapping fallbacks in a
// circuit breaker group when any are configured.
func buildTTS(cfg config.TTSConfig) (tts.Provider, error) {
	primary, err := buildOneTTS(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewFallbackGroup[tts.Provider](primary, cfg.Name, resilience.BreakerConfig{})
	for _, fb := range cfg.Fallbacks {
		p, err := buildOneTTS(fb)
		if err != nil {
			return nil, err
		}
		group.AddFallback(fb.Name, p)
	}
	return resilience.NewTTSFallback(group, primary.SampleRate()), nil
}

func buildOneTTS(cfg config.TTSConfig) (tts.Provider, error) {
	switch cfg.Name {
	case "", "mock":
		return ttsmock.New(), nil
	case "xtts":
		var opts []xtts.Option
		if cfg.SpeakerWav != "" {
			opts = append(opts, xtts.WithSpeakerWav(cfg.SpeakerWav))
		}
		if cfg.Language != "" {
			opts = append(opts, xtts.WithLanguage(cfg.Language))
		}
		if cfg.SampleRate != 0 {
			opts = append(opts, xtts.WithSampleRate(cfg.SampleRate))
		}
		return xtts.New(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.Name)
	}
}

// buildSTT builds the recognition provider, wrapping fallbacks in a
// circuit breaker group when any are configured.
func buildSTT(cfg config.STTConfig) (stt.Provider, error) {
	primary, err := buildOneSTT(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewFallbackGroup[stt.Provider](primary, cfg.Name, resilience.BreakerConfig{})
	for _, fb := range cfg.Fallbacks {
		p, err := buildOneSTT(fb)
		if err != nil {
			return nil, err
		}
		group.AddFallback(fb.Name, p)
	}
	return resilience.NewSTTFallback(group), nil
}

func buildOneSTT(cfg config.STTConfig) (stt.Provider, error) {
	switch cfg.Name {
	case "", "mock":
		return sttmock.New(""), nil
	case "whispercpp":
		var opts []whispercpp.Option
		if cfg.Language != "" {
			opts = append(opts, whispercpp.WithLanguage(cfg.Language))
		}
		return whispercpp.New(cfg.ModelPath, opts...)
	default:
		return nil, fmt.Errorf("unknown stt backend %q", cfg.Name)
	}
}

func embedOptions(cfg config.EmbeddingsConfig) []oaiembed.Option {
	var opts []oaiembed.Option
	if cfg.BaseURL != "" {
		opts = append(opts, oaiembed.WithBaseURL(cfg.BaseURL))
	}
	return opts
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
