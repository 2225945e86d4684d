package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// knownLLMBackends lists the accepted providers.llm.name values.
var knownLLMBackends = map[string]struct{}{
	"openai": {}, "anthropic": {}, "gemini": {}, "ollama": {},
	"deepseek": {}, "mistral": {}, "groq": {}, "llamacpp": {}, "llamafile": {},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR}
// references in secret fields, applies defaults, and validates the
// result. Unknown YAML fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	expandSecrets(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets resolves ${ENV_VAR} references in fields that commonly
// hold credentials, so keys never need to live in the config file.
func expandSecrets(cfg *Config) {
	expandLLM := func(c *LLMConfig) {
		c.APIKey = os.ExpandEnv(c.APIKey)
	}
	expandLLM(&cfg.Providers.LLM)
	for i := range cfg.Providers.LLM.Fallbacks {
		expandLLM(&cfg.Providers.LLM.Fallbacks[i])
	}
	cfg.Providers.Embeddings.APIKey = os.ExpandEnv(cfg.Providers.Embeddings.APIKey)
	cfg.Memory.PostgresDSN = os.ExpandEnv(cfg.Memory.PostgresDSN)
	if cfg.Discord != nil {
		cfg.Discord.Token = os.ExpandEnv(cfg.Discord.Token)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Persona.Name == "" {
		cfg.Persona.Name = "Kora"
	}
	if cfg.Conversation.PlaybackTimeoutSeconds == 0 {
		cfg.Conversation.PlaybackTimeoutSeconds = 60
	}
	if cfg.Conversation.MaxConcurrentSynth == 0 {
		cfg.Conversation.MaxConcurrentSynth = 4
	}
	if cfg.Conversation.HistoryWindow == 0 {
		cfg.Conversation.HistoryWindow = 10
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = 5
	}
}

// Validate checks that cfg contains a coherent set of values. It returns
// a joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Conversation.PlaybackTimeoutSeconds < 0 {
		errs = append(errs, errors.New("conversation.playback_timeout_seconds must not be negative"))
	}
	if cfg.Conversation.MaxConcurrentSynth < 0 {
		errs = append(errs, errors.New("conversation.max_concurrent_synth must not be negative"))
	}

	validateLLM := func(label string, c LLMConfig) {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name must be set", label))
			return
		}
		if _, ok := knownLLMBackends[c.Name]; !ok {
			errs = append(errs, fmt.Errorf("%s.name %q is not a known backend", label, c.Name))
		}
		if c.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model must be set", label))
		}
	}
	validateLLM("providers.llm", cfg.Providers.LLM)
	for i, fb := range cfg.Providers.LLM.Fallbacks {
		validateLLM(fmt.Sprintf("providers.llm.fallbacks[%d]", i), fb)
	}

	validateSTT := func(label string, c STTConfig) {
		switch c.Name {
		case "", "mock":
		case "whispercpp":
			if c.ModelPath == "" {
				errs = append(errs, fmt.Errorf("%s.model_path must be set for whispercpp", label))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.name %q is not a known backend", label, c.Name))
		}
	}
	validateSTT("providers.stt", cfg.Providers.STT)
	for i, fb := range cfg.Providers.STT.Fallbacks {
		validateSTT(fmt.Sprintf("providers.stt.fallbacks[%d]", i), fb)
	}

	validateTTS := func(label string, c TTSConfig) {
		switch c.Name {
		case "", "mock":
		case "xtts":
			if c.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url must be set for xtts", label))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.name %q is not a known backend", label, c.Name))
		}
	}
	validateTTS("providers.tts", cfg.Providers.TTS)
	for i, fb := range cfg.Providers.TTS.Fallbacks {
		validateTTS(fmt.Sprintf("providers.tts.fallbacks[%d]", i), fb)
	}

	if cfg.Memory.PostgresDSN != "" && cfg.Providers.Embeddings.APIKey == "" {
		errs = append(errs, errors.New("providers.embeddings.api_key must be set when memory.postgres_dsn is configured"))
	}

	if cfg.Discord != nil {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token must be set when the discord section is present"))
		}
		if cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id must be set when the discord section is present"))
		}
	}

	for i, srv := range cfg.MCP.Servers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].name must be set", i))
		}
		if srv.Command == "" && srv.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d] needs either a command or a url", i))
		}
	}

	return errors.Join(errs...)
}
