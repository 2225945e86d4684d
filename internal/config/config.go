// Package config provides the configuration schema and YAML loader for
// the Kora voice assistant server.
package config

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Persona      PersonaConfig      `yaml:"persona"`
	Conversation ConversationConfig `yaml:"conversation"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Memory       MemoryConfig       `yaml:"memory"`
	Vocabulary   []string           `yaml:"vocabulary"`
	Discord      *DiscordConfig     `yaml:"discord"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists origins accepted for WebSocket upgrades.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// PersonaConfig describes the assistant's character.
type PersonaConfig struct {
	// Name is the assistant's display name, also used as the speaker
	// label in transcripts.
	Name string `yaml:"name"`

	// SystemPrompt is the persona description injected into every LLM
	// request.
	SystemPrompt string `yaml:"system_prompt"`

	// ProactivePrompt is the synthetic user input used when the client
	// asks the assistant to speak unprompted.
	ProactivePrompt string `yaml:"proactive_prompt"`

	// Expressions overrides the emotion tags recognised in model output.
	Expressions []string `yaml:"expressions"`
}

// ConversationConfig tunes turn orchestration.
type ConversationConfig struct {
	// PlaybackTimeoutSeconds bounds the wait for the client's playback
	// completion signal at the end of a turn. Default: 60.
	PlaybackTimeoutSeconds int `yaml:"playback_timeout_seconds"`

	// MaxConcurrentSynth bounds parallel synthesis jobs per turn.
	// Default: 4.
	MaxConcurrentSynth int `yaml:"max_concurrent_synth"`

	// HistoryWindow is how many transcript lines feed each LLM request.
	// Default: 10.
	HistoryWindow int `yaml:"history_window"`
}

// ProvidersConfig selects the concrete backend for each pipeline stage.
type ProvidersConfig struct {
	LLM        LLMConfig        `yaml:"llm"`
	STT        STTConfig        `yaml:"stt"`
	TTS        TTSConfig        `yaml:"tts"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// LLMConfig configures the chat model. Fallbacks are tried in order when
// the primary fails or its circuit breaker is open.
type LLMConfig struct {
	// Name selects the backend: "openai" for the native client, or an
	// any-llm backend name such as "anthropic", "gemini", "ollama",
	// "deepseek", "mistral", "groq", "llamacpp" or "llamafile".
	Name string `yaml:"name"`

	// APIKey supports ${ENV_VAR} expansion.
	APIKey      string      `yaml:"api_key"`
	BaseURL     string      `yaml:"base_url"`
	Model       string      `yaml:"model"`
	Temperature float64     `yaml:"temperature"`
	MaxTokens   int         `yaml:"max_tokens"`
	Fallbacks   []LLMConfig `yaml:"fallbacks"`
}

// STTConfig configures speech recognition. Fallbacks are tried in
// order when the primary fails or its circuit breaker is open.
type STTConfig struct {
	// Name selects the backend: "whispercpp" or "mock".
	Name string `yaml:"name"`

	// ModelPath is the whisper.cpp GGML model file.
	ModelPath string `yaml:"model_path"`

	// Language hints the spoken language, e.g. "en". Empty lets the
	// model auto-detect.
	Language string `yaml:"language"`

	Fallbacks []STTConfig `yaml:"fallbacks"`
}

// TTSConfig configures speech synthesis. Fallbacks are tried in order
// when the primary fails or its circuit breaker is open.
type TTSConfig struct {
	// Name selects the backend: "xtts" or "mock".
	Name string `yaml:"name"`

	// URL is the XTTS server base URL.
	URL string `yaml:"url"`

	// SpeakerWav is the voice-cloning reference sample passed to XTTS.
	SpeakerWav string `yaml:"speaker_wav"`

	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`

	Fallbacks []TTSConfig `yaml:"fallbacks"`
}

// EmbeddingsConfig configures the embedding model backing vector memory.
type EmbeddingsConfig struct {
	// APIKey supports ${ENV_VAR} expansion.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// MemoryConfig configures persistence. With an empty DSN, history lives
// in process memory and long-term memory is disabled.
type MemoryConfig struct {
	// PostgresDSN supports ${ENV_VAR} expansion.
	PostgresDSN string `yaml:"postgres_dsn"`

	// TopK is how many stored exchanges each retrieval returns.
	// Default: 5.
	TopK int `yaml:"top_k"`
}

// DiscordConfig enables the Discord bridge.
type DiscordConfig struct {
	// Token supports ${ENV_VAR} expansion.
	Token string `yaml:"token"`

	// ChannelID is the text channel the assistant reads and writes.
	ChannelID string `yaml:"channel_id"`

	// GuildID and VoiceChannelID enable voice playback when both are set.
	GuildID        string `yaml:"guild_id"`
	VoiceChannelID string `yaml:"voice_channel_id"`
}

// MCPConfig lists tool servers offered to the agent.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server. Command selects the stdio
// transport; URL selects streamable HTTP.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
}
