// Package config provides the configuration schema, loader, and provider registry
// for the phonerelay voice relay.
package config

import (
	"cmp"
	"time"
)

// LogLevel controls log verbosity for the relay server.
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

// Defaults applied by [Config.ApplyDefaults] when a field is left empty.
const (
	DefaultListenAddr          = ":8080"
	DefaultSystemPrompt        = "Du bist ein freundlicher und professioneller Telefonassistent für eine Kfz-Werkstatt."
	DefaultSpeakingIdleTimeout = 1500 * time.Millisecond
	DefaultWriteTimeout        = 5 * time.Second
	DefaultSTTModel            = "nova-2-phonecall"
	DefaultSTTLanguage         = "de"
	DefaultEndpointing         = 300 * time.Millisecond
	DefaultUtteranceEnd        = 1000 * time.Millisecond
	DefaultLLMModel            = "gpt-3.5-turbo"
)

// Config is the root configuration structure for phonerelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicHost overrides the host placed into the TwiML stream URL.
	// When empty, the Host header of the /twiml request is used.
	PublicHost string `yaml:"public_host"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// A value of the form ${VAR} is expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig holds the per-call turn pipeline settings. It is the only
// section the [Watcher] applies to running servers; new calls pick it up.
type PipelineConfig struct {
	// SystemPrompt is sent as the system message of every completion.
	SystemPrompt string `yaml:"system_prompt"`

	// SpeakingIdleTimeout ends a turn when no synthesized audio arrived for
	// this long after the flush was sent.
	SpeakingIdleTimeout time.Duration `yaml:"speaking_idle_timeout"`

	// WriteTimeout bounds a single write to the telephony WebSocket.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Temperature and MaxTokens are passed through to the completion request.
	// Zero leaves the provider default.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	STT STTSettings `yaml:"stt"`
	TTS TTSSettings `yaml:"tts"`
}

// STTSettings are the recognition stream parameters requested per call.
type STTSettings struct {
	Model        string        `yaml:"model"`
	Language     string        `yaml:"language"`
	Endpointing  time.Duration `yaml:"endpointing"`
	UtteranceEnd time.Duration `yaml:"utterance_end"`

	// DisableInterim turns off interim transcripts. They are only logged.
	DisableInterim bool `yaml:"disable_interim"`

	// DisableSmartFormat turns off punctuation and number formatting.
	DisableSmartFormat bool `yaml:"disable_smart_format"`
}

// TTSSettings are the synthesis stream parameters requested per call.
type TTSSettings struct {
	// Voice is the provider-specific voice (Deepgram model or ElevenLabs voice ID).
	// Empty keeps the provider default.
	Voice string `yaml:"voice"`
}

// ApplyDefaults fills empty fields with the built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Providers.STT.Name == "" {
		c.Providers.STT.Name = "deepgram"
	}
	if c.Providers.LLM.Name == "" {
		c.Providers.LLM.Name = "openai"
	}
	if c.Providers.LLM.Model == "" {
		c.Providers.LLM.Model = DefaultLLMModel
	}
	if c.Providers.TTS.Name == "" {
		c.Providers.TTS.Name = "deepgram"
	}

	p := &c.Pipeline
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	if p.SpeakingIdleTimeout == 0 {
		p.SpeakingIdleTimeout = DefaultSpeakingIdleTimeout
	}
	if p.WriteTimeout == 0 {
		p.WriteTimeout = DefaultWriteTimeout
	}
	if p.STT.Model == "" {
		p.STT.Model = cmp.Or(c.Providers.STT.Model, DefaultSTTModel)
	}
	if p.STT.Language == "" {
		p.STT.Language = DefaultSTTLanguage
	}
	if p.STT.Endpointing == 0 {
		p.STT.Endpointing = DefaultEndpointing
	}
	if p.STT.UtteranceEnd == 0 {
		p.STT.UtteranceEnd = DefaultUtteranceEnd
	}
}
