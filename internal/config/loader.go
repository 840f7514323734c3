package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to reject unknown provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"deepgram", "elevenlabs"},
}

// keylessProviders run locally and do not need an API key.
var keylessProviders = []string{"ollama", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// provider credentials, applies defaults and validates the result.
// An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandProviderEnv(&cfg.Providers.STT)
	expandProviderEnv(&cfg.Providers.LLM)
	expandProviderEnv(&cfg.Providers.TTS)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandProviderEnv(e *ProviderEntry) {
	e.APIKey = os.ExpandEnv(e.APIKey)
	e.BaseURL = os.ExpandEnv(e.BaseURL)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	errs = append(errs, validateProvider("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProvider("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProvider("tts", cfg.Providers.TTS)...)
	if cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required"))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.SpeakingIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.speaking_idle_timeout %s must not be negative", p.SpeakingIdleTimeout))
	}
	if p.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.write_timeout %s must not be negative", p.WriteTimeout))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", p.MaxTokens))
	}
	if p.STT.Endpointing < 0 || p.STT.UtteranceEnd < 0 {
		errs = append(errs, errors.New("pipeline.stt durations must not be negative"))
	}
	if p.SystemPrompt == "" {
		slog.Warn("pipeline.system_prompt is empty; completions run without instructions")
	}

	return errors.Join(errs...)
}

// validateProvider checks that the named provider of the given kind is known
// and carries credentials when it needs them.
func validateProvider(kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		return append(errs, fmt.Errorf("providers.%s.name is required", kind))
	}
	if known := ValidProviderNames[kind]; !slices.Contains(known, e.Name) {
		errs = append(errs, fmt.Errorf("providers.%s.name %q is unknown; valid values: %v", kind, e.Name, known))
	}
	if e.APIKey == "" && !slices.Contains(keylessProviders, e.Name) {
		errs = append(errs, fmt.Errorf("providers.%s.api_key is required for %q", kind, e.Name))
	}
	return errs
}
