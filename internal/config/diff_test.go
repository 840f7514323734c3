package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/phonerelay/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram", APIKey: "a"},
			LLM: config.ProviderEntry{Name: "openai", APIKey: "b", Model: "gpt-4o-mini"},
			TTS: config.ProviderEntry{Name: "deepgram", APIKey: "c"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.PipelineChanged || len(d.RestartRequired) != 0 {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.PipelineChanged {
		t.Error("expected PipelineChanged=false")
	}
}

func TestDiff_Pipeline(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"prompt", func(c *config.Config) { c.Pipeline.SystemPrompt = "other" }, func(d config.ConfigDiff) bool { return d.PromptChanged }},
		{"temperature", func(c *config.Config) { c.Pipeline.Temperature = 0.9 }, func(d config.ConfigDiff) bool { return d.PromptChanged }},
		{"idle timeout", func(c *config.Config) { c.Pipeline.SpeakingIdleTimeout = 3 * time.Second }, func(d config.ConfigDiff) bool { return d.TimingChanged }},
		{"write timeout", func(c *config.Config) { c.Pipeline.WriteTimeout = time.Second }, func(d config.ConfigDiff) bool { return d.TimingChanged }},
		{"stt language", func(c *config.Config) { c.Pipeline.STT.Language = "en" }, func(d config.ConfigDiff) bool { return d.STTChanged }},
		{"tts voice", func(c *config.Config) { c.Pipeline.TTS.Voice = "aura-2-thalia-en" }, func(d config.ConfigDiff) bool { return d.TTSChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !d.PipelineChanged {
				t.Error("expected PipelineChanged=true")
			}
			if !tt.check(d) {
				t.Errorf("expected specific flag set, got %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("pipeline change should not require restart, got %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Providers.LLM.Model = "gpt-4o"
	new.Providers.TTS.Name = "elevenlabs"

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "providers.llm", "providers.tts"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired should contain %q, got %v", want, d.RestartRequired)
		}
	}
	if slices.Contains(d.RestartRequired, "providers.stt") {
		t.Errorf("providers.stt unchanged, got %v", d.RestartRequired)
	}
}
