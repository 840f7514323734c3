package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/phonerelay/internal/config"
	"github.com/MrWong99/phonerelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/phonerelay/pkg/provider/llm/mock"
	"github.com/MrWong99/phonerelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/phonerelay/pkg/provider/stt/mock"
	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/phonerelay/pkg/provider/tts/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  public_host: relay.example.com

providers:
  stt:
    name: deepgram
    api_key: dg-test
  llm:
    name: anthropic
    api_key: sk-ant-test
    model: claude-3-5-haiku-latest
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      model_id: eleven_flash_v2_5

pipeline:
  system_prompt: Du bist ein Testassistent.
  speaking_idle_timeout: 2s
  write_timeout: 750ms
  temperature: 0.4
  max_tokens: 256
  stt:
    language: en
    endpointing: 200ms
  tts:
    voice: 21m00Tcm4TlvDq8ikWAM
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.PublicHost != "relay.example.com" {
		t.Errorf("public_host: got %q", cfg.Server.PublicHost)
	}
	if cfg.Providers.LLM.Name != "anthropic" || cfg.Providers.LLM.Model != "claude-3-5-haiku-latest" {
		t.Errorf("llm: got %+v", cfg.Providers.LLM)
	}
	if got := cfg.Providers.TTS.Options["model_id"]; got != "eleven_flash_v2_5" {
		t.Errorf("tts options model_id: got %v", got)
	}
	p := cfg.Pipeline
	if p.SystemPrompt != "Du bist ein Testassistent." {
		t.Errorf("system_prompt: got %q", p.SystemPrompt)
	}
	if p.SpeakingIdleTimeout != 2*time.Second {
		t.Errorf("speaking_idle_timeout: got %s", p.SpeakingIdleTimeout)
	}
	if p.WriteTimeout != 750*time.Millisecond {
		t.Errorf("write_timeout: got %s", p.WriteTimeout)
	}
	if p.Temperature != 0.4 || p.MaxTokens != 256 {
		t.Errorf("temperature/max_tokens: got %v/%d", p.Temperature, p.MaxTokens)
	}
	if p.STT.Language != "en" || p.STT.Endpointing != 200*time.Millisecond {
		t.Errorf("stt: got %+v", p.STT)
	}
	// Unset STT fields fall back to defaults.
	if p.STT.Model != config.DefaultSTTModel {
		t.Errorf("stt.model: got %q, want %q", p.STT.Model, config.DefaultSTTModel)
	}
	if p.STT.UtteranceEnd != config.DefaultUtteranceEnd {
		t.Errorf("stt.utterance_end: got %s", p.STT.UtteranceEnd)
	}
	if p.TTS.Voice != "21m00Tcm4TlvDq8ikWAM" {
		t.Errorf("tts.voice: got %q", p.TTS.Voice)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt: {api_key: a}
  llm: {api_key: b}
  tts: {api_key: c}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"stt.name", cfg.Providers.STT.Name, "deepgram"},
		{"llm.name", cfg.Providers.LLM.Name, "openai"},
		{"llm.model", cfg.Providers.LLM.Model, config.DefaultLLMModel},
		{"tts.name", cfg.Providers.TTS.Name, "deepgram"},
		{"system_prompt", cfg.Pipeline.SystemPrompt, config.DefaultSystemPrompt},
		{"speaking_idle_timeout", cfg.Pipeline.SpeakingIdleTimeout, config.DefaultSpeakingIdleTimeout},
		{"write_timeout", cfg.Pipeline.WriteTimeout, config.DefaultWriteTimeout},
		{"stt.model", cfg.Pipeline.STT.Model, config.DefaultSTTModel},
		{"stt.language", cfg.Pipeline.STT.Language, config.DefaultSTTLanguage},
		{"stt.endpointing", cfg.Pipeline.STT.Endpointing, config.DefaultEndpointing},
		{"stt.utterance_end", cfg.Pipeline.STT.UtteranceEnd, config.DefaultUtteranceEnd},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadFromReader_STTModelFromProvider(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt: {api_key: a, model: nova-3}
  llm: {api_key: b}
  tts: {api_key: c}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Pipeline.STT.Model != "nova-3" {
		t.Errorf("stt.model: got %q, want nova-3", cfg.Pipeline.STT.Model)
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("PHONERELAY_TEST_DG_KEY", "dg-from-env")
	t.Setenv("PHONERELAY_TEST_OAI_KEY", "sk-from-env")
	yaml := `
providers:
  stt: {api_key: "${PHONERELAY_TEST_DG_KEY}"}
  llm: {api_key: "${PHONERELAY_TEST_OAI_KEY}", base_url: "http://${PHONERELAY_TEST_DG_KEY}.local/v1"}
  tts: {api_key: "${PHONERELAY_TEST_DG_KEY}"}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.STT.APIKey != "dg-from-env" {
		t.Errorf("stt api_key: got %q", cfg.Providers.STT.APIKey)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("llm api_key: got %q", cfg.Providers.LLM.APIKey)
	}
	if cfg.Providers.LLM.BaseURL != "http://dg-from-env.local/v1" {
		t.Errorf("llm base_url: got %q", cfg.Providers.LLM.BaseURL)
	}
}

func TestLoadFromReader_UnsetEnvFailsValidation(t *testing.T) {
	yaml := `
providers:
  stt: {api_key: "${PHONERELAY_TEST_SURELY_UNSET}"}
  llm: {api_key: b}
  tts: {api_key: c}
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty expanded api_key, got nil")
	}
	if !strings.Contains(err.Error(), "providers.stt.api_key") {
		t.Errorf("error should name providers.stt.api_key, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/phonerelay.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return sttP, nil
	})
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) { return llmP, nil })
	reg.RegisterTTS("deepgram", func(config.ProviderEntry) (tts.Provider, error) { return ttsP, nil })

	entry := config.ProviderEntry{Name: "deepgram", APIKey: "k", Model: "nova-2-phonecall"}
	s, err := reg.CreateSTT(entry)
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if s != sttP {
		t.Error("CreateSTT returned a different provider")
	}
	if gotEntry.APIKey != "k" || gotEntry.Model != "nova-2-phonecall" {
		t.Errorf("factory got entry %+v", gotEntry)
	}
	if l, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"}); err != nil || l != llmP {
		t.Errorf("CreateLLM: got %v, %v", l, err)
	}
	if p, err := reg.CreateTTS(config.ProviderEntry{Name: "deepgram"}); err != nil || p != ttsP {
		t.Errorf("CreateTTS: got %v, %v", p, err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: want ErrProviderNotRegistered, got %v", err)
	}
	_, err = reg.CreateLLM(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: want ErrProviderNotRegistered, got %v", err)
	}
	_, err = reg.CreateTTS(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS: want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })

	_, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"})
	if !errors.Is(err, boom) {
		t.Errorf("want factory error, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })
	reg.RegisterTTS("deepgram", func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })

	got := strings.Join(reg.Names("tts"), ",")
	if got != "deepgram,elevenlabs" {
		t.Errorf("Names(tts): got %q", got)
	}
	if len(reg.Names("stt")) != 0 {
		t.Errorf("Names(stt): want empty")
	}
}
