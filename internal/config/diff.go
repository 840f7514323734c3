package config

// ConfigDiff describes what changed between two configs.
// Pipeline and log level changes can be applied live; everything else
// needs a restart and is only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true when any field of [PipelineConfig] differs.
	PipelineChanged bool
	PromptChanged   bool
	TimingChanged   bool // speaking_idle_timeout or write_timeout
	STTChanged      bool
	TTSChanged      bool

	// RestartRequired lists config paths that changed but are only read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Pipeline, new.Pipeline
	d.PromptChanged = op.SystemPrompt != np.SystemPrompt ||
		op.Temperature != np.Temperature ||
		op.MaxTokens != np.MaxTokens
	d.TimingChanged = op.SpeakingIdleTimeout != np.SpeakingIdleTimeout ||
		op.WriteTimeout != np.WriteTimeout
	d.STTChanged = op.STT != np.STT
	d.TTSChanged = op.TTS != np.TTS
	d.PipelineChanged = d.PromptChanged || d.TimingChanged || d.STTChanged || d.TTSChanged

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.PublicHost != new.Server.PublicHost {
		d.RestartRequired = append(d.RestartRequired, "server.public_host")
	}
	if !sameEntry(old.Providers.STT, new.Providers.STT) {
		d.RestartRequired = append(d.RestartRequired, "providers.stt")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !sameEntry(old.Providers.TTS, new.Providers.TTS) {
		d.RestartRequired = append(d.RestartRequired, "providers.tts")
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
