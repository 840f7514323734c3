// Command phonerelay answers phone calls with a voice assistant: Twilio media
// streams in, Deepgram speech recognition, a streaming LLM, speech synthesis
// back out to the caller.
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

	"github.com/MrWong99/phonerelay/internal/config"
	"github.com/MrWong99/phonerelay/internal/health"
	"github.com/MrWong99/phonerelay/internal/observe"
	"github.com/MrWong99/phonerelay/internal/relay"
	"github.com/MrWong99/phonerelay/internal/resilience"
	"github.com/MrWong99/phonerelay/internal/server"
	"github.com/MrWong99/phonerelay/pkg/provider/llm"
	"github.com/MrWong99/phonerelay/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/phonerelay/pkg/provider/llm/openai"
	"github.com/MrWong99/phonerelay/pkg/provider/stt"
	dgstt "github.com/MrWong99/phonerelay/pkg/provider/stt/deepgram"
	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	dgtts "github.com/MrWong99/phonerelay/pkg/provider/tts/deepgram"
	"github.com/MrWong99/phonerelay/pkg/provider/tts/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "phonerelay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "phonerelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("phonerelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		breakerCheck("stt", providers.stt.Breaker()),
		breakerCheck("llm", providers.llm.Breaker()),
		breakerCheck("tts", providers.tts.Breaker()),
	)
	srv := server.New(relay.Deps{
		STT:    providers.stt,
		LLM:    providers.llm,
		TTS:    providers.tts,
		Config: server.RelayConfig(cfg.Pipeline),
	},
		server.WithMetrics(metrics),
		server.WithHealth(checks),
		server.WithMetricsHandler(observe.MetricsHandler(tel.Registry)),
		server.WithPublicHost(cfg.Server.PublicHost),
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.PipelineChanged {
			srv.SetPipeline(server.RelayConfig(newCfg.Pipeline))
			slog.Info("pipeline settings updated for new calls",
				"prompt_changed", diff.PromptChanged,
				"timing_changed", diff.TimingChanged,
				"stt_changed", diff.STTChanged,
				"tts_changed", diff.TTSChanged,
			)
		}
		if len(diff.RestartRequired) > 0 {
			slog.Warn("config changes need a restart", "paths", diff.RestartRequired)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server failed", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	checks.SetDraining(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked media-stream connections.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
	}
	if err := srv.Wait(shutdownCtx); err != nil {
		slog.Warn("calls still active at shutdown", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMBackends are completion backends served through any-llm-go.
var anyLLMBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []dgstt.Option
		if entry.Model != "" {
			opts = append(opts, dgstt.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, dgstt.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, dgstt.WithEndpoint(entry.BaseURL))
		}
		if d, ok := optDuration(entry.Options, "keepalive_interval"); ok {
			opts = append(opts, dgstt.WithKeepAliveInterval(d))
		}
		return dgstt.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyLLMBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("deepgram", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []dgtts.Option
		if entry.Model != "" {
			opts = append(opts, dgtts.WithVoice(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, dgtts.WithEndpoint(entry.BaseURL))
		}
		return dgtts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpointFormat(entry.BaseURL))
		}
		if d, ok := optDuration(entry.Options, "keepalive_interval"); ok {
			opts = append(opts, elevenlabs.WithKeepAlive(d))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"stt", "llm", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// guardedProviders are the configured providers behind circuit breakers.
type guardedProviders struct {
	stt *resilience.GuardedSTT
	llm *resilience.GuardedLLM
	tts *resilience.GuardedTTS
}

// buildProviders instantiates the providers named in cfg and wraps each in a
// circuit breaker.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*guardedProviders, error) {
	var breaker resilience.CircuitBreakerConfig

	sttP, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	llmP, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ttsP, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	for kind, name := range map[string]string{
		"stt": cfg.Providers.STT.Name,
		"llm": cfg.Providers.LLM.Name,
		"tts": cfg.Providers.TTS.Name,
	} {
		slog.Info("provider created", "kind", kind, "name", name)
	}

	return &guardedProviders{
		stt: resilience.NewGuardedSTT(sttP, cfg.Providers.STT.Name, breaker, m),
		llm: resilience.NewGuardedLLM(llmP, cfg.Providers.LLM.Name, breaker, m),
		tts: resilience.NewGuardedTTS(ttsP, cfg.Providers.TTS.Name, breaker, m),
	}, nil
}

// breakerCheck reports a provider as unready while its breaker is open.
func breakerCheck(name string, cb *resilience.CircuitBreaker) health.Checker {
	return health.Checker{
		Name: name,
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       phonerelay startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Pipeline.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Language        : %-19s ║\n", cfg.Pipeline.STT.Language)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "8s" from a provider Options
// map. Invalid values are logged and ignored.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s := optString(opts, key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0, false
	}
	return d, true
}
