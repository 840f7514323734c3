package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/phonerelay/internal/observe"
	"github.com/MrWong99/phonerelay/pkg/provider/llm"
	"github.com/MrWong99/phonerelay/pkg/provider/stt"
	"github.com/MrWong99/phonerelay/pkg/provider/tts"
)

// Request status values recorded on observe.Metrics.ProviderRequests.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusCircuitOpen = "circuit_open"
)

// guard bundles what every guarded provider needs.
type guard struct {
	name    string
	kind    string
	breaker *CircuitBreaker
	metrics *observe.Metrics
}

func newGuard(kind, name string, cfg CircuitBreakerConfig, m *observe.Metrics) guard {
	cfg.Name = kind + "/" + name
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return guard{name: name, kind: kind, breaker: NewCircuitBreaker(cfg), metrics: m}
}

func (g guard) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		g.metrics.RecordProviderRequest(ctx, g.name, g.kind, StatusOK)
	case errors.Is(err, ErrCircuitOpen):
		g.metrics.RecordProviderRequest(ctx, g.name, g.kind, StatusCircuitOpen)
	case errors.Is(err, context.Canceled):
	default:
		g.metrics.RecordProviderRequest(ctx, g.name, g.kind, StatusError)
		g.metrics.RecordProviderError(ctx, g.name, g.kind)
	}
}

// Breaker exposes the underlying breaker, mainly for readiness checks.
func (g guard) Breaker() *CircuitBreaker { return g.breaker }

// GuardedSTT wraps an [stt.Provider] so that opening recognition streams goes
// through a circuit breaker.
type GuardedSTT struct {
	guard
	inner stt.Provider
}

var _ stt.Provider = (*GuardedSTT)(nil)

// NewGuardedSTT wraps p. name is the provider name used in metrics. A nil
// metrics uses [observe.DefaultMetrics].
func NewGuardedSTT(p stt.Provider, name string, cfg CircuitBreakerConfig, m *observe.Metrics) *GuardedSTT {
	return &GuardedSTT{guard: newGuard("stt", name, cfg, m), inner: p}
}

// StartStream opens a recognition stream unless the breaker is open.
func (g *GuardedSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := Call(g.breaker, func() (stt.SessionHandle, error) {
		return g.inner.StartStream(ctx, cfg)
	})
	g.record(ctx, err)
	return h, err
}

// GuardedLLM wraps an [llm.Provider]. Only starting a completion stream is
// guarded; errors reported mid-stream are the caller's concern.
type GuardedLLM struct {
	guard
	inner llm.Provider
}

var _ llm.Provider = (*GuardedLLM)(nil)

// NewGuardedLLM wraps p.
func NewGuardedLLM(p llm.Provider, name string, cfg CircuitBreakerConfig, m *observe.Metrics) *GuardedLLM {
	return &GuardedLLM{guard: newGuard("llm", name, cfg, m), inner: p}
}

// StreamCompletion starts a completion stream unless the breaker is open.
func (g *GuardedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, err := Call(g.breaker, func() (<-chan llm.Chunk, error) {
		return g.inner.StreamCompletion(ctx, req)
	})
	g.record(ctx, err)
	return ch, err
}

// GuardedTTS wraps a [tts.Provider] so that opening synthesis connections
// goes through a circuit breaker.
type GuardedTTS struct {
	guard
	inner tts.Provider
}

var _ tts.Provider = (*GuardedTTS)(nil)

// NewGuardedTTS wraps p.
func NewGuardedTTS(p tts.Provider, name string, cfg CircuitBreakerConfig, m *observe.Metrics) *GuardedTTS {
	return &GuardedTTS{guard: newGuard("tts", name, cfg, m), inner: p}
}

// Connect opens a synthesis stream unless the breaker is open.
func (g *GuardedTTS) Connect(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	s, err := Call(g.breaker, func() (tts.Stream, error) {
		return g.inner.Connect(ctx, cfg)
	})
	g.record(ctx, err)
	return s, err
}
