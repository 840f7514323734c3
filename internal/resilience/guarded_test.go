package resilience_test

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/phonerelay/internal/observe"
	"github.com/MrWong99/phonerelay/internal/resilience"
	"github.com/MrWong99/phonerelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/phonerelay/pkg/provider/llm/mock"
	"github.com/MrWong99/phonerelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/phonerelay/pkg/provider/stt/mock"
	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/phonerelay/pkg/provider/tts/mock"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// requestCount returns the provider request count for the given status.
func requestCount(t *testing.T, reader *sdkmetric.ManualReader, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "phonerelay.provider.requests" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("status"); ok && v.AsString() == status {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestGuardedLLM_OpensAfterStartFailures(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := &llmmock.Provider{StreamErr: errors.New("502 bad gateway")}
	g := resilience.NewGuardedLLM(inner, "openai", resilience.CircuitBreakerConfig{MaxFailures: 2}, m)

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hallo"}}}
	for range 2 {
		if _, err := g.StreamCompletion(context.Background(), req); err == nil {
			t.Fatal("expected error from failing provider")
		}
	}
	_, err := g.StreamCompletion(context.Background(), req)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := len(inner.Calls()); n != 2 {
		t.Errorf("inner calls = %d, want 2 (no call while open)", n)
	}
	if g.Breaker().Name() != "llm/openai" {
		t.Errorf("breaker name = %q", g.Breaker().Name())
	}
	if got := requestCount(t, reader, resilience.StatusError); got != 2 {
		t.Errorf("error requests = %d, want 2", got)
	}
	if got := requestCount(t, reader, resilience.StatusCircuitOpen); got != 1 {
		t.Errorf("circuit_open requests = %d, want 1", got)
	}
}

func TestGuardedLLM_PassesStreamThrough(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Guten "}, {Text: "Tag."}}}
	g := resilience.NewGuardedLLM(inner, "openai", resilience.CircuitBreakerConfig{}, m)

	ch, err := g.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Guten Tag." {
		t.Errorf("text = %q", text)
	}
	if got := requestCount(t, reader, resilience.StatusOK); got != 1 {
		t.Errorf("ok requests = %d, want 1", got)
	}
}

func TestGuardedSTT(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	sess := sttmock.NewSession()
	inner := &sttmock.Provider{Session: sess}
	g := resilience.NewGuardedSTT(inner, "deepgram", resilience.CircuitBreakerConfig{}, m)

	cfg := stt.StreamConfig{Model: "nova-2-phonecall", SampleRate: 8000}
	h, err := g.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if h != sess {
		t.Error("handle is not the inner session")
	}
	if calls := inner.Calls(); len(calls) != 1 || calls[0].Cfg != cfg {
		t.Errorf("inner calls = %+v", calls)
	}
}

func TestGuardedTTS(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	inner := &ttsmock.Provider{ConnectErr: errors.New("401")}
	g := resilience.NewGuardedTTS(inner, "deepgram", resilience.CircuitBreakerConfig{MaxFailures: 1}, m)

	if _, err := g.Connect(context.Background(), tts.StreamConfig{}); err == nil {
		t.Fatal("expected connect error")
	}
	if g.Breaker().State() != resilience.StateOpen {
		t.Errorf("state = %v, want open", g.Breaker().State())
	}
}
