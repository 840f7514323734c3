// Package server exposes the relay over HTTP: the TwiML webhook that points a
// call at the media-stream endpoint, the WebSocket endpoint itself, a browser
// test client, and the health and metrics endpoints.
package server

import (
	"bytes"
	"cmp"
	"context"
	"embed"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"text/template"

	"github.com/MrWong99/phonerelay/internal/health"
	"github.com/MrWong99/phonerelay/internal/observe"
	"github.com/MrWong99/phonerelay/internal/relay"
)

//go:embed assets/client.html assets/streams.xml
var assets embed.FS

var twimlTemplate = template.Must(template.ParseFS(assets, "assets/streams.xml"))

// defaultReadLimit caps a single inbound telephony frame.
const defaultReadLimit = 1 << 20

// Server routes HTTP requests and runs one relay session per media stream.
type Server struct {
	deps       atomic.Pointer[relay.Deps]
	metrics    *observe.Metrics
	health     *health.Handler
	metricsH   http.Handler
	publicHost string
	readLimit  int64
	log        *slog.Logger

	calls sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsH = h }
}

// WithPublicHost fixes the host written into the TwiML stream URL. Without
// it, the Host header of the webhook request is used.
func WithPublicHost(host string) Option {
	return func(s *Server) { s.publicHost = host }
}

// WithLogger sets the logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithReadLimit caps the size of an inbound WebSocket frame.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// New creates a Server that builds every call session from deps.
func New(deps relay.Deps, opts ...Option) *Server {
	s := &Server{readLimit: defaultReadLimit}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	deps.Metrics = s.metrics
	if deps.Logger == nil {
		deps.Logger = s.log
	}
	s.deps.Store(&deps)
	return s
}

// SetPipeline replaces the pipeline settings used for calls accepted from now
// on. Running calls keep their settings.
func (s *Server) SetPipeline(cfg relay.Config) {
	deps := *s.deps.Load()
	deps.Config = cfg
	s.deps.Store(&deps)
}

// Pipeline returns the pipeline settings for new calls.
func (s *Server) Pipeline() relay.Config {
	return s.deps.Load().Config
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /client", s.handleClient)
	mux.HandleFunc("POST /twiml", s.handleTwiML)
	mux.HandleFunc("GET /streams", s.handleStreams)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Wait blocks until every call has ended or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("Hello, World!"))
}

func (s *Server) handleClient(w http.ResponseWriter, _ *http.Request) {
	data, err := assets.ReadFile("assets/client.html")
	if err != nil {
		http.Error(w, "Fehler beim Laden der Testseite.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	host := cmp.Or(s.publicHost, r.Host)
	var buf bytes.Buffer
	if err := twimlTemplate.Execute(&buf, struct{ Host string }{host}); err != nil {
		s.log.Error("render twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}
