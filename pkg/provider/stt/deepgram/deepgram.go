// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// live streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/phonerelay/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint         = "wss://api.deepgram.com/v1/listen"
	defaultModel             = "nova-2-phonecall"
	defaultLanguage          = "de"
	defaultEncoding          = "mulaw"
	defaultSampleRate        = 8000
	defaultKeepAliveInterval = 8 * time.Second
)

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)

	errSessionClosed  = errors.New("deepgram: session is closed")
	errConnectionLost = errors.New("deepgram: connection lost")
	errAudioBacklog   = errors.New("deepgram: audio queue full, frame dropped")
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2-phonecall").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code for recognition (e.g., "de", "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used to point the
// provider at a self-hosted Deepgram or at a test server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithKeepAliveInterval sets how often a KeepAlive message is sent while the
// session is open. Zero or negative disables keepalives.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey    string
	endpoint  string
	model     string
	language  string
	keepAlive time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		endpoint:  deepgramEndpoint,
		model:     defaultModel,
		language:  defaultLanguage,
		keepAlive: defaultKeepAliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		conn:        conn,
		cancel:      cancel,
		transcripts: make(chan stt.Transcript, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
		dead:        make(chan struct{}),
		keepAlive:   p.keepAlive,
	}

	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cmp.Or(cfg.Model, p.model)
	lang := cmp.Or(cfg.Language, p.language)
	enc := cmp.Or(cfg.Encoding, defaultEncoding)
	sr := cmp.Or(cfg.SampleRate, defaultSampleRate)
	ch := cmp.Or(cfg.Channels, 1)

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("no_delay", "true")
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(cfg.Endpointing.Milliseconds(), 10))
	}
	if cfg.UtteranceEnd > 0 {
		q.Set("utterance_end_ms", strconv.FormatInt(cfg.UtteranceEnd.Milliseconds(), 10))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for streaming
// events. Only Results events carry a transcript.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Error events.
	Description string `json:"description"`
	Message     string `json:"message"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn        *websocket.Conn
	cancel      context.CancelFunc
	transcripts chan stt.Transcript
	audio       chan []byte
	keepAlive   time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// dead is closed when either loop exits on its own.
	dead     chan struct{}
	deadOnce sync.Once
}

// SendAudio queues an audio chunk for delivery to Deepgram. It never blocks:
// once the connection is gone, or while the queue is full, the chunk is
// dropped and an error returned.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	case <-s.dead:
		return errConnectionLost
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		return errAudioBacklog
	}
}

func (s *session) markDead() {
	s.deadOnce.Do(func() { close(s.dead) })
}

// Transcripts returns the channel of interim and final transcripts.
func (s *session) Transcripts() <-chan stt.Transcript { return s.transcripts }

// Close asks Deepgram to finalize pending audio, then tears the session down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.conn.Write(writeCtx, websocket.MessageText, closeStreamMsg)
		cancel()
		s.cancel()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop sends queued audio as binary frames and emits a KeepAlive whenever
// the keepalive interval passes.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.markDead()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("deepgram: audio write failed", "err", err)
				return
			}
		case <-tick:
			if err := s.conn.Write(ctx, websocket.MessageText, keepAliveMsg); err != nil {
				slog.Debug("deepgram: keepalive write failed", "err", err)
				return
			}
		case <-s.done:
			// Drain queued audio so CloseStream finalizes everything the caller said.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches transcripts.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.transcripts)
	defer s.markDead()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn("deepgram: connection lost", "err", err)
			}
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.transcripts <- t:
		case <-ctx.Done():
			return
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) for Results events, or (zero, false) if the message
// should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("deepgram: unparseable message", "err", err)
		return stt.Transcript{}, false
	}
	switch resp.Type {
	case "Results":
	case "Error":
		slog.Error("deepgram: stream error", "description", resp.Description, "message", resp.Message)
		return stt.Transcript{}, false
	default:
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return stt.Transcript{
		Text:        alt.Transcript,
		IsFinal:     resp.IsFinal,
		SpeechFinal: resp.SpeechFinal,
		Confidence:  alt.Confidence,
	}, true
}

var _ stt.Provider = (*Provider)(nil)
