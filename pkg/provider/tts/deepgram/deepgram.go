// Package deepgram provides a Deepgram Aura TTS provider using the Deepgram
// streaming speak WebSocket API. It implements the tts.Provider interface.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	"github.com/MrWong99/phonerelay/pkg/provider/tts/internal/wsconn"
	"github.com/coder/websocket"
)

const (
	speakEndpoint     = "wss://api.deepgram.com/v1/speak"
	defaultVoice      = "aura-2-julius-de"
	defaultEncoding   = "mulaw"
	defaultSampleRate = 8000
)

var (
	flushMsg = []byte(`{"type":"Flush"}`)
	clearMsg = []byte(`{"type":"Clear"}`)
	closeMsg = []byte(`{"type":"Close"}`)
)

// Option is a functional option for configuring the Deepgram TTS Provider.
type Option func(*Provider)

// WithVoice sets the default Aura voice model (e.g., "aura-2-julius-de").
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithEndpoint overrides the speak endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the Deepgram speak WebSocket API.
type Provider struct {
	apiKey   string
	endpoint string
	voice    string
}

// New creates a new Deepgram TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram-tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: speakEndpoint,
		voice:    defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect opens a speak stream producing raw audio without a container.
func (p *Provider) Connect(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	u, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram-tts: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, err := wsconn.Dial(ctx, u, wsconn.Options{
		Header: headers,
		Decode: decode,
		Name:   "deepgram-tts",
	})
	if err != nil {
		return nil, err
	}
	return &stream{conn: conn}, nil
}

func (p *Provider) buildURL(cfg tts.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", cmp.Or(cfg.Voice, p.voice))
	q.Set("encoding", cmp.Or(cfg.Encoding, defaultEncoding))
	q.Set("sample_rate", strconv.Itoa(cmp.Or(cfg.SampleRate, defaultSampleRate)))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// controlMessage is any JSON frame Deepgram sends on the speak socket.
type controlMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	ErrMsg      string `json:"err_msg"`
	SequenceID  int    `json:"sequence_id"`
}

type stream struct {
	conn *wsconn.Conn
}

func (s *stream) Speak(text string) error {
	b, err := json.Marshal(speakMessage{Type: "Speak", Text: text})
	if err != nil {
		return fmt.Errorf("deepgram-tts: encode speak: %w", err)
	}
	return s.conn.Send(b)
}

func (s *stream) Flush() error { return s.conn.Send(flushMsg) }

func (s *stream) Clear() error { return s.conn.Send(clearMsg) }

func (s *stream) Events() <-chan tts.Event { return s.conn.Events() }

func (s *stream) Close() error { return s.conn.Close(closeMsg) }

// decode maps binary frames to audio events and JSON frames to control events.
func decode(typ websocket.MessageType, data []byte) (tts.Event, bool) {
	if typ == websocket.MessageBinary {
		if len(data) == 0 {
			return tts.Event{}, false
		}
		return tts.Event{Audio: data}, true
	}

	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return tts.Event{Control: tts.ControlError, Detail: "unparseable control frame: " + string(data)}, true
	}
	switch msg.Type {
	case "Flushed":
		return tts.Event{Control: tts.ControlFlushed, Detail: strconv.Itoa(msg.SequenceID)}, true
	case "Cleared":
		return tts.Event{Control: tts.ControlCleared, Detail: strconv.Itoa(msg.SequenceID)}, true
	case "Metadata":
		return tts.Event{Control: tts.ControlMetadata, Detail: string(data)}, true
	case "Warning":
		return tts.Event{Control: tts.ControlWarning, Detail: msg.Description}, true
	case "Error":
		return tts.Event{Control: tts.ControlError, Detail: cmp.Or(msg.Description, msg.ErrMsg)}, true
	default:
		return tts.Event{}, false
	}
}

var _ tts.Provider = (*Provider)(nil)
