// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
//
// The stream-input API has no command to discard queued audio, so Clear
// returns tts.ErrNotSupported and callers must drop stale audio on arrival.
package elevenlabs

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	"github.com/MrWong99/phonerelay/pkg/provider/tts/internal/wsconn"
	"github.com/coder/websocket"
)

const (
	wsEndpointFmt     = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input"
	defaultModel      = "eleven_flash_v2_5"
	defaultOutputFmt  = "ulaw_8000"
	defaultKeepAlive  = 15 * time.Second
	inactivityTimeout = "180"
)

var (
	// A lone space keeps the socket open without producing audio.
	keepAliveMsg = []byte(`{"text":" "}`)
	// An empty text ends the input stream.
	eosMsg = []byte(`{"text":""}`)
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the default voice ID used when StreamConfig.Voice is empty.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voice = voiceID
	}
}

// WithOutputFormat sets the audio output format (e.g., "ulaw_8000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpointFormat overrides the WebSocket URL format. It must contain one
// %s verb for the voice ID.
func WithEndpointFormat(format string) Option {
	return func(p *Provider) {
		p.endpointFmt = format
	}
}

// WithKeepAlive sets the keepalive interval. Zero disables keepalives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	voice        string
	outputFormat string
	endpointFmt  string
	keepAlive    time.Duration
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpointFmt:  wsEndpointFmt,
		keepAlive:    defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
	Flush                bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio in the output format
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Connect opens a stream-input WebSocket and sends the begin-of-input message.
func (p *Provider) Connect(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	voice := cmp.Or(cfg.Voice, p.voice)
	if voice == "" {
		return nil, errors.New("elevenlabs: voice must not be empty")
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, err := wsconn.Dial(ctx, p.buildURL(voice), wsconn.Options{
		Header:       headers,
		Decode:       decode,
		KeepAlive:    p.keepAlive,
		KeepAliveMsg: keepAliveMsg,
		Name:         "elevenlabs",
	})
	if err != nil {
		return nil, err
	}

	// ElevenLabs requires a non-empty first text value.
	boi, _ := json.Marshal(textMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
	})
	if err := conn.Send(boi); err != nil {
		conn.Close(nil)
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}
	return &stream{conn: conn}, nil
}

// buildURL constructs the WebSocket URL for a given voice.
func (p *Provider) buildURL(voiceID string) string {
	u := fmt.Sprintf(p.endpointFmt, url.PathEscape(voiceID))
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	q.Set("inactivity_timeout", inactivityTimeout)
	return u + "?" + q.Encode()
}

// ---- stream ----

type stream struct {
	conn *wsconn.Conn
}

func (s *stream) Speak(text string) error {
	if text == "" {
		// An empty text would end the input stream.
		return nil
	}
	b, err := json.Marshal(textMessage{Text: text, TryTriggerGeneration: true})
	if err != nil {
		return fmt.Errorf("elevenlabs: encode text: %w", err)
	}
	return s.conn.Send(b)
}

func (s *stream) Flush() error {
	b, _ := json.Marshal(textMessage{Text: " ", Flush: true})
	return s.conn.Send(b)
}

func (s *stream) Clear() error { return tts.ErrNotSupported }

func (s *stream) Events() <-chan tts.Event { return s.conn.Events() }

func (s *stream) Close() error { return s.conn.Close(eosMsg) }

// decode converts an ElevenLabs frame into an audio or control event. The
// audio-less isFinal frame that ends a generation maps to Flushed.
func decode(_ websocket.MessageType, data []byte) (tts.Event, bool) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return tts.Event{Control: tts.ControlError, Detail: "unparseable frame: " + string(data)}, true
	}
	if resp.Error != "" {
		return tts.Event{Control: tts.ControlError, Detail: cmp.Or(resp.Message, resp.Error)}, true
	}
	if resp.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return tts.Event{Control: tts.ControlError, Detail: "bad audio payload: " + err.Error()}, true
		}
		return tts.Event{Audio: audio}, true
	}
	if resp.IsFinal {
		return tts.Event{Control: tts.ControlFlushed}, true
	}
	return tts.Event{}, false
}

var _ tts.Provider = (*Provider)(nil)
