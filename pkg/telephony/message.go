// Package telephony implements the framing of a Twilio-style media stream:
// JSON text messages carrying an event name and, for media events, a base64
// payload of 8 kHz μ-law audio.
//
// Inbound events are connected, start, media, mark and stop. Outbound, the
// relay sends media (synthesized audio), mark and clear.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Track names carried by media events.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// ErrNoEvent is returned by Parse for messages without an event name.
var ErrNoEvent = errors.New("telephony: message has no event")

// Message is one media-stream frame. Only the field matching Event is set.
type Message struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	Version        string `json:"version,omitempty"`

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
}

// Start describes the stream announced by a start event.
type Start struct {
	StreamSid        string            `json:"streamSid,omitempty"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Media carries one audio frame.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Mark names a playback position.
type Mark struct {
	Name string `json:"name"`
}

// Stop carries the identifiers of the ended call.
type Stop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Parse decodes one text frame.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("telephony: parse: %w", err)
	}
	if m.Event == "" {
		return Message{}, ErrNoEvent
	}
	return m, nil
}

// Inbound reports whether m is a media event on the caller's track.
func (m Message) Inbound() bool {
	return m.Event == EventMedia && m.Media != nil && m.Media.Track == TrackInbound
}

// DecodePayload decodes a base64 media payload into raw audio bytes.
func DecodePayload(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode payload: %w", err)
	}
	return b, nil
}

// EncodePayload encodes raw audio bytes as a base64 media payload.
func EncodePayload(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// MediaMessage wraps audio for playback to the caller.
func MediaMessage(streamSid string, audio []byte) Message {
	return Message{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &Media{Payload: EncodePayload(audio)},
	}
}

// ClearMessage asks the telephony side to discard buffered playback audio.
func ClearMessage(streamSid string) Message {
	return Message{Event: EventClear, StreamSid: streamSid}
}

// MarkMessage asks the telephony side to echo name back once playback
// reaches this point.
func MarkMessage(streamSid, name string) Message {
	return Message{Event: EventMark, StreamSid: streamSid, Mark: &Mark{Name: name}}
}
