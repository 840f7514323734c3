// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a synthesis service that keeps one bidirectional
// connection open for a whole call. Text is pushed with Speak as soon as the
// completion source produces it; Flush asks the provider to synthesize
// everything buffered so far; Clear discards buffered and in-flight audio.
// Synthesized audio and provider control messages come back on a single
// ordered Events channel.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by streams for commands the provider lacks.
var ErrNotSupported = errors.New("tts: operation not supported by this provider")

// Control message types normalized across providers.
const (
	// ControlFlushed reports that all audio for the preceding Flush was sent.
	ControlFlushed = "Flushed"
	// ControlCleared acknowledges a Clear; no audio queued before it follows.
	ControlCleared = "Cleared"
	// ControlMetadata carries provider session metadata.
	ControlMetadata = "Metadata"
	// ControlWarning carries a non-fatal provider warning.
	ControlWarning = "Warning"
	// ControlError carries a provider error. The stream may still be usable.
	ControlError = "Error"
)

// StreamConfig selects the voice and output format of a synthesis stream.
// Zero values fall back to the provider's defaults.
type StreamConfig struct {
	// Voice is the provider-specific voice or model identifier
	// (e.g., "aura-2-julius-de" for Deepgram, a voice ID for ElevenLabs).
	Voice string

	// Encoding is the output audio encoding (e.g., "mulaw").
	Encoding string

	// SampleRate is the output sample rate in Hz. Telephony audio is 8000.
	SampleRate int
}

// Event is a single message received from the synthesis stream. Exactly one of
// Audio or Control is set.
type Event struct {
	// Audio is a chunk of encoded audio in the configured output format.
	Audio []byte

	// Control is the normalized control message type (ControlFlushed, ...).
	Control string

	// Detail holds the raw control payload or error description, if any.
	Detail string
}

// Stream is an open synthesis connection.
type Stream interface {
	// Speak queues text for synthesis. Text is sent as-is, without batching.
	Speak(text string) error

	// Flush asks the provider to synthesize all text queued so far.
	Flush() error

	// Clear discards queued text and any audio not yet delivered. Providers
	// without this command return ErrNotSupported.
	Clear() error

	// Events returns the channel of audio and control events. It is closed
	// when the stream ends.
	Events() <-chan Event

	// Close terminates the stream. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Connect opens a synthesis stream that lives until Close is called or ctx
	// is cancelled.
	Connect(ctx context.Context, cfg StreamConfig) (Stream, error)
}
