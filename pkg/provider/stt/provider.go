// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw telephony audio frames and
// emits a single ordered stream of Transcript values. Interim and final
// results share the channel so that consumers observe them in the order the
// provider produced them; the IsFinal and SpeechFinal flags tell them apart.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by providers for operations they cannot perform.
var ErrNotSupported = errors.New("stt: operation not supported by this provider")

// StreamConfig describes the audio format and recognition settings for a new
// STT session. Zero values fall back to the provider's defaults.
type StreamConfig struct {
	// Model is the provider-specific recognition model (e.g., "nova-2-phonecall").
	Model string

	// Language is the BCP-47 language tag for recognition (e.g., "de", "en-US").
	Language string

	// Encoding is the wire encoding of the audio frames (e.g., "mulaw").
	Encoding string

	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// Channels is the number of interleaved audio channels.
	Channels int

	// InterimResults requests low-latency interim transcripts in addition to
	// finals.
	InterimResults bool

	// Endpointing is the silence duration after which the provider declares the
	// end of a speech segment and marks the result as speech-final.
	Endpointing time.Duration

	// UtteranceEnd is the word-gap duration after which the provider emits an
	// utterance-end event. Zero disables it.
	UtteranceEnd time.Duration

	// SmartFormat enables provider-side punctuation and number formatting.
	SmartFormat bool
}

// Transcript is a single recognition result.
type Transcript struct {
	// Text is the transcribed speech content. May be empty.
	Text string

	// IsFinal is true when the provider will not revise this segment again.
	IsFinal bool

	// SpeechFinal is true when the provider detected the end of the caller's
	// utterance after this segment.
	SpeechFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of encoded audio to the provider. Chunks are
	// delivered in call order. It never blocks: a non-nil error means the
	// chunk was dropped because the session is closed, the connection is
	// lost, or the provider cannot keep up.
	SendAudio(chunk []byte) error

	// Transcripts returns the channel of recognition results. The channel is
	// closed when the session ends, either because Close was called or because
	// the provider connection dropped.
	Transcripts() <-chan Transcript

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// session lives until Close is called or ctx is cancelled.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
