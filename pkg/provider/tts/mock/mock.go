// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify the StreamConfig passed to Connect. Use Stream to
// inspect the ordered Speak/Flush/Clear commands and to inject audio and
// control events.
//
// Example:
//
//	s := mock.NewStream()
//	p := &mock.Provider{Stream: s}
//	st, _ := p.Connect(ctx, cfg)
//	s.EmitAudio([]byte{0xff})
//	s.EmitControl(tts.ControlFlushed)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/phonerelay/pkg/provider/tts"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the StreamConfig passed to Connect.
	Cfg tts.StreamConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by Connect. If nil, Connect returns a new Stream.
	Stream *Stream

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Stream, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Command kinds recorded by Stream.
const (
	CmdSpeak = "speak"
	CmdFlush = "flush"
	CmdClear = "clear"
)

// Command is one recorded stream command.
type Command struct {
	// Kind is CmdSpeak, CmdFlush or CmdClear.
	Kind string
	// Text is the Speak argument; empty for other kinds.
	Text string
}

// Stream is a mock implementation of tts.Stream.
type Stream struct {
	mu     sync.Mutex
	events chan tts.Event
	closed bool

	// SpeakErr, FlushErr and ClearErr are returned by the matching method.
	SpeakErr error
	FlushErr error
	ClearErr error

	// Commands records every Speak, Flush and Clear call in order, including
	// calls that returned an error.
	Commands []Command

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{events: make(chan tts.Event, 256)}
}

// Speak records the call and returns SpeakErr.
func (s *Stream) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, Command{Kind: CmdSpeak, Text: text})
	return s.SpeakErr
}

// Flush records the call and returns FlushErr.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, Command{Kind: CmdFlush})
	return s.FlushErr
}

// Clear records the call and returns ClearErr.
func (s *Stream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, Command{Kind: CmdClear})
	return s.ClearErr
}

// Events returns the event channel. It is closed by Close.
func (s *Stream) Events() <-chan tts.Event { return s.events }

// EmitAudio delivers an audio event. No-op after Close.
func (s *Stream) EmitAudio(audio []byte) { s.emit(tts.Event{Audio: audio}) }

// EmitControl delivers a control event. No-op after Close.
func (s *Stream) EmitControl(control string) { s.emit(tts.Event{Control: control}) }

func (s *Stream) emit(ev tts.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Recorded returns a copy of the recorded commands. Thread-safe.
func (s *Stream) Recorded() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.Commands...)
}

// Count returns how many commands of the given kind were recorded.
func (s *Stream) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Close records the call and closes the event channel once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Ensure Stream implements tts.Stream at compile time.
var _ tts.Stream = (*Stream)(nil)
