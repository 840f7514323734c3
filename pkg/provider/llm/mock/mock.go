// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the turn driver sends correct
// CompletionRequests and to feed controlled responses without a live backend.
// A Provider replays StreamChunks for every call, unless Manual is set, in
// which case each call opens a Stream the test drives chunk by chunk.
//
// Example:
//
//	p := &mock.Provider{Manual: true}
//	ch, _ := p.StreamCompletion(ctx, req)
//	s := p.Stream(0)
//	s.Send(llm.Chunk{Text: "Hallo"})
//	s.End()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/phonerelay/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion when Manual is false.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// Manual makes every StreamCompletion call open a Stream driven by the test.
	Manual bool

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	streams []*Stream
	opened  chan struct{}
}

// StreamCompletion records the call and returns a channel of chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan llm.Chunk)
	if p.Manual {
		s := &Stream{
			ctx:   ctx,
			ch:    ch,
			in:    make(chan llm.Chunk),
			ended: make(chan struct{}),
			done:  make(chan struct{}),
		}
		p.streams = append(p.streams, s)
		p.signal()
		go s.run()
		return ch, nil
	}

	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// signal wakes every WaitStreams caller. p.mu must be held.
func (p *Provider) signal() {
	if p.opened != nil {
		close(p.opened)
		p.opened = nil
	}
}

// Calls returns a copy of the recorded StreamCompletion calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.StreamCalls...)
}

// Stream returns the i-th manual stream, or nil if it has not been opened.
func (p *Provider) Stream(i int) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

// WaitStream blocks until the i-th manual stream is opened or ctx ends.
func (p *Provider) WaitStream(ctx context.Context, i int) *Stream {
	for {
		p.mu.Lock()
		if i < len(p.streams) {
			s := p.streams[i]
			p.mu.Unlock()
			return s
		}
		if p.opened == nil {
			p.opened = make(chan struct{})
		}
		wait := p.opened
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil
		}
	}
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// Stream is a manually driven completion stream. It closes its channel when
// End is called or when the consumer's context is cancelled, like a real
// provider stream.
type Stream struct {
	ctx   context.Context
	ch    chan llm.Chunk
	in    chan llm.Chunk
	once  sync.Once
	ended chan struct{}
	done  chan struct{}
}

func (s *Stream) run() {
	defer close(s.done)
	defer close(s.ch)
	for {
		select {
		case c := <-s.in:
			select {
			case s.ch <- c:
			case <-s.ctx.Done():
				return
			}
		case <-s.ended:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Send hands c to the stream. It returns false if the stream has already
// closed.
func (s *Stream) Send(c llm.Chunk) bool {
	select {
	case s.in <- c:
		return true
	case <-s.done:
		return false
	}
}

// End closes the stream. Safe to call more than once.
func (s *Stream) End() {
	s.once.Do(func() { close(s.ended) })
}

// Cancelled reports whether the consumer's context has been cancelled.
func (s *Stream) Cancelled() bool {
	return s.ctx.Err() != nil
}
