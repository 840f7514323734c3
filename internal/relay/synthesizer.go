package relay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/phonerelay/internal/observe"
	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	"github.com/MrWong99/phonerelay/pkg/telephony"
)

// defaultClearTimeout bounds how long audio is discarded while waiting for
// the synthesis service to acknowledge a clear.
const defaultClearTimeout = 2 * time.Second

// outboundQueue is the capacity of the telephony control queue.
const outboundQueue = 16

// Drop reasons recorded on observe.Metrics.DroppedAudioChunks.
const (
	dropStale     = "stale"
	dropClearing  = "clearing"
	dropNoStream  = "no_stream_sid"
	dropSendError = "send_error"
)

// Synthesizer owns the call's synthesis stream. Text goes out through speak
// and flush; audio coming back is forwarded to the caller only while it
// belongs to the newest turn.
//
// A single synthesis connection serves every turn of the call, so audio
// carries no turn tag. A chunk is attributed to the newest turn that sent
// text, and is dropped if that turn has been superseded or a clear is still
// outstanding.
//
// No network I/O happens while ts.mu is held. Synthesis commands are
// serialized by cmdMu, and every telephony write happens on the goroutine
// running Run, so a clear or mark is never written ahead of audio that was
// already on its way out.
type Synthesizer struct {
	stream       tts.Stream
	channel      Channel
	ts           *turnState
	writeTimeout time.Duration
	clearTimeout time.Duration

	// cmdMu makes the turn check and the synthesis command that follows it
	// one step. Lock order: cmdMu before ts.mu.
	cmdMu sync.Mutex

	outbound chan telephony.Message
}

func newSynthesizer(stream tts.Stream, ch Channel, ts *turnState, cfg Config) *Synthesizer {
	return &Synthesizer{
		stream:       stream,
		channel:      ch,
		ts:           ts,
		writeTimeout: cfg.WriteTimeout,
		clearTimeout: cfg.ClearTimeout,
		outbound:     make(chan telephony.Message, outboundQueue),
	}
}

// speak forwards text for turn gen. It returns false when gen is no longer
// the active turn and the text was not sent.
func (s *Synthesizer) speak(gen uint64, text string) (bool, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	ts := s.ts
	ts.mu.Lock()
	if !ts.currentLocked(gen) {
		ts.mu.Unlock()
		return false, nil
	}
	if ts.spokeGen != gen {
		ts.spokeGen = gen
		ts.tracker.MarkTTSStart()
	}
	ts.mu.Unlock()

	return true, s.stream.Speak(text)
}

// flush sends the end-of-turn flush for gen. It is a no-op for a superseded
// turn. The idle timer only runs once the turn's audio has started.
func (s *Synthesizer) flush(gen uint64) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	ts := s.ts
	ts.mu.Lock()
	if !ts.currentLocked(gen) {
		ts.mu.Unlock()
		return nil
	}
	// Counted before sending: the Flushed ack may arrive before Flush returns.
	ts.flushGen = gen
	ts.flushesOut++
	if ts.forwarded {
		ts.armIdleLocked(gen)
	}
	ts.mu.Unlock()

	if err := s.stream.Flush(); err != nil {
		ts.mu.Lock()
		if ts.flushesOut > 0 {
			ts.flushesOut--
		}
		ts.mu.Unlock()
		return err
	}
	return nil
}

// interrupt ends the active turn, asks the synthesis service to discard its
// buffered audio and queues a telephony clear. It reports whether a turn was
// active.
func (s *Synthesizer) interrupt() bool {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	ts := s.ts
	ts.mu.Lock()
	if !ts.speaking || ts.closed {
		ts.mu.Unlock()
		return false
	}
	ts.endLocked(ts.gen, observe.OutcomeInterrupted)
	ts.setStateLocked(StateListening)
	ts.clearPending = true
	ts.clearUntil = ts.now().Add(s.clearTimeout)
	ts.mu.Unlock()

	err := s.stream.Clear()

	ts.mu.Lock()
	switch {
	case err == nil:
		ts.flushesOut = 0
	case errors.Is(err, tts.ErrNotSupported):
		// Audio still in flight is dropped on arrival instead.
		ts.clearPending = false
	default:
		ts.clearPending = false
		ts.log.Warn("synthesis clear failed", "err", err)
	}
	ts.mu.Unlock()

	if sid := ts.streamSid(); sid != "" {
		s.enqueue(telephony.ClearMessage(sid))
	}
	return true
}

// markPlayback queues a mark behind the audio of turn gen. The telephony side
// echoes it once the caller has heard the whole reply. Safe to call with
// ts.mu held.
func (s *Synthesizer) markPlayback(gen uint64) {
	if sid := s.ts.streamSid(); sid != "" {
		s.enqueue(telephony.MarkMessage(sid, markName(gen)))
	}
}

func markName(gen uint64) string {
	return "turn-" + strconv.FormatUint(gen, 10)
}

// enqueue hands a control message to Run without blocking.
func (s *Synthesizer) enqueue(msg telephony.Message) {
	select {
	case s.outbound <- msg:
	default:
		s.ts.log.Warn("telephony queue full, dropping message", "event", msg.Event)
	}
}

// Run consumes synthesis events and writes queued telephony messages until
// the stream closes or ctx is done.
func (s *Synthesizer) Run(ctx context.Context) error {
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.outbound:
			if err := s.write(ctx, msg); err != nil {
				s.ts.log.Warn("telephony write failed", "event", msg.Event, "err", err)
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Audio != nil {
				s.handleAudio(ctx, ev.Audio)
			} else {
				s.handleControl(ev)
			}
		}
	}
}

func (s *Synthesizer) write(ctx context.Context, msg telephony.Message) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.channel.Send(wctx, msg)
}

func (s *Synthesizer) handleAudio(ctx context.Context, audio []byte) {
	ts := s.ts
	sid := ts.streamSid()

	ts.mu.Lock()
	gen := ts.gen
	var reason string
	switch {
	case ts.clearActiveLocked():
		reason = dropClearing
	case !ts.currentLocked(gen) || ts.spokeGen != gen:
		reason = dropStale
	case sid == "":
		reason = dropNoStream
	}
	ts.mu.Unlock()
	if reason != "" {
		s.drop(ctx, reason)
		return
	}

	if err := s.write(ctx, telephony.MediaMessage(sid, audio)); err != nil {
		ts.log.Warn("telephony write failed", "err", err)
		s.drop(ctx, dropSendError)
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.currentLocked(gen) {
		return
	}
	if !ts.forwarded {
		ts.forwarded = true
		ts.tracker.MarkFirstAudioByte()
		if ts.state == StateGenerating {
			ts.setStateLocked(StateSpeaking)
		}
	}
	if ts.flushGen == gen {
		ts.armIdleLocked(gen)
	}
}

func (s *Synthesizer) handleControl(ev tts.Event) {
	ts := s.ts
	switch ev.Control {
	case tts.ControlCleared:
		ts.mu.Lock()
		ts.clearPending = false
		ts.mu.Unlock()
	case tts.ControlFlushed:
		ts.mu.Lock()
		if ts.flushesOut > 0 {
			ts.flushesOut--
		}
		if ts.flushesOut == 0 && ts.flushGen == ts.gen {
			ts.endLocked(ts.gen, observe.OutcomeCompleted)
		}
		ts.mu.Unlock()
	case tts.ControlWarning, tts.ControlError:
		ts.log.Warn("synthesis reported a problem", "type", ev.Control, "detail", ev.Detail)
	default:
		ts.log.Debug("synthesis control message", "type", ev.Control, "detail", ev.Detail)
	}
}

func (s *Synthesizer) drop(ctx context.Context, reason string) {
	s.ts.metrics.DroppedAudioChunks.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", reason)))
}

// Close closes the synthesis stream.
func (s *Synthesizer) Close() error {
	return s.stream.Close()
}
