// Package relay implements the turn pipeline of one phone call: caller audio
// goes to speech recognition, each finished utterance starts a completion
// turn, and the completion text is synthesized and played back to the caller.
//
// A new utterance while a turn is still running interrupts that turn
// (barge-in). Turns are numbered; only the newest turn may send text to
// synthesis or audio to the caller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phonerelay/internal/observe"
	"github.com/MrWong99/phonerelay/pkg/provider/llm"
	"github.com/MrWong99/phonerelay/pkg/provider/stt"
	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	"github.com/MrWong99/phonerelay/pkg/telephony"
)

// Channel is the outbound half of the telephony media stream.
// Implementations must serialize concurrent Send calls.
type Channel interface {
	Send(ctx context.Context, msg telephony.Message) error
}

// Config holds the per-call pipeline settings.
type Config struct {
	// SystemPrompt is sent with every completion request.
	SystemPrompt string

	// SpeakingIdleTimeout completes a flushed turn when no audio arrived for
	// this long. Zero waits for the synthesis Flushed event only.
	SpeakingIdleTimeout time.Duration

	// WriteTimeout bounds a single telephony write. Default: 5s.
	WriteTimeout time.Duration

	// ClearTimeout bounds how long audio is discarded after a synthesis clear
	// that was never acknowledged. Default: 2s.
	ClearTimeout time.Duration

	Temperature float64
	MaxTokens   int

	STT stt.StreamConfig
	TTS tts.StreamConfig
}

// Deps are the collaborators of a [Session].
type Deps struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	Config Config

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// OnTransition, if set, observes every state change. It runs with the
	// session lock held and must not call back into the session.
	OnTransition func(from, to State)
}

// Session is the turn controller of one call. It owns one recognition
// session and one synthesis stream for the lifetime of the call.
type Session struct {
	callID  string
	log     *slog.Logger
	metrics *observe.Metrics

	ts         *turnState
	recognizer *Recognizer
	synth      *Synthesizer
	driver     *Driver

	hasSeenMedia atomic.Bool
	audioDropped atomic.Bool // warn once per run of failed sends
	closeOnce    sync.Once
	closeErr     error
}

// NewSession opens the recognition session and the synthesis stream for a
// new call. Both live until Close is called or ctx is cancelled.
func NewSession(ctx context.Context, deps Deps, ch Channel) (*Session, error) {
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		return nil, errors.New("relay: stt, llm and tts providers are required")
	}
	if ch == nil {
		return nil, errors.New("relay: channel is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ClearTimeout <= 0 {
		cfg.ClearTimeout = defaultClearTimeout
	}

	callID := uuid.NewString()
	log := deps.Logger.With("call_id", callID)

	handle, err := deps.STT.StartStream(ctx, cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("relay: start recognition: %w", err)
	}
	stream, err := deps.TTS.Connect(ctx, cfg.TTS)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("relay: connect synthesis: %w", err)
	}

	ts := &turnState{
		idleTimeout:  cfg.SpeakingIdleTimeout,
		now:          deps.Now,
		metrics:      deps.Metrics,
		log:          log,
		onTransition: deps.OnTransition,
	}
	s := &Session{
		callID:  callID,
		log:     log,
		metrics: deps.Metrics,
		ts:      ts,
	}
	s.synth = newSynthesizer(stream, ch, ts, cfg)
	ts.onCompleted = s.synth.markPlayback
	s.driver = &Driver{llm: deps.LLM, synth: s.synth, ts: ts, cfg: cfg}
	s.recognizer = NewRecognizer(handle, ts.listen, s.onUtterance, log)

	log.Info("call session opened")
	return s, nil
}

// Run pumps recognition results and synthesis events until both streams end
// or ctx is cancelled. Turns started while Run is active are cancelled when
// it returns.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverPanic(s.log, "recognizer", &err)
		return s.recognizer.Run(gctx)
	})
	g.Go(func() (err error) {
		defer recoverPanic(s.log, "synthesizer", &err)
		return s.synth.Run(gctx)
	})
	return g.Wait()
}

// HandleMessage dispatches one inbound telephony message.
func (s *Session) HandleMessage(ctx context.Context, msg telephony.Message) {
	switch msg.Event {
	case telephony.EventConnected:
		s.log.Debug("telephony connected", "protocol", msg.Protocol, "version", msg.Version)

	case telephony.EventStart:
		sid := msg.StreamSid
		if sid == "" && msg.Start != nil {
			sid = msg.Start.StreamSid
		}
		s.latchStreamSid(sid)
		if msg.Start != nil {
			s.log.Info("telephony stream started",
				"stream_sid", sid,
				"call_sid", msg.Start.CallSid,
				"encoding", msg.Start.MediaFormat.Encoding,
				"sample_rate", msg.Start.MediaFormat.SampleRate,
			)
		}

	case telephony.EventMedia:
		s.handleMedia(ctx, msg)

	case telephony.EventMark:
		if msg.Mark != nil {
			s.log.Debug("reply played out", "mark", msg.Mark.Name)
		}

	case telephony.EventStop:
		s.log.Info("telephony stream stopped", "stream_sid", msg.StreamSid)

	default:
		s.log.Debug("ignoring telephony event", "event", msg.Event)
	}
}

func (s *Session) handleMedia(ctx context.Context, msg telephony.Message) {
	s.latchStreamSid(msg.StreamSid)
	if !msg.Inbound() {
		return
	}
	audio, err := telephony.DecodePayload(msg.Media.Payload)
	if err != nil {
		s.log.Warn("dropping media frame", "err", err)
		s.metrics.RecordMalformedFrame(ctx, "payload")
		return
	}
	if s.hasSeenMedia.CompareAndSwap(false, true) {
		s.log.Info("first caller audio received")
	}
	if err := s.recognizer.SendAudio(audio); err != nil {
		if s.audioDropped.CompareAndSwap(false, true) {
			s.log.Warn("caller audio dropped, recognition unavailable", "err", err)
		}
		return
	}
	s.audioDropped.Store(false)
}

// latchStreamSid records the first non-empty stream SID. It takes no lock, so
// inbound media never waits on the turn state.
func (s *Session) latchStreamSid(sid string) {
	if s.ts.latch(sid) {
		s.log.Debug("stream sid latched", "stream_sid", sid)
	}
}

// onUtterance starts a turn for a completed utterance, interrupting the
// running turn first if there is one.
func (s *Session) onUtterance(ctx context.Context, text string) {
	if s.synth.interrupt() {
		s.metrics.BargeIns.Add(ctx, 1)
		s.log.Info("barge-in, interrupting reply")
	}
	s.driver.StartTurn(ctx, text)
}

// Close ends the call: the running turn is cancelled, then the recognition
// session and the synthesis stream are closed in that order. Close is
// idempotent and waits for turn goroutines to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.ts.shutdown()
		s.closeErr = errors.Join(s.recognizer.Close(), s.synth.Close())
		s.driver.Wait()
		s.log.Info("call session closed")
	})
	return s.closeErr
}

// State returns the current turn state.
func (s *Session) State() State { return s.ts.State() }

// Generation returns the newest turn generation.
func (s *Session) Generation() uint64 { return s.ts.Generation() }

// CallID returns the session's generated call identifier.
func (s *Session) CallID() string { return s.callID }

// HasSeenMedia reports whether any inbound audio has been received.
func (s *Session) HasSeenMedia() bool { return s.hasSeenMedia.Load() }

// StreamSid returns the latched stream SID, or "" before one was seen.
func (s *Session) StreamSid() string { return s.ts.streamSid() }
