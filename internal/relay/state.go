package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/phonerelay/internal/observe"
)

// State is the position of a call in the turn state machine.
type State int

const (
	StateIdle State = iota
	StateListening
	StateGenerating
	StateSpeaking
	StateInterrupted
	StateCompleted
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// turnState is the state shared between the stages of one call. Fields are
// guarded by mu except sid, which is latched once and read without locking.
// Every check on the active turn happens under mu, but no network I/O does.
type turnState struct {
	sid atomic.Pointer[string]

	mu sync.Mutex

	state    State
	gen      uint64 // generation of the newest turn
	speaking bool   // the newest turn may still produce audio

	spokeGen     uint64 // newest generation that sent text to synthesis
	flushGen     uint64 // newest generation whose flush was sent
	flushesOut   int    // flushes not yet acknowledged by synthesis
	forwarded    bool   // audio of the newest turn reached the caller
	clearPending bool   // synthesis clear sent, not yet acknowledged
	clearUntil   time.Time
	closed       bool

	cancel  context.CancelFunc
	tracker *LatencyTracker
	started time.Time
	idle    *time.Timer

	idleTimeout  time.Duration
	now          func() time.Time
	metrics      *observe.Metrics
	log          *slog.Logger
	onTransition func(from, to State)
	onCompleted  func(gen uint64) // called with mu held after a turn's audio played out
}

// latch records the telephony stream SID. Only the first SID sticks; it
// reports whether this call set it.
func (ts *turnState) latch(sid string) bool {
	if sid == "" || ts.sid.Load() != nil {
		return false
	}
	return ts.sid.CompareAndSwap(nil, &sid)
}

// streamSid returns the latched stream SID, or "" before the start event.
func (ts *turnState) streamSid() string {
	if p := ts.sid.Load(); p != nil {
		return *p
	}
	return ""
}

// setStateLocked moves to a new state and reports the transition.
func (ts *turnState) setStateLocked(to State) {
	from := ts.state
	if from == to {
		return
	}
	ts.state = to
	ts.log.Debug("turn state", "from", from.String(), "to", to.String(), "generation", ts.gen)
	if ts.onTransition != nil {
		ts.onTransition(from, to)
	}
}

// listen moves an idle call to Listening once the caller is heard.
func (ts *turnState) listen() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state == StateIdle {
		ts.setStateLocked(StateListening)
	}
}

// beginLocked starts a new turn: it bumps the generation, cancels whatever
// turn context is still alive, and returns the new turn's context.
func (ts *turnState) beginLocked(parent context.Context) (uint64, context.Context, *LatencyTracker, bool) {
	if ts.closed {
		return 0, nil, nil, false
	}
	if ts.cancel != nil {
		ts.cancel()
	}
	ts.stopIdleLocked()

	ts.gen++
	ctx, cancel := context.WithCancel(parent)
	ts.cancel = cancel
	ts.speaking = true
	ts.forwarded = false
	ts.tracker = NewLatencyTracker(ts.now)
	ts.started = ts.now()
	ts.setStateLocked(StateGenerating)
	return ts.gen, ctx, ts.tracker, true
}

// currentLocked reports whether gen is the newest turn and may still speak.
func (ts *turnState) currentLocked(gen uint64) bool {
	return ts.speaking && ts.gen == gen && !ts.closed
}

// endLocked finishes turn gen with the given outcome. It is a no-op when gen
// is no longer current.
func (ts *turnState) endLocked(gen uint64, outcome string) {
	if !ts.currentLocked(gen) {
		return
	}
	ts.speaking = false
	ts.stopIdleLocked()
	if ts.cancel != nil {
		ts.cancel()
		ts.cancel = nil
	}

	switch outcome {
	case observe.OutcomeCompleted:
		ts.setStateLocked(StateCompleted)
		ts.setStateLocked(StateIdle)
		if ts.forwarded && ts.onCompleted != nil {
			ts.onCompleted(gen)
		}
	case observe.OutcomeInterrupted:
		ts.setStateLocked(StateInterrupted)
	default:
		ts.setStateLocked(StateIdle)
	}
	ts.recordLocked(gen, outcome)
}

// recordLocked publishes the latency sample and turn outcome.
func (ts *turnState) recordLocked(gen uint64, outcome string) {
	ctx := context.Background()
	sample := ts.tracker.Sample()
	ttft, okTTFT := sample.TimeToFirstToken()
	ttfb, okTTFB := sample.TimeToFirstByte()
	s2a, okS2A := sample.SentenceToAudio()
	dur := ts.now().Sub(ts.started)

	observe.RecordLatency(ctx, ts.metrics.TimeToFirstToken, ttft, okTTFT)
	observe.RecordLatency(ctx, ts.metrics.TimeToFirstByte, ttfb, okTTFB)
	observe.RecordLatency(ctx, ts.metrics.SentenceToAudio, s2a, okS2A)
	ts.metrics.RecordTurn(ctx, outcome, dur)

	ts.log.Info("turn ended",
		"generation", gen,
		"outcome", outcome,
		"duration_ms", dur.Milliseconds(),
		"time_to_first_token_ms", ttft.Milliseconds(),
		"time_to_first_byte_ms", ttfb.Milliseconds(),
		"sentence_to_audio_ms", s2a.Milliseconds(),
	)
}

// armIdleLocked (re)starts the timer that completes turn gen when synthesis
// stays silent for idleTimeout. It runs only after the flush was sent and the
// turn's audio has started.
func (ts *turnState) armIdleLocked(gen uint64) {
	ts.stopIdleLocked()
	if ts.idleTimeout <= 0 {
		return
	}
	ts.idle = time.AfterFunc(ts.idleTimeout, func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.currentLocked(gen) {
			ts.log.Debug("synthesis idle, completing turn", "generation", gen)
		}
		ts.endLocked(gen, observe.OutcomeCompleted)
	})
}

func (ts *turnState) stopIdleLocked() {
	if ts.idle != nil {
		ts.idle.Stop()
		ts.idle = nil
	}
}

// clearActiveLocked reports whether audio is still being discarded after a
// synthesis clear. An unacknowledged clear expires at clearUntil.
func (ts *turnState) clearActiveLocked() bool {
	if ts.clearPending && !ts.now().Before(ts.clearUntil) {
		ts.clearPending = false
		ts.log.Debug("synthesis clear not acknowledged, resuming audio")
	}
	return ts.clearPending
}

// shutdown stops the active turn without recording it and refuses new turns.
func (ts *turnState) shutdown() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	ts.speaking = false
	ts.stopIdleLocked()
	if ts.cancel != nil {
		ts.cancel()
		ts.cancel = nil
	}
}

// State returns the current state.
func (ts *turnState) State() State {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state
}

// Generation returns the newest turn generation.
func (ts *turnState) Generation() uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.gen
}
