package relay

import (
	"sync"
	"time"
)

// LatencySample holds the timestamps recorded during one turn. A zero time
// means the event did not happen.
type LatencySample struct {
	LLMStart             time.Time
	FirstTokenAt         time.Time
	TTSStart             time.Time
	FirstAudioByteAt     time.Time
	FirstFlushableTextAt time.Time
}

func between(from, to time.Time) (time.Duration, bool) {
	if from.IsZero() || to.IsZero() {
		return 0, false
	}
	return to.Sub(from), true
}

// TimeToFirstToken is FirstTokenAt - LLMStart.
func (s LatencySample) TimeToFirstToken() (time.Duration, bool) {
	return between(s.LLMStart, s.FirstTokenAt)
}

// TimeToFirstByte is FirstAudioByteAt - TTSStart.
func (s LatencySample) TimeToFirstByte() (time.Duration, bool) {
	return between(s.TTSStart, s.FirstAudioByteAt)
}

// SentenceToAudio is FirstAudioByteAt - FirstFlushableTextAt, the end-to-end
// delay between the first speakable clause and the caller hearing audio.
func (s LatencySample) SentenceToAudio() (time.Duration, bool) {
	return between(s.FirstFlushableTextAt, s.FirstAudioByteAt)
}

// LatencyTracker records the timestamps of a single turn. Every mark is set
// at most once; later calls are ignored. It is safe for concurrent use.
//
// The tracker is purely observational and never drives control flow.
type LatencyTracker struct {
	now func() time.Time

	mu sync.Mutex
	s  LatencySample
}

// NewLatencyTracker starts a tracker and records LLMStart. A nil now uses
// [time.Now].
func NewLatencyTracker(now func() time.Time) *LatencyTracker {
	if now == nil {
		now = time.Now
	}
	t := &LatencyTracker{now: now}
	t.s.LLMStart = now()
	return t
}

func (t *LatencyTracker) mark(field *time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !field.IsZero() {
		return false
	}
	*field = t.now()
	return true
}

// MarkFirstToken records FirstTokenAt. It reports whether this call set it.
func (t *LatencyTracker) MarkFirstToken() bool { return t.mark(&t.s.FirstTokenAt) }

// MarkTTSStart records TTSStart.
func (t *LatencyTracker) MarkTTSStart() bool { return t.mark(&t.s.TTSStart) }

// MarkFirstAudioByte records FirstAudioByteAt.
func (t *LatencyTracker) MarkFirstAudioByte() bool { return t.mark(&t.s.FirstAudioByteAt) }

// MarkFirstFlushableText records FirstFlushableTextAt.
func (t *LatencyTracker) MarkFirstFlushableText() bool { return t.mark(&t.s.FirstFlushableTextAt) }

// Sample returns a copy of the recorded timestamps.
func (t *LatencyTracker) Sample() LatencySample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
