package relay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/phonerelay/pkg/provider/stt"
)

// Recognizer turns the transcript stream of one recognition session into
// utterances. Final fragments are collected until the recognizer reports the
// end of speech; the fragments are then joined with single spaces and handed
// to onUtterance.
type Recognizer struct {
	handle      stt.SessionHandle
	onHeard     func()
	onUtterance func(ctx context.Context, text string)
	log         *slog.Logger

	// pending is only touched by the goroutine running Run.
	pending []string
}

// NewRecognizer wraps handle. onHeard is called for every non-empty
// transcript, interim or final; onUtterance for every completed utterance.
// Either callback may be nil.
func NewRecognizer(handle stt.SessionHandle, onHeard func(), onUtterance func(context.Context, string), log *slog.Logger) *Recognizer {
	if log == nil {
		log = slog.Default()
	}
	return &Recognizer{handle: handle, onHeard: onHeard, onUtterance: onUtterance, log: log}
}

// SendAudio forwards raw caller audio to the recognition session.
func (r *Recognizer) SendAudio(audio []byte) error {
	return r.handle.SendAudio(audio)
}

// Run consumes transcripts until the session's channel closes or ctx is done.
func (r *Recognizer) Run(ctx context.Context) error {
	ch := r.handle.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ch:
			if !ok {
				return nil
			}
			r.Handle(ctx, t)
		}
	}
}

// Handle processes a single transcript event.
func (r *Recognizer) Handle(ctx context.Context, t stt.Transcript) {
	if t.Text == "" {
		return
	}
	if r.onHeard != nil {
		r.onHeard()
	}
	if !t.IsFinal {
		r.log.Debug("interim transcript", "text", t.Text)
		return
	}

	r.pending = append(r.pending, t.Text)
	if !t.SpeechFinal {
		return
	}

	utterance := strings.Join(r.pending, " ")
	r.pending = r.pending[:0]
	r.log.Info("utterance", "text", utterance)
	if r.onUtterance != nil {
		r.onUtterance(ctx, utterance)
	}
}

// Close closes the recognition session.
func (r *Recognizer) Close() error {
	return r.handle.Close()
}
