package relay

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/phonerelay/internal/observe"
	"github.com/MrWong99/phonerelay/pkg/provider/llm"
)

// Driver runs completion turns. Each turn streams the model's reply fragment
// by fragment into the synthesizer, and stops forwarding as soon as a newer
// turn supersedes it.
type Driver struct {
	llm   llm.Provider
	synth *Synthesizer
	ts    *turnState
	cfg   Config

	wg sync.WaitGroup
}

// StartTurn begins a new turn for prompt and returns its generation. Any
// turn still running is cancelled. It returns 0 when the session is closed.
func (d *Driver) StartTurn(ctx context.Context, prompt string) uint64 {
	ts := d.ts
	ts.mu.Lock()
	gen, turnCtx, tracker, ok := ts.beginLocked(ctx)
	if ok {
		d.wg.Add(1)
	}
	ts.mu.Unlock()
	if !ok {
		return 0
	}

	go func() {
		defer d.wg.Done()
		defer recoverPanic(ts.log, "turn", nil)
		d.run(turnCtx, gen, prompt, tracker)
	}()
	return gen
}

// Wait blocks until every turn goroutine has returned.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) run(ctx context.Context, gen uint64, prompt string, tracker *LatencyTracker) {
	cfg := d.cfg
	ctx, span := observe.StartSpan(ctx, "relay.turn",
		trace.WithAttributes(attribute.Int64("relay.generation", int64(gen))))
	defer span.End()
	log := observe.Logger(ctx, d.ts.log).With("generation", gen)

	req := llm.CompletionRequest{
		SystemPrompt: cfg.SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
	chunks, err := d.llm.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("completion failed to start", "err", err)
		d.fail(gen, span, err)
		return
	}

	for chunk := range chunks {
		if chunk.FinishReason == llm.FinishReasonError {
			log.Error("completion stream failed", "err", chunk.Text)
			d.fail(gen, span, errors.New(chunk.Text))
			drain(chunks)
			return
		}
		if chunk.Text == "" {
			continue
		}

		tracker.MarkFirstToken()
		if ContainsBoundary(chunk.Text) {
			tracker.MarkFirstFlushableText()
		}

		forwarded, err := d.synth.speak(gen, chunk.Text)
		if !forwarded {
			log.Debug("turn superseded, discarding completion")
			span.SetAttributes(attribute.Bool("relay.superseded", true))
			drain(chunks)
			return
		}
		if err != nil {
			log.Error("synthesis speak failed", "err", err)
			d.fail(gen, span, err)
			drain(chunks)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := d.synth.flush(gen); err != nil {
		log.Error("synthesis flush failed", "err", err)
		d.fail(gen, span, err)
	}
}

// fail ends turn gen as failed. The turn's context is cancelled, which also
// stops its completion stream.
func (d *Driver) fail(gen uint64, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	ts := d.ts
	ts.mu.Lock()
	ts.endLocked(gen, observe.OutcomeFailed)
	ts.mu.Unlock()
}

// drain consumes what is left of a completion stream whose context has been
// cancelled, so the producing goroutine can exit.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

