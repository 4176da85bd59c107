// Package speculative starts generating a reply from an interim transcript
// that already looks complete, so the completion round trip overlaps with
// the trailing silence of the user's speech.
//
// An Engine belongs to one connection worker and is not safe for
// concurrent use. The completion call runs in its own goroutine and writes
// only into its Pending handle; once a Pending leaves the slot nothing
// reads it again.
package speculative

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/classifier"
	"github.com/lexiqai/voice-pipeline/internal/completion"
)

// Outcome labels reported to the Observer
const (
	OutcomeStarted   = "started"
	OutcomeHit       = "hit"
	OutcomeMiss      = "miss"
	OutcomeCancelled = "cancelled"
	OutcomeDiscarded = "discarded"
	OutcomeFailed    = "failed"
)

// Policy configures when speculation is attempted.
type Policy struct {
	Enabled bool
	// Interval is the minimum spacing between two attempts.
	Interval time.Duration
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{Enabled: true, Interval: 800 * time.Millisecond}
}

// Observer receives speculation outcomes, typically a metrics recorder.
type Observer func(outcome string)

// Pending is one in-flight or finished speculative completion.
type Pending struct {
	transcript string
	key        string
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time

	// written once by the call goroutine before done is closed
	response   string
	err        error
	finishedAt time.Time
}

// Transcript is the interim text the reply was generated for.
func (p *Pending) Transcript() string {
	return p.transcript
}

// StartedAt is when the completion call was issued.
func (p *Pending) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed when the completion call returns.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is available or ctx is done. A cancelled
// ctx also cancels the underlying call.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.response, p.err
	case <-ctx.Done():
		p.cancel()
		return "", ctx.Err()
	}
}

// FinishedAt is when the completion call returned; zero until Done.
func (p *Pending) FinishedAt() time.Time {
	select {
	case <-p.done:
		return p.finishedAt
	default:
		return time.Time{}
	}
}

// Engine owns the speculative slot of one connection.
type Engine struct {
	provider   completion.Provider
	classifier *classifier.Classifier
	policy     Policy
	observe    Observer
	logger     zerolog.Logger
	now        func() time.Time

	slot        *Pending
	lastAttempt time.Time
}

// New creates an engine. observe may be nil.
func New(provider completion.Provider, c *classifier.Classifier, policy Policy, observe Observer, logger zerolog.Logger) *Engine {
	if observe == nil {
		observe = func(string) {}
	}
	return &Engine{
		provider:   provider,
		classifier: c,
		policy:     policy,
		observe:    observe,
		logger:     logger.With().Str("component", "speculative").Logger(),
		now:        time.Now,
	}
}

// InFlight returns the pending speculation, if any
func (e *Engine) InFlight() *Pending {
	return e.slot
}

// MaybeSpeculate starts a cancellable completion for req.Utterance when
// the engine is enabled, no finalized exchange is processing, the last
// attempt is at least Interval old and the text looks complete. A running
// speculation for the same text is kept; one for different text is
// cancelled and replaced. Reports whether a call was started.
func (e *Engine) MaybeSpeculate(ctx context.Context, req completion.Request, processing bool) bool {
	if !e.policy.Enabled || processing {
		return false
	}

	key := classifier.Normalize(req.Utterance)
	if key == "" {
		return false
	}
	if e.slot != nil && e.slot.key == key {
		return false
	}

	now := e.now()
	if !e.lastAttempt.IsZero() && now.Sub(e.lastAttempt) < e.policy.Interval {
		return false
	}
	if !e.classifier.LooksComplete(req.Utterance) {
		return false
	}

	if e.slot != nil {
		e.cancelSlot(OutcomeCancelled)
	}

	cctx, cancel := context.WithCancel(ctx)
	p := &Pending{
		transcript: req.Utterance,
		key:        key,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  now,
	}
	e.slot = p
	e.lastAttempt = now
	e.observe(OutcomeStarted)

	e.logger.Debug().Str("transcript", req.Utterance).Msg("Speculative completion started")

	go func() {
		response, err := e.provider.Complete(cctx, req)
		p.response, p.err, p.finishedAt = response, err, time.Now()
		close(p.done)
	}()
	return true
}

// Consume hands over the speculation when it was generated for final,
// emptying the slot. Any other speculation is cancelled and nil is
// returned, so a stale reply can never answer a newer transcript.
func (e *Engine) Consume(final string) *Pending {
	p := e.slot
	if p == nil {
		return nil
	}
	if p.key != classifier.Normalize(final) {
		e.cancelSlot(OutcomeMiss)
		return nil
	}

	e.slot = nil
	e.observe(OutcomeHit)
	return p
}

// Discard cancels whatever is in the slot.
func (e *Engine) Discard() {
	if e.slot != nil {
		e.cancelSlot(OutcomeDiscarded)
	}
}

func (e *Engine) cancelSlot(outcome string) {
	p := e.slot
	e.slot = nil
	p.cancel()
	e.observe(outcome)
	e.logger.Debug().Str("transcript", p.transcript).Str("outcome", outcome).Msg("Speculative completion dropped")
}
