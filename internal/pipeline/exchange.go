package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/completion"
	"github.com/lexiqai/voice-pipeline/internal/events"
	"github.com/lexiqai/voice-pipeline/internal/history"
	"github.com/lexiqai/voice-pipeline/internal/protocol"
	"github.com/lexiqai/voice-pipeline/internal/registry"
	"github.com/lexiqai/voice-pipeline/internal/speculative"
)

// Exchange statuses reported to metrics
const (
	statusOK        = "ok"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

// exchange answers one accepted transcript: completion (reusing a
// matching speculation when there is one), then synthesis. The result
// is always submitted, so later exchanges are never held back.
func (c *Connection) exchange(seq uint64, req completion.Request, pending *speculative.Pending, finalAt time.Time, out audio.Format, logger zerolog.Logger) {
	defer c.exchanges.Done()

	r := result{
		seq:        seq,
		kind:       kindExchange,
		sessionID:  req.SessionID,
		transcript: req.Utterance,
	}
	r.trace.finalAt = finalAt
	defer func() { c.emitter.submit(r) }()

	response, err := c.complete(req, pending, &r, logger)
	if err != nil {
		c.fail(&r, err, protocol.ErrorCompletionFailed, logger)
		return
	}
	r.response = response

	r.trace.synthesisStart = time.Now()
	speech, err := c.o.deps.Synthesizer.Synthesize(c.ctx, response, out)
	r.trace.synthesisEnd = time.Now()
	if err != nil {
		c.fail(&r, err, protocol.ErrorSynthesisFailed, logger)
		return
	}
	r.audio = speech
}

func (c *Connection) complete(req completion.Request, pending *speculative.Pending, r *result, logger zerolog.Logger) (string, error) {
	if pending != nil {
		r.trace.completionStart = pending.StartedAt()
		response, err := pending.Wait(c.ctx)
		r.trace.completionEnd = time.Now()
		if err == nil {
			if end := pending.FinishedAt(); !end.IsZero() {
				r.trace.completionEnd = end
			}
			r.speculative = true
			return response, nil
		}
		if c.ctx.Err() != nil {
			return "", err
		}
		c.metrics.RecordSpeculation(speculative.OutcomeFailed)
		logger.Warn().Err(err).Msg("Speculative completion failed, completing again")
	}

	r.trace.completionStart = time.Now()
	response, err := c.o.deps.Completion.Complete(c.ctx, req)
	r.trace.completionEnd = time.Now()
	return response, err
}

func (c *Connection) fail(r *result, err error, kind protocol.ErrorKind, logger zerolog.Logger) {
	if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		r.cancelled = true
		return
	}
	r.err = err
	r.errKind = kind
	logger.Error().Err(err).Uint64("sequence", r.seq).Str("kind", string(kind)).Msg("Exchange failed")
}

// greet synthesizes the greeting; it goes through the emitter like any
// exchange but never through completion.
func (c *Connection) greet(seq uint64, sessionID, text string, out audio.Format, logger zerolog.Logger) {
	defer c.exchanges.Done()

	r := result{
		seq:       seq,
		kind:      kindGreeting,
		sessionID: sessionID,
		response:  text,
	}
	defer func() { c.emitter.submit(r) }()

	r.trace.synthesisStart = time.Now()
	speech, err := c.o.deps.Synthesizer.Synthesize(c.ctx, text, out)
	r.trace.synthesisEnd = time.Now()
	if err != nil {
		c.fail(&r, err, protocol.ErrorSynthesisFailed, logger)
		return
	}
	r.audio = speech
}

// deliver is called by the emitter in sequence order
func (c *Connection) deliver(r result) {
	r.trace.emittedAt = time.Now()
	logger := c.base.With().Str("session_id", r.sessionID).Uint64("sequence", r.seq).Logger()

	switch {
	case r.cancelled:
		c.metrics.RecordExchange(statusCancelled)
		logger.Debug().Msg("Exchange cancelled")

	case r.err != nil:
		c.metrics.RecordExchange(statusFailed)
		c.metrics.RecordError(string(r.errKind), "pipeline")
		c.send(protocol.ErrorMessage(r.errKind, r.err.Error()))

	default:
		c.send(protocol.AudioMessage(r.seq, r.audio.Data, r.audio.Format, r.response))
		c.metrics.RecordAudioBytes("out", int64(len(r.audio.Data)))
		r.trace.observe(c.metrics)
		c.persist(r, logger)
	}

	c.post(exchangeDoneEvent{r: r})
}

func (c *Connection) persist(r result, logger zerolog.Logger) {
	reg := c.o.deps.Registry
	at := r.trace.emittedAt

	if r.kind == kindGreeting {
		c.metrics.RecordGreeting()
		if _, err := reg.Upsert(r.sessionID, func(s *registry.Session) {
			s.LastAgentResponse = r.response
			s.LastAgentResponseAt = at
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to store greeting")
		}
		logger.Info().Msg("Greeting sent")
		return
	}

	c.metrics.RecordExchange(statusOK)
	if _, err := reg.RecordExchange(r.sessionID, r.transcript, r.response, at); err != nil {
		logger.Error().Err(err).Msg("Failed to store exchange")
	}

	c.recorder.add(record{
		exchange: &history.Exchange{
			SessionID:   r.sessionID,
			AgentID:     c.conn.ID(),
			Transcript:  r.transcript,
			Response:    r.response,
			Speculative: r.speculative,
			CreatedAt:   at,
		},
		event: &events.ExchangeEvent{
			SessionID:    r.sessionID,
			AgentID:      c.conn.ID(),
			Sequence:     r.seq,
			Transcript:   r.transcript,
			Response:     r.response,
			Speculative:  r.speculative,
			CompletionMs: r.trace.completionEnd.Sub(r.trace.completionStart).Milliseconds(),
			SynthesisMs:  r.trace.synthesisEnd.Sub(r.trace.synthesisStart).Milliseconds(),
			TurnaroundMs: at.Sub(r.trace.finalAt).Milliseconds(),
			EmittedAt:    at,
		},
	})

	logger.Info().
		Bool("speculative", r.speculative).
		Dur("turnaround", at.Sub(r.trace.finalAt)).
		Msg("Exchange emitted")
}
