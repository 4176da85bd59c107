package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/events"
	"github.com/lexiqai/voice-pipeline/internal/history"
)

type record struct {
	transcript *events.TranscriptEvent
	exchange   *history.Exchange
	event      *events.ExchangeEvent
}

// recorder writes a connection's exchanges to the history store and the
// event stream from a single goroutine, in the order they were emitted.
type recorder struct {
	store     history.Store
	publisher *events.Publisher
	timeout   time.Duration
	logger    zerolog.Logger

	queue chan record
	done  chan struct{}
}

func newRecorder(store history.Store, publisher *events.Publisher, timeout time.Duration, logger zerolog.Logger) *recorder {
	r := &recorder{
		store:     store,
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
		queue:     make(chan record, 64),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *recorder) add(rec record) {
	r.queue <- rec
}

// close flushes what is queued and waits for the writer to exit
func (r *recorder) close() {
	close(r.queue)
	<-r.done
}

func (r *recorder) run() {
	defer close(r.done)

	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)

		if rec.transcript != nil {
			if err := r.publisher.PublishTranscript(ctx, *rec.transcript); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to publish transcript event")
			}
		}
		if rec.exchange != nil {
			if err := r.store.Append(ctx, *rec.exchange); err != nil {
				r.logger.Error().Err(err).Msg("Failed to record exchange")
			}
		}
		if rec.event != nil {
			if err := r.publisher.PublishExchange(ctx, *rec.event); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to publish exchange event")
			}
		}

		cancel()
	}
}
