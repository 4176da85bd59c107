package stt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

// ErrAdapterClosed is returned by Send after Close.
var ErrAdapterClosed = errors.New("recognizer adapter closed")

// Options tune reconnect and buffering behavior.
type Options struct {
	Cooldown      time.Duration // wait before the first re-open after a failure
	MaxCooldown   time.Duration
	KeepAlive     time.Duration // silence after which a keep-alive is sent
	PendingFrames int           // frames queued while connecting
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Cooldown:      time.Second,
		MaxCooldown:   10 * time.Second,
		KeepAlive:     5 * time.Second,
		PendingFrames: 100,
	}
}

// Adapter owns the single upstream recognition stream of one connection
// and re-creates it after failures.
type Adapter struct {
	provider Provider
	cfg      StreamConfig
	opts     Options
	handler  Handler
	logger   zerolog.Logger
	machine  *Machine
	pending  *audio.FrameRing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	stream      Stream
	generation  uint64
	lastAudioAt time.Time
	lastErrorAt time.Time

	// deliver serializes handler callbacks across stream generations
	deliver sync.Mutex
}

// Open returns immediately with an adapter in StateConnecting; the
// upstream stream is dialed in the background and queued audio is
// flushed in order once it opens.
func Open(ctx context.Context, provider Provider, cfg StreamConfig, opts Options, handler Handler, logger zerolog.Logger) *Adapter {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultOptions().Cooldown
	}
	if opts.MaxCooldown < opts.Cooldown {
		opts.MaxCooldown = opts.Cooldown
	}
	if opts.PendingFrames <= 0 {
		opts.PendingFrames = DefaultOptions().PendingFrames
	}

	actx, cancel := context.WithCancel(ctx)
	a := &Adapter{
		provider: provider,
		cfg:      cfg,
		opts:     opts,
		handler:  handler,
		logger:   logger.With().Str("component", "recognizer").Str("provider", provider.Name()).Logger(),
		pending:  audio.NewFrameRing(opts.PendingFrames),
		ctx:      actx,
		cancel:   cancel,
	}
	a.machine = NewMachine(func(from, to State, e Event) {
		a.logger.Trace().Str("from", from.String()).Str("to", to.String()).Str("event", e.String()).Msg("Recognizer transition")
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.dial(a.ctx); err != nil {
			a.fail(a.currentGeneration(), err)
		}
	}()

	if opts.KeepAlive > 0 {
		a.wg.Add(1)
		go a.keepAliveLoop()
	}

	return a
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	return a.machine.State()
}

// Send forwards one audio chunk. While connecting the chunk is queued
// (oldest dropped past PendingFrames); while cooling down after a failure
// it is discarded.
func (a *Adapter) Send(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.machine.Fire(EventAudio)
	if err != nil {
		if state == StateClosed {
			return ErrAdapterClosed
		}
		return err
	}

	switch {
	case state == StateConnecting:
		if a.pending.Push(chunk) {
			observability.RecordDroppedFrame("overflow")
		}
		return nil
	case state == StateError:
		observability.RecordDroppedFrame("cooldown")
		return nil
	}

	a.lastAudioAt = time.Now()
	gen, stream := a.generation, a.stream
	if err := stream.Send(chunk); err != nil {
		go a.fail(gen, err)
		return nil
	}
	return nil
}

// Close tears down the upstream stream and stops reconnecting. Handler
// OnClosed is called once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.machine.State() == StateClosed {
		a.mu.Unlock()
		return nil
	}
	a.machine.Fire(EventClose)
	stream := a.stream
	a.stream = nil
	a.generation++
	a.pending.Clear()
	a.mu.Unlock()

	a.cancel()
	var err error
	if stream != nil {
		err = stream.Close()
	}
	a.wg.Wait()

	a.deliver.Lock()
	a.handler.OnClosed()
	a.deliver.Unlock()
	return err
}

func (a *Adapter) currentGeneration() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// dial opens a new upstream stream, flushes queued audio into it in arrival
// order and moves the machine to StateIdle.
func (a *Adapter) dial(ctx context.Context) error {
	a.mu.Lock()
	a.generation++
	gen := a.generation
	a.mu.Unlock()

	stream, err := a.provider.OpenStream(ctx, a.cfg, a.eventsFor(gen))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.generation || a.machine.State() != StateConnecting {
		stream.Close()
		return ErrAdapterClosed
	}

	frames := a.pending.Drain()
	for _, frame := range frames {
		if err := stream.Send(frame); err != nil {
			stream.Close()
			return err
		}
	}
	a.stream = stream
	a.lastAudioAt = time.Now()
	a.machine.Fire(EventOpened)

	a.logger.Info().Int("flushed_frames", len(frames)).Msg("Recognizer stream open")
	return nil
}

// fail handles a lost stream. Only the first failure of a generation counts;
// it moves to StateError and starts the cooldown reconnect loop.
func (a *Adapter) fail(gen uint64, cause error) {
	a.mu.Lock()
	state := a.machine.State()
	if gen != a.generation || state == StateClosed || state == StateError {
		a.mu.Unlock()
		return
	}
	stream := a.stream
	a.stream = nil
	a.generation++
	a.machine.Fire(EventError)
	a.pending.Clear()
	report := a.shouldReport()
	a.wg.Add(1)
	a.mu.Unlock()

	if stream != nil {
		stream.Close()
	}

	a.logger.Warn().Err(cause).Msg("Recognizer stream lost, reconnecting after cooldown")
	if report {
		a.deliver.Lock()
		a.handler.OnError(cause)
		a.deliver.Unlock()
	}

	go a.reconnectLoop()
}

// shouldReport limits peer-visible errors to one per cooldown window.
// Caller holds a.mu.
func (a *Adapter) shouldReport() bool {
	now := time.Now()
	if !a.lastErrorAt.IsZero() && now.Sub(a.lastErrorAt) < a.opts.MaxCooldown {
		return false
	}
	a.lastErrorAt = now
	return true
}

func (a *Adapter) reconnectLoop() {
	defer a.wg.Done()

	cfg := &resilience.ReconnectConfig{
		MaxAttempts: 0,
		Backoff:     a.opts.Cooldown,
		Multiplier:  2.0,
		MaxBackoff:  a.opts.MaxCooldown,
	}

	err := resilience.Reconnect(a.ctx, func(ctx context.Context, attempt int) error {
		a.mu.Lock()
		_, err := a.machine.Fire(EventReconnect)
		a.mu.Unlock()
		if err != nil {
			return err
		}

		err = a.dial(ctx)
		observability.RecordRecognizerReconnect(a.provider.Name(), err == nil)
		if err != nil {
			a.mu.Lock()
			if a.machine.State() == StateConnecting {
				a.machine.Fire(EventError)
				a.pending.Clear()
			}
			report := a.shouldReport()
			a.mu.Unlock()

			a.logger.Warn().Err(err).Int("attempt", attempt).Msg("Recognizer reconnect failed")
			if report {
				a.deliver.Lock()
				a.handler.OnError(err)
				a.deliver.Unlock()
			}
			return err
		}

		a.logger.Info().Int("attempt", attempt).Msg("Recognizer reconnected")
		return nil
	}, cfg)

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error().Err(err).Msg("Recognizer reconnect loop ended")
	}
}

func (a *Adapter) keepAliveLoop() {
	defer a.wg.Done()

	tick := a.opts.KeepAlive / 2
	if tick <= 0 {
		tick = a.opts.KeepAlive
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		if !a.machine.State().Open() || a.stream == nil || time.Since(a.lastAudioAt) < a.opts.KeepAlive {
			a.mu.Unlock()
			continue
		}
		gen, stream := a.generation, a.stream
		a.lastAudioAt = time.Now()
		a.mu.Unlock()

		if err := stream.KeepAlive(); err != nil {
			a.fail(gen, err)
		}
	}
}

// eventsFor binds stream callbacks to one generation so a replaced stream
// can no longer reach the handler.
func (a *Adapter) eventsFor(gen uint64) StreamEvents {
	return StreamEvents{
		OnHypothesis: func(h Hypothesis) { a.onHypothesis(gen, h) },
		OnError:      func(err error) { a.fail(gen, err) },
		OnClosed: func() {
			a.fail(gen, errors.New("recognizer stream closed by upstream"))
		},
	}
}

func (a *Adapter) onHypothesis(gen uint64, h Hypothesis) {
	if h.Text == "" {
		return
	}
	if h.ReceivedAt.IsZero() {
		h.ReceivedAt = time.Now()
	}

	a.deliver.Lock()
	defer a.deliver.Unlock()

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	event := EventInterim
	if h.IsFinal {
		event = EventFinal
	}
	_, err := a.machine.Fire(event)
	a.mu.Unlock()
	if err != nil {
		a.logger.Debug().Err(err).Msg("Dropping hypothesis")
		return
	}

	if h.IsFinal {
		a.handler.OnFinal(h)
		a.mu.Lock()
		if gen == a.generation {
			a.machine.Fire(EventSettle)
		}
		a.mu.Unlock()
		return
	}
	a.handler.OnInterim(h)
}
