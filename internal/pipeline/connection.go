package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/classifier"
	"github.com/lexiqai/voice-pipeline/internal/completion"
	"github.com/lexiqai/voice-pipeline/internal/events"
	"github.com/lexiqai/voice-pipeline/internal/history"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/protocol"
	"github.com/lexiqai/voice-pipeline/internal/speculative"
	"github.com/lexiqai/voice-pipeline/internal/stt"
	"github.com/lexiqai/voice-pipeline/internal/transport"
)

// Events handled by the connection worker
type (
	frameEvent           struct{ msg protocol.Inbound }
	controlEvent         struct{ msg protocol.Inbound }
	hypothesisEvent      struct{ h stt.Hypothesis }
	recognizerErrorEvent struct{ err error }
	exchangeDoneEvent    struct{ r result }
)

// Connection is the transport.Peer of one live connection. Every event
// is handled by a single worker goroutine that owns the connection
// context; exchanges run concurrently and report back through the inbox.
type Connection struct {
	o       *Orchestrator
	conn    transport.Conn
	metrics *observability.Metrics
	base    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan any
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	exchanges sync.WaitGroup
	emitter   *emitter
	recorder  *recorder

	// owned by the worker
	cc   *connContext
	log  zerolog.Logger
	spec *speculative.Engine
}

func newConnection(o *Orchestrator, conn transport.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	logger := observability.ConnectionLogger(conn.ID())
	format := audio.Format{
		Encoding:   o.opts.Stream.Encoding,
		SampleRate: o.opts.Stream.SampleRate,
		Channels:   o.opts.Stream.Channels,
	}

	c := &Connection{
		o:        o,
		conn:     conn,
		metrics:  observability.NewConnectionMetrics(conn.ID()),
		base:     logger,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan any, o.opts.InboxSize),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		cc:       newConnContext(conn.ID(), format, o.opts.HistoryWindow),
		recorder: newRecorder(o.deps.History, o.deps.Events, o.opts.StoreTimeout, logger),
	}
	c.emitter = newEmitter(1, c.deliver)
	c.spec = speculative.New(o.deps.Completion, o.deps.Classifier, o.opts.Speculation, c.metrics.RecordSpeculation, logger)
	c.metrics.RecordConnectionStart()
	return c
}

// OnAudioFrame implements transport.Peer
func (c *Connection) OnAudioFrame(msg protocol.Inbound) {
	c.post(frameEvent{msg: msg})
}

// OnControlMessage implements transport.Peer
func (c *Connection) OnControlMessage(msg protocol.Inbound) {
	c.post(controlEvent{msg: msg})
}

// OnDisconnect implements transport.Peer. It returns once the worker has
// released every resource of the connection.
func (c *Connection) OnDisconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.finished
}

// post hands ev to the worker, dropping it once the connection stops
func (c *Connection) post(ev any) {
	select {
	case c.inbox <- ev:
	case <-c.stop:
	}
}

func (c *Connection) run() {
	defer close(c.finished)
	defer c.teardown()

	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.inbox:
			c.handle(ev)
		}
	}
}

func (c *Connection) handle(ev any) {
	switch ev := ev.(type) {
	case frameEvent:
		c.handleFrame(ev.msg)
	case controlEvent:
		c.handleControl(ev.msg)
	case hypothesisEvent:
		if ev.h.IsFinal {
			c.handleFinal(ev.h)
		} else {
			c.handleInterim(ev.h)
		}
	case recognizerErrorEvent:
		c.log.Warn().Err(ev.err).Msg("Recognizer unavailable")
		c.metrics.RecordError("recognizer_unavailable", "stt")
		c.send(protocol.ErrorMessage(protocol.ErrorRecognizerUnavailable, "speech recognition is temporarily unavailable"))
	case exchangeDoneEvent:
		c.handleDone(ev.r)
	}
}

// teardown runs on the worker after stop is closed, so recognizer
// callbacks blocked in post return and the adapter can close.
func (c *Connection) teardown() {
	c.spec.Discard()
	c.cancel()

	if c.cc.recognizer != nil {
		if err := c.cc.recognizer.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Recognizer close")
		}
	}

	c.exchanges.Wait()
	c.recorder.close()
	c.metrics.RecordConnectionEnd()

	c.log.Info().Msg("Connection closed")
}

func (c *Connection) send(msg protocol.Outbound) {
	if err := c.conn.Send(msg); err != nil {
		if errors.Is(err, transport.ErrConnClosed) {
			c.base.Debug().Str("type", msg.Type).Msg("Dropping message for closed connection")
			return
		}
		c.base.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message")
	}
}

// bind attaches the connection to session id, creating it when unknown.
// An empty id binds a new session.
func (c *Connection) bind(id string) {
	if id == "" {
		id = uuid.NewString()
	}
	cc := c.cc
	if cc.sessionID == id {
		return
	}
	if cc.sessionID != "" {
		c.spec.Discard()
		c.log.Info().Str("previous_session_id", cc.sessionID).Msg("Rebinding connection to another session")
	}

	s, resumed, err := c.o.deps.Registry.Bind(id, cc.agentID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to bind session")
		return
	}

	cc.sessionID = s.SessionID
	cc.greetingSent = s.GreetingSent
	cc.lastFinalizedTranscript = s.LastFinalizedTranscript
	cc.lastFinalizedAt = time.Time{}
	cc.lastAgentResponse = s.LastAgentResponse
	cc.lastAgentResponseAt = s.LastAgentResponseAt
	cc.lastInterimText = ""
	cc.history = nil

	c.log = c.base.With().Str("session_id", cc.sessionID).Logger()

	ctx, cancel := context.WithTimeout(c.ctx, c.o.opts.StoreTimeout)
	recent, err := c.o.deps.History.Recent(ctx, cc.sessionID, cc.window)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to load conversation history")
	}
	for _, turn := range history.Turns(recent) {
		cc.remember(turn)
	}

	c.metrics.RecordSession(resumed)
	c.log.Info().
		Bool("resumed", resumed).
		Bool("greeting_sent", cc.greetingSent).
		Int("history", len(cc.history)).
		Msg("Session bound")

	c.send(protocol.SessionMessage(cc.sessionID, cc.agentID, resumed))
}

func (c *Connection) handleFrame(msg protocol.Inbound) {
	cc := c.cc
	if cc.sessionID == "" {
		c.bind(msg.SessionID)
	}

	if cc.recognizer == nil {
		cc.negotiate(msg.Format())
		cfg := c.o.opts.Stream
		cfg.Encoding = cc.inFormat.Encoding
		cfg.SampleRate = cc.inFormat.SampleRate
		cfg.Channels = cc.inFormat.Channels

		cc.recognizer = stt.Open(c.ctx, c.o.deps.Recognizer, cfg, c.o.opts.Recognizer, recognizerHandler{c: c}, c.log)
		c.log.Info().
			Str("encoding", cfg.Encoding).
			Int("sample_rate", cfg.SampleRate).
			Int("channels", cfg.Channels).
			Msg("Recognizer opened")
	}

	c.metrics.RecordAudioBytes("in", int64(len(msg.Audio)))
	if err := cc.recognizer.Send(msg.Audio); err != nil {
		c.log.Debug().Err(err).Msg("Dropping audio frame")
	}
}

func (c *Connection) handleControl(msg protocol.Inbound) {
	cc := c.cc
	switch msg.Type {
	case protocol.TypeResumeSession:
		c.bind(msg.SessionID)
	case protocol.TypeReady:
		if cc.sessionID == "" {
			c.bind(msg.SessionID)
		}
		c.maybeGreet()
	default:
		c.log.Warn().Str("type", msg.Type).Msg("Unhandled control message")
	}
}

// maybeGreet sends the greeting once per session, however many
// connections resume it.
func (c *Connection) maybeGreet() {
	cc := c.cc
	text := c.o.opts.GreetingText
	if cc.sessionID == "" || cc.greetingSent || text == "" {
		return
	}

	claimed, err := c.o.deps.Registry.ClaimGreeting(cc.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to claim greeting")
		return
	}
	cc.greetingSent = true
	if !claimed {
		c.log.Debug().Msg("Greeting already sent for session")
		return
	}

	seq := cc.seq()
	c.exchanges.Add(1)
	go c.greet(seq, cc.sessionID, text, cc.outFormat, c.log)
}

func (c *Connection) handleInterim(h stt.Hypothesis) {
	cc := c.cc
	if h.Text == cc.lastInterimText {
		return
	}
	cc.lastInterimText = h.Text
	cc.lastInterimSentAt = h.ReceivedAt
	c.send(protocol.InterimMessage(h.Text))

	if cc.sessionID == "" {
		return
	}
	c.spec.MaybeSpeculate(c.ctx, cc.request(h.Text), cc.isProcessing)
}

func (c *Connection) handleFinal(h stt.Hypothesis) {
	cc := c.cc
	cc.lastInterimText = ""

	verdict := c.o.deps.Classifier.Classify(h.Text, h.ReceivedAt, cc.classifierState())
	if !verdict.Accept {
		c.metrics.RecordRejection(string(verdict.Reason))
		c.log.Debug().Str("transcript", h.Text).Str("reason", string(verdict.Reason)).Msg("Final transcript ignored")
		if verdict.Reason == classifier.ReasonDuplicate {
			cc.lastFinalizedTranscript = h.Text
			cc.lastFinalizedAt = h.ReceivedAt
		}
		c.spec.Discard()
		return
	}

	text := verdict.Text
	if cc.isProcessing {
		if classifier.Normalize(text) == classifier.Normalize(cc.processingTranscript) {
			c.log.Debug().Str("transcript", text).Msg("Transcript already being answered")
			return
		}
		c.log.Info().
			Str("transcript", text).
			Str("superseded", cc.processingTranscript).
			Msg("New utterance while previous exchange is processing")
	}

	req := cc.request(text)

	cc.lastFinalizedTranscript = text
	cc.lastFinalizedAt = h.ReceivedAt
	c.send(protocol.FinalMessage(text))
	c.recorder.add(record{transcript: &events.TranscriptEvent{
		SessionID:  cc.sessionID,
		AgentID:    cc.agentID,
		Text:       text,
		ReceivedAt: h.ReceivedAt,
	}})

	var speculated string
	if p := c.spec.InFlight(); p != nil {
		speculated = p.Transcript()
	}
	pending := c.spec.Consume(text)
	seq := cc.seq()
	cc.isProcessing = true
	cc.processingTranscript = text
	cc.processingSeq = seq

	c.log.Info().
		Str("transcript", text).
		Uint64("sequence", seq).
		Bool("speculative", pending != nil).
		Str("speculated", speculated).
		Msg("Exchange started")

	c.exchanges.Add(1)
	go c.exchange(seq, req, pending, h.ReceivedAt, cc.outFormat, c.log)
}

func (c *Connection) handleDone(r result) {
	cc := c.cc
	if cc.isProcessing && r.seq == cc.processingSeq {
		cc.isProcessing = false
		cc.processingTranscript = ""
	}
	if r.err != nil || r.cancelled || r.sessionID != cc.sessionID {
		return
	}

	cc.lastAgentResponse = r.response
	cc.lastAgentResponseAt = r.trace.emittedAt
	if r.kind == kindExchange {
		cc.remember(completion.Turn{Utterance: r.transcript, Response: r.response})
	}
}

// recognizerHandler forwards recognizer callbacks into the worker inbox
type recognizerHandler struct {
	c *Connection
}

func (h recognizerHandler) OnInterim(hyp stt.Hypothesis) {
	h.c.post(hypothesisEvent{h: hyp})
}

func (h recognizerHandler) OnFinal(hyp stt.Hypothesis) {
	h.c.post(hypothesisEvent{h: hyp})
}

func (h recognizerHandler) OnError(err error) {
	h.c.post(recognizerErrorEvent{err: err})
}

func (h recognizerHandler) OnClosed() {
	h.c.base.Debug().Msg("Recognizer closed")
}
