// Package transport carries protocol messages over websocket connections.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/protocol"
)

var (
	// ErrConnClosed is returned by Send after the connection closed
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when the outbound queue stays full for
	// longer than the write timeout
	ErrSlowConsumer = errors.New("outbound queue full")
)

// Conn is one live duplex connection
type Conn interface {
	// ID is the agent id assigned at upgrade
	ID() string
	// Send queues msg; frames leave in the order Send was called
	Send(msg protocol.Outbound) error
	Close() error
}

// Peer receives the traffic of one connection. Calls come from the
// connection's read goroutine, in arrival order.
type Peer interface {
	OnAudioFrame(msg protocol.Inbound)
	OnControlMessage(msg protocol.Inbound)
	OnDisconnect()
}

// Acceptor binds a new connection to its Peer
type Acceptor interface {
	OnConnect(conn Conn) Peer
}

// Options tune the websocket connections
type Options struct {
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	ReadLimit     int64
	OutboundQueue int
}

// OptionsFromConfig reads websocket options from config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PingInterval:  time.Duration(cfg.WSPingInterval) * time.Second,
		WriteTimeout:  time.Duration(cfg.WSWriteTimeout) * time.Second,
		ReadLimit:     cfg.WSReadLimit,
		OutboundQueue: cfg.WSOutboundQueue,
	}
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 256
	}
	return o
}

// Server upgrades HTTP requests and runs one connection per socket
type Server struct {
	acceptor Acceptor
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a websocket server handing connections to acceptor
func NewServer(acceptor Acceptor, opts Options) *Server {
	return &Server{
		acceptor: acceptor,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			// Browsers and telephony bridges connect from arbitrary origins
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: observability.GetLogger().With().Str("component", "transport").Logger(),
		conns:  make(map[string]*wsConn),
	}
}

// Handler is the HTTP entry point for websocket connections
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error
			s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		c := newConn(ws, s.opts, s.logger)
		c.writerWg.Add(1)
		go c.writeLoop()
		if !s.track(c) {
			c.Close()
			return
		}
		defer s.untrack(c)

		c.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection established")
		c.serve(s.acceptor.OnConnect(c))
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

// Len returns the number of live connections
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every live connection and waits for their peers to
// finish, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outFrame struct {
	kind int
	data []byte
}

type wsConn struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	logger zerolog.Logger

	out       chan outFrame
	done      chan struct{}
	closeOnce sync.Once
	writerWg  sync.WaitGroup
}

func newConn(ws *websocket.Conn, opts Options, logger zerolog.Logger) *wsConn {
	id := uuid.New().String()
	return &wsConn{
		id:     id,
		ws:     ws,
		opts:   opts,
		logger: logger.With().Str("agent_id", id).Logger(),
		out:    make(chan outFrame, opts.OutboundQueue),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(msg protocol.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{kind: websocket.TextMessage, data: data})
}

func (c *wsConn) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrSlowConsumer
	}
}

func (c *wsConn) Close() error {
	c.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

// closeWith stops the writer and closes the socket once. The close frame
// is best effort.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writerWg.Wait()
		deadline := time.Now().Add(time.Second)
		if err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
			c.logger.Debug().Err(err).Msg("WebSocket close frame not sent")
		}
		c.ws.Close()
	})
}

// serve runs the read loop until the socket closes. Handler starts the
// writer before the connection is tracked, so Shutdown can always stop it.
func (c *wsConn) serve(peer Peer) {
	defer func() {
		c.Close()
		peer.OnDisconnect()
		c.logger.Info().Msg("WebSocket connection closed")
	}()

	pongWait := 2 * c.opts.PingInterval
	c.ws.SetReadLimit(c.opts.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			if len(data) > 0 {
				peer.OnAudioFrame(protocol.AudioFrame(data))
			}
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Rejected inbound message")
				c.Send(protocol.ErrorMessage(protocol.ErrorBadMessage, err.Error()))
				continue
			}
			if msg.IsControl() {
				peer.OnControlMessage(msg)
			} else {
				peer.OnAudioFrame(msg)
			}
		}
	}
}

// writeLoop is the only goroutine writing data frames to the socket
func (c *wsConn) writeLoop() {
	defer c.writerWg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.logger.Warn().Err(err).Msg("WebSocket write failed")
				go c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket ping failed")
				go c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
