package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rtchat/auth"
	"rtchat/db"
	"rtchat/delivery"
	"rtchat/metrics"
	"rtchat/presence"
	"rtchat/protocol"
	"rtchat/session"
)

type Server struct {
	config   *ServerConfig
	store    db.Store
	verifier auth.Verifier
	registry *session.Registry
	presence *presence.Broadcaster
	pipeline *delivery.Pipeline
	receipts *delivery.Receipts
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[string]*conn
	listener net.Listener
	wg       sync.WaitGroup
	stopping atomic.Bool
}

type ServerConfig struct {
	TCPAddr          string
	HTTPAddr         string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // WebSocket keepalive; defaults to 9/10 of ReadTimeout
	SendQueueSize    int
	MaxContentLength int
	RedeliverPending bool
	AllowedOrigins   []string
}

func New(store db.Store, verifier auth.Verifier, config *ServerConfig, logger zerolog.Logger) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = config.ReadTimeout * 9 / 10
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 64
	}
	if config.MaxContentLength <= 0 {
		config.MaxContentLength = delivery.DefaultMaxContentLength
	}

	registry := session.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		store:    store,
		verifier: verifier,
		registry: registry,
		presence: presence.New(store, registry, logger),
		pipeline: delivery.NewPipeline(store, registry, logger, config.MaxContentLength),
		receipts: delivery.NewReceipts(store, logger),
		logger:   logger.With().Str("component", "server").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Registry exposes the live session table, mainly for the control socket.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// ListenTCP accepts line-protocol clients on config.TCPAddr until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenTCP(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.TCPAddr)
	if err != nil {
		return err
	}
	return s.ServeTCP(ctx, listener)
}

func (s *Server) ServeTCP(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		listener.Close()
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("TCP listener started")

	for {
		nc, err := listener.Accept()
		if err != nil {
			if s.stopping.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		go s.handleConnection(nc)
	}
}

type tcpTransport struct {
	net.Conn
}

func (t tcpTransport) WriteFrame(frame []byte, deadline time.Time) error {
	t.Conn.SetWriteDeadline(deadline)
	_, err := t.Conn.Write(frame)
	return err
}

func (t tcpTransport) Ping(time.Time) error { return nil }

func (t tcpTransport) RemoteAddr() string {
	return t.Conn.RemoteAddr().String()
}

// handleConnection serves one line-protocol client. The read deadline is
// refreshed per line; an idle client is sent bye|timeout and dropped.
func (s *Server) handleConnection(nc net.Conn) {
	c := newConn("tcp", protocol.LineCodec{}, tcpTransport{nc}, s.config, s.logger)
	reader := bufio.NewReader(nc)

	s.serve(c, func() ([]byte, error) {
		nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if line != "" && errors.Is(err, io.EOF) {
				// last line without a newline
				return []byte(line), nil
			}
			return nil, err
		}
		return []byte(line), nil
	})
}

// serve runs the reader side of c until the client leaves or an event ends
// the connection.
func (s *Server) serve(c *conn, readFrame func() ([]byte, error)) {
	if !s.track(c) {
		c.Close()
		go c.writeLoop()
		return
	}
	defer s.wg.Done()

	metrics.ConnectionsTotal.WithLabelValues(c.kind).Inc()
	c.logger.Info().Msg("client connected")

	go c.writeLoop()
	defer s.disconnect(c)

	for {
		frame, err := readFrame()
		if err != nil {
			s.logReadError(c, err)
			return
		}

		if strings.TrimSpace(string(frame)) == "" {
			continue
		}

		in, err := c.codec.Decode(frame)
		if !s.handle(c, in, err) {
			return
		}
	}
}

func (s *Server) logReadError(c *conn, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Info().Msg("client timed out")
		c.Push(protocol.Bye{Reason: "timeout"})
	default:
		c.logger.Warn().Err(err).Msg("read failed")
	}
}

// disconnect closes c and, when c was the user's live session, marks the
// user offline. A superseded connection leaves presence untouched.
func (s *Server) disconnect(c *conn) {
	c.Close()
	s.untrack(c)

	if c.userID == "" {
		c.logger.Info().Msg("client disconnected")
		return
	}

	userID, ok := s.registry.Unregister(c)
	if !ok {
		c.logger.Info().Str("user", c.userID).Msg("superseded connection closed")
		return
	}

	if err := s.presence.AnnounceOffline(s.ctx, userID); err != nil {
		c.logger.Error().Err(err).Str("user", userID).Msg("offline announcement incomplete")
	}
	c.logger.Info().Str("user", userID).Msg("client disconnected")
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Load() {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	var users []string
	for _, sess := range s.registry.Snapshot() {
		users = append(users, sess.UserID)
	}

	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()

	return "connections=" + strconv.Itoa(open) +
		",sessions=" + strconv.Itoa(len(users)) +
		",users=" + strings.Join(users, ";")
}

// Shutdown sends bye to every connected client with the given reason and
// waits for their disconnects to be processed. completionTime, when set,
// tells clients when the maintenance window ends.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.Lock()
	s.stopping.Store(true)
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	var details string
	if !completionTime.IsZero() {
		details = completionTime.UTC().Format("2006-01-02T15:04:05Z")
	}

	s.logger.Info().Str("reason", reason).Int("connections", len(conns)).Msg("shutting down")
	for _, c := range conns {
		c.Push(protocol.Bye{Reason: reason, Details: details})
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.WriteTimeout):
		s.logger.Warn().Msg("timed out waiting for connections to close")
	}
	s.cancel()
}
