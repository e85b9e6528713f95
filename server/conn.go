package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rtchat/protocol"
	"rtchat/session"
)

var (
	ErrConnClosed    = session.ErrConnClosed
	ErrSendQueueFull = session.ErrSendQueueFull
)

// transport is the wire side of a connection: raw TCP or a WebSocket.
type transport interface {
	WriteFrame(frame []byte, deadline time.Time) error
	// Ping is called by the writer on the keepalive interval. Transports
	// without a control channel return nil.
	Ping(deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// conn is one live client connection. Inbound events are handled by a
// single reader goroutine in arrival order; outbound frames go through a
// bounded queue drained by a single writer goroutine.
type conn struct {
	id     string
	kind   string // "tcp" or "websocket"
	codec  protocol.Codec
	wire   transport
	logger zerolog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	send      chan []byte
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the reader goroutine
	userID string
}

func newConn(kind string, codec protocol.Codec, wire transport, cfg *ServerConfig, logger zerolog.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		id:           id,
		kind:         kind,
		codec:        codec,
		wire:         wire,
		logger:       logger.With().Str("conn", id).Str("transport", kind).Str("remote", wire.RemoteAddr()).Logger(),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		send:         make(chan []byte, cfg.SendQueueSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Push queues ev for the writer. It never blocks: a closed connection
// returns ErrConnClosed and a full queue ErrSendQueueFull.
func (c *conn) Push(ev protocol.Outbound) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	default:
	}

	frame, err := c.codec.Encode(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.closing:
		return ErrConnClosed
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// PushWait is Push that waits for room in the queue until ctx ends.
func (c *conn) PushWait(ctx context.Context, ev protocol.Outbound) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	default:
	}

	frame, err := c.codec.Encode(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.closing:
		return ErrConnClosed
	case c.send <- frame:
		return nil
	case <-ctx.Done():
		return ErrSendQueueFull
	}
}

// Close stops accepting pushes. The writer flushes what is already queued
// and then closes the transport.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

// Wait blocks until the writer has closed the transport.
func (c *conn) Wait() {
	<-c.done
}

func (c *conn) writeLoop() {
	defer close(c.done)
	defer c.wire.Close()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case frame := <-c.send:
			if err := c.wire.WriteFrame(frame, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ping:
			if err := c.wire.Ping(time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.Close()
				return
			}
		case <-c.closing:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, stopping at the first error.
func (c *conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.wire.WriteFrame(frame, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		default:
			return
		}
	}
}
