// Package sessiontest provides an in-memory session.Conn for tests.
package sessiontest

import (
	"context"
	"sync"

	"rtchat/protocol"
)

// Conn records every event pushed to it. Setting Err makes Push fail.
type Conn struct {
	id string

	mu     sync.Mutex
	events []protocol.Outbound
	err    error
}

func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Push(ev protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

// PushWait behaves like Push; the recorder never runs out of room.
func (c *Conn) PushWait(ctx context.Context, ev protocol.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Push(ev)
}

// FailWith makes subsequent pushes return err. A nil err restores delivery.
func (c *Conn) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (c *Conn) Events() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Outbound, len(c.events))
	copy(out, c.events)
	return out
}

// Reset forgets the recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
