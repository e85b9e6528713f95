package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"rtchat/metrics"
	"rtchat/protocol"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is a live client connection as seen by the registry. Push never
// blocks; it fails with ErrConnClosed or ErrSendQueueFull.
type Conn interface {
	ID() string
	Push(ev protocol.Outbound) error
}

// WaitingConn is implemented by connections that can wait for room in their
// send queue.
type WaitingConn interface {
	Conn
	PushWait(ctx context.Context, ev protocol.Outbound) error
}

// Session binds an authenticated user to its live connection.
type Session struct {
	UserID string
	Conn   Conn
	Since  time.Time
}

// Registry is the in-memory source of truth for liveness. It keeps two
// indexes, user -> session and connection -> user, which always agree:
// byConn[c] == u iff byUser[u].Conn.ID() == c.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Session
	byConn map[string]string
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Session),
		byConn: make(map[string]string),
		now:    time.Now,
	}
}

// Register makes conn the live session of userID and returns the connection
// it superseded, if any. The superseded connection is dropped from the
// registry but left open.
func (r *Registry) Register(userID string, conn Conn) (replaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()

	// the same connection re-registering under another user
	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		delete(r.byUser, prevUser)
		delete(r.byConn, connID)
	}

	if old, ok := r.byUser[userID]; ok {
		if old.Conn.ID() == connID {
			return nil
		}
		delete(r.byConn, old.Conn.ID())
		replaced = old.Conn
	}

	r.byUser[userID] = &Session{UserID: userID, Conn: conn, Since: r.now()}
	r.byConn[connID] = userID
	metrics.SessionsActive.Set(float64(len(r.byUser)))
	return replaced
}

// Unregister removes conn. ok is false when conn was not a live session,
// for example because a newer connection already replaced it.
func (r *Registry) Unregister(conn Conn) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	userID, ok = r.byConn[connID]
	if !ok {
		return "", false
	}

	delete(r.byConn, connID)
	if s, exists := r.byUser[userID]; exists && s.Conn.ID() == connID {
		delete(r.byUser, userID)
	}
	metrics.SessionsActive.Set(float64(len(r.byUser)))
	return userID, true
}

func (r *Registry) LookupByUser(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return s.Conn, true
}

func (r *Registry) LookupByConnection(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.byConn[connID]
	return userID, ok
}

// IsOnline reports whether userID currently has a live session.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.LookupByUser(userID)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot returns a copy of all live sessions ordered by user id.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		sessions = append(sessions, *s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UserID < sessions[j].UserID
	})
	return sessions
}
