package presence

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtchat/chaterr"
	"rtchat/db"
	"rtchat/metrics"
	"rtchat/protocol"
	"rtchat/session"
)

// Broadcaster tells a user's contacts when that user comes online or goes
// offline. Contacts are directional: only the subject's own contact list is
// notified. Transitions for the same user are serialized, so contacts see
// them in the order the registry applied them.
type Broadcaster struct {
	store    db.Store
	registry *session.Registry
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func New(store db.Store, registry *session.Registry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		store:    store,
		registry: registry,
		logger:   logger.With().Str("component", "presence").Logger(),
		now:      time.Now,
		locks:    make(map[string]*userLock),
	}
}

// lock serializes presence transitions of userID and returns the unlock
// function.
func (b *Broadcaster) lock(userID string) func() {
	b.mu.Lock()
	l, ok := b.locks[userID]
	if !ok {
		l = &userLock{}
		b.locks[userID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, userID)
		}
		b.mu.Unlock()
	}
}

// AnnounceOnline records lastSeen for userID and notifies its live contacts.
func (b *Broadcaster) AnnounceOnline(ctx context.Context, userID string) error {
	const op = "announce-online"
	defer b.lock(userID)()
	now := b.now().UTC()

	if err := b.store.UpdateLastSeen(ctx, userID, now); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return chaterr.NotFound(op, "user %s not found", userID)
		}
		b.logger.Warn().Err(err).Str("user", userID).Msg("failed to record last seen")
	}

	return b.broadcast(ctx, op, protocol.PresenceChanged{
		SubjectID: userID,
		Online:    true,
		LastSeen:  now,
	})
}

// AnnounceOffline writes lastSeen and notifies live contacts. The broadcast
// runs even when the write fails; the write error is returned afterwards.
// Nothing happens if the user already has a newer live session.
func (b *Broadcaster) AnnounceOffline(ctx context.Context, userID string) error {
	const op = "announce-offline"
	defer b.lock(userID)()

	if b.registry.IsOnline(userID) {
		b.logger.Debug().Str("user", userID).Msg("user reconnected, offline announcement skipped")
		return nil
	}
	now := b.now().UTC()

	var persistErr error
	if err := b.store.UpdateLastSeen(ctx, userID, now); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			persistErr = chaterr.NotFound(op, "user %s not found", userID)
		} else {
			persistErr = chaterr.Persistence(op, err)
		}
		b.logger.Error().Err(err).Str("user", userID).Msg("failed to record last seen")
	}

	if err := b.broadcast(ctx, op, protocol.PresenceChanged{
		SubjectID: userID,
		Online:    false,
		LastSeen:  now,
	}); err != nil {
		return err
	}
	return persistErr
}

func (b *Broadcaster) broadcast(ctx context.Context, op string, ev protocol.PresenceChanged) error {
	contacts, err := b.store.GetContacts(ctx, ev.SubjectID)
	if err != nil {
		return chaterr.Persistence(op, err)
	}

	online := strconv.FormatBool(ev.Online)
	notified := 0
	for _, c := range contacts {
		conn, ok := b.registry.LookupByUser(c.Contact)
		if !ok {
			continue
		}
		if err := conn.Push(ev); err != nil {
			metrics.PresenceEvents.WithLabelValues(online, "failed").Inc()
			metrics.PushFailures.WithLabelValues(protocol.EventPresenceChanged).Inc()
			b.logger.Warn().Err(err).
				Str("subject", ev.SubjectID).
				Str("contact", c.Contact).
				Msg("presence push failed")
			continue
		}
		metrics.PresenceEvents.WithLabelValues(online, "pushed").Inc()
		notified++
	}

	b.logger.Debug().
		Str("subject", ev.SubjectID).
		Bool("online", ev.Online).
		Int("contacts", len(contacts)).
		Int("notified", notified).
		Msg("presence broadcast")
	return nil
}
