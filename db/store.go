package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rtchat/config"
	"rtchat/metrics"
	"rtchat/models"
)

var ErrNotFound = errors.New("not found")

// Store is the durable owner of users, contacts and messages. SQLiteStore
// and PostgresStore implement it.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, id, displayName string) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	UserExists(ctx context.Context, id string) (bool, error)
	UpdateLastSeen(ctx context.Context, id string, t time.Time) error

	// Contact operations
	AddContact(ctx context.Context, owner, contact, nick string) error
	GetContacts(ctx context.Context, owner string) ([]models.Contact, error)

	// Message operations
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	AdvanceDeliveryState(ctx context.Context, id string, to models.DeliveryState) (models.DeliveryState, bool, error)
	PendingMessages(ctx context.Context, receiverID string, limit int) ([]models.Message, error)
}

// Open returns the backend selected by cfg.DBDriver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return New(cfg.DBPath)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.DBDriver)
	}
}

func observe(backend, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

func validState(to models.DeliveryState) error {
	if !to.Valid() {
		return fmt.Errorf("invalid delivery state %d", int(to))
	}
	return nil
}
