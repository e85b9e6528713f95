package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rtchat/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id BIGSERIAL PRIMARY KEY,
		owner TEXT NOT NULL REFERENCES users(id),
		contact TEXT NOT NULL REFERENCES users(id),
		nick TEXT NOT NULL,
		UNIQUE(owner, contact)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL REFERENCES users(id),
		receiver TEXT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		delivery_state SMALLINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_receiver_state ON messages(receiver, delivery_state, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, created_at);
	CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner);
	`)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, id, displayName string) error {
	defer observe("postgres", "create_user", time.Now())

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES ($1, $2, $3)`,
		id, displayName, time.Now().UTC(),
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	defer observe("postgres", "get_user", time.Now())

	var (
		user     models.User
		lastSeen *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, created_at, last_seen
		FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.DisplayName, &user.CreatedAt, &lastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	if lastSeen != nil {
		user.LastSeen = lastSeen.UTC()
	}

	contacts, err := s.GetContacts(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		user.Contacts = append(user.Contacts, c.Contact)
	}
	return &user, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, id string) (bool, error) {
	defer observe("postgres", "user_exists", time.Now())

	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) UpdateLastSeen(ctx context.Context, id string, t time.Time) error {
	defer observe("postgres", "update_last_seen", time.Now())

	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_seen = $1 WHERE id = $2`, t.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddContact(ctx context.Context, owner, contact, nick string) error {
	defer observe("postgres", "add_contact", time.Now())

	if nick == "" {
		nick = contact
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contacts (owner, contact, nick) VALUES ($1, $2, $3)`,
		owner, contact, nick,
	)
	return err
}

func (s *PostgresStore) GetContacts(ctx context.Context, owner string) ([]models.Contact, error) {
	defer observe("postgres", "get_contacts", time.Now())

	rows, err := s.pool.Query(ctx,
		`SELECT owner, contact, nick FROM contacts WHERE owner = $1 ORDER BY id`, owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.Owner, &c.Contact, &c.Nick); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	defer observe("postgres", "save_message", time.Now())

	if err := validState(msg.DeliveryState); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, sender, receiver, content, created_at, delivery_state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt.UTC(), int16(msg.DeliveryState))
	return err
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	defer observe("postgres", "get_message", time.Now())

	var (
		msg   models.Message
		state int16
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, sender, receiver, content, created_at, delivery_state
		FROM messages WHERE id = $1
	`, id).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.CreatedAt, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.DeliveryState = models.DeliveryState(state)
	return &msg, nil
}

func (s *PostgresStore) AdvanceDeliveryState(ctx context.Context, id string, to models.DeliveryState) (models.DeliveryState, bool, error) {
	defer observe("postgres", "advance_state", time.Now())

	if err := validState(to); err != nil {
		return 0, false, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET delivery_state = $1 WHERE id = $2 AND delivery_state < $1`,
		int16(to), id,
	)
	if err != nil {
		return 0, false, err
	}
	if tag.RowsAffected() == 1 {
		return to, true, nil
	}

	var current int16
	err = s.pool.QueryRow(ctx, `SELECT delivery_state FROM messages WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	return models.DeliveryState(current), false, nil
}

func (s *PostgresStore) PendingMessages(ctx context.Context, receiverID string, limit int) ([]models.Message, error) {
	defer observe("postgres", "pending_messages", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, receiver, content, created_at, delivery_state
		FROM messages
		WHERE receiver = $1 AND delivery_state = $2
		ORDER BY created_at ASC, seq ASC
		LIMIT $3
	`, receiverID, int16(models.Pending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg   models.Message
			state int16
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.CreatedAt, &state); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		msg.DeliveryState = models.DeliveryState(state)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
