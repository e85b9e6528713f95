package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rtchat/models"
)

// Fixed-width UTC layout so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the default single-node Store.
type SQLiteStore struct {
	conn *sql.DB
}

func New(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &SQLiteStore{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *SQLiteStore) Close() error {
	return db.conn.Close()
}

func (db *SQLiteStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL REFERENCES users(id),
			contact TEXT NOT NULL REFERENCES users(id),
			nick TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL REFERENCES users(id),
			receiver TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			delivery_state INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_state ON messages(receiver, delivery_state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	return db.migrate()
}

// migrate adds columns introduced after the first schema version.
func (db *SQLiteStore) migrate() error {
	if !db.columnExists("users", "display_name") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN display_name TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	if !db.columnExists("users", "last_seen") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN last_seen TEXT"); err != nil {
			return err
		}
	}

	return nil
}

func (db *SQLiteStore) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods
func (db *SQLiteStore) CreateUser(ctx context.Context, id, displayName string) error {
	defer observe("sqlite", "create_user", time.Now())

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)",
		id, displayName, time.Now().UTC().Format(timeLayout),
	)
	return err
}

func (db *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	defer observe("sqlite", "get_user", time.Now())

	var (
		user        models.User
		createdStr  string
		lastSeenStr sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, display_name, created_at, last_seen FROM users WHERE id = ?", id,
	).Scan(&user.ID, &user.DisplayName, &createdStr, &lastSeenStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if user.CreatedAt, err = time.Parse(timeLayout, createdStr); err != nil {
		return nil, err
	}
	if lastSeenStr.Valid && lastSeenStr.String != "" {
		if user.LastSeen, err = time.Parse(timeLayout, lastSeenStr.String); err != nil {
			return nil, err
		}
	}

	contacts, err := db.GetContacts(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		user.Contacts = append(user.Contacts, c.Contact)
	}

	return &user, nil
}

func (db *SQLiteStore) UserExists(ctx context.Context, id string) (bool, error) {
	defer observe("sqlite", "user_exists", time.Now())

	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *SQLiteStore) UpdateLastSeen(ctx context.Context, id string, t time.Time) error {
	defer observe("sqlite", "update_last_seen", time.Now())

	result, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_seen = ? WHERE id = ?",
		t.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Contact methods
func (db *SQLiteStore) AddContact(ctx context.Context, owner, contact, nick string) error {
	defer observe("sqlite", "add_contact", time.Now())

	if nick == "" {
		nick = contact
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO contacts (owner, contact, nick) VALUES (?, ?, ?)",
		owner, contact, nick,
	)
	return err
}

func (db *SQLiteStore) GetContacts(ctx context.Context, owner string) ([]models.Contact, error) {
	defer observe("sqlite", "get_contacts", time.Now())

	rows, err := db.conn.QueryContext(ctx,
		"SELECT owner, contact, nick FROM contacts WHERE owner = ? ORDER BY id", owner,
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

// Message methods
func (db *SQLiteStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	defer observe("sqlite", "save_message", time.Now())

	if err := validState(msg.DeliveryState); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (id, sender, receiver, content, created_at, delivery_state) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content,
		msg.CreatedAt.UTC().Format(timeLayout), int(msg.DeliveryState),
	)
	return err
}

func (db *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	defer observe("sqlite", "get_message", time.Now())

	row := db.conn.QueryRowContext(ctx,
		"SELECT id, sender, receiver, content, created_at, delivery_state FROM messages WHERE id = ?", id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// AdvanceDeliveryState moves a message forward to `to` in a single
// conditional UPDATE. A message already at or past `to` is left alone and
// its current state returned with changed=false.
func (db *SQLiteStore) AdvanceDeliveryState(ctx context.Context, id string, to models.DeliveryState) (models.DeliveryState, bool, error) {
	defer observe("sqlite", "advance_state", time.Now())

	if err := validState(to); err != nil {
		return 0, false, err
	}

	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET delivery_state = ? WHERE id = ? AND delivery_state < ?",
		int(to), id, int(to),
	)
	if err != nil {
		return 0, false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if rowsAffected == 1 {
		return to, true, nil
	}

	var current int
	err = db.conn.QueryRowContext(ctx, "SELECT delivery_state FROM messages WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return models.DeliveryState(current), false, nil
}

func (db *SQLiteStore) PendingMessages(ctx context.Context, receiverID string, limit int) ([]models.Message, error) {
	defer observe("sqlite", "pending_messages", time.Now())

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, receiver, content, created_at, delivery_state
		FROM messages
		WHERE receiver = ? AND delivery_state = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, receiverID, int(models.Pending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg        models.Message
		createdStr string
		state      int
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &createdStr, &state); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(timeLayout, createdStr)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = createdAt
	msg.DeliveryState = models.DeliveryState(state)

	return &msg, nil
}
