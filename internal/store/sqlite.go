// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversations, participant sets, the message log and notifications

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	strict bool
	now    func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithStrictParticipantSets enforces one conversation per participant set.
// CreateConversation then fails with ErrDuplicateConversation on a clash.
func WithStrictParticipantSets() Option {
	return func(s *SQLiteStore) { s.strict = true }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// withClock overrides time.Now, for tests.
func withClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		// Pragmas go in the DSN so every pooled connection gets them.
		// Immediate transactions keep read-then-write appends from deadlocking.
		dsn = "file:" + path +
			"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is its own database
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}
	s.db = db

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path, "strict_participant_sets", s.strict)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			participant_key TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_participant_key
			ON conversations(participant_key);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id);

		-- Only written in strict mode; the primary key is the uniqueness constraint
		CREATE TABLE IF NOT EXISTS conversation_keys (
			participant_key TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender          TEXT NOT NULL,
			text            TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			read            INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, read, sender);

		CREATE TABLE IF NOT EXISTS notifications (
			id                     TEXT PRIMARY KEY,
			recipient              TEXT NOT NULL,
			actor                  TEXT NOT NULL,
			verb                   TEXT NOT NULL,
			target_conversation_id TEXT NOT NULL,
			description            TEXT NOT NULL,
			created_at             TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_recipient
			ON notifications(recipient, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed")
}

// CreateConversation inserts a conversation and its participant rows.
// Participants are normalized before storing. In strict mode a second
// conversation with the same participant set returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	conv.Participants = NormalizeParticipants(conv.Participants)
	if len(conv.Participants) == 0 {
		return errors.New("conversation needs at least one participant")
	}
	key := ParticipantKey(conv.Participants)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_key, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, conv.ID, key, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, userID := range conv.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)
		`, conv.ID, userID); err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	if s.strict {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_keys (participant_key, conversation_id) VALUES (?, ?)
		`, key, conv.ID); err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicateConversation
			}
			return fmt.Errorf("inserting participant key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "participants", len(conv.Participants))
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE id = ?
	`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadParticipants(ctx, []*Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

// FindConversationByParticipants returns the oldest conversation whose
// participant set equals the given one. Returns ErrNotFound if none exists.
func (s *SQLiteStore) FindConversationByParticipants(ctx context.Context, participants []string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at FROM conversations
		WHERE participant_key = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, ParticipantKey(participants))
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadParticipants(ctx, []*Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationsForUser returns the user's conversations, most recent
// activity first. If limit is positive at most limit conversations are
// returned; otherwise all of them are.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.created_at DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	if err := s.loadParticipants(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string

	err := row.Scan(&conv.ID, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// loadParticipants fills Participants for each conversation in one query.
func (s *SQLiteStore) loadParticipants(ctx context.Context, convs []*Conversation) error {
	if len(convs) == 0 {
		return nil
	}

	byID := make(map[string]*Conversation, len(convs))
	args := make([]any, 0, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
		args = append(args, c.ID)
	}

	query := `
		SELECT conversation_id, user_id FROM conversation_participants
		WHERE conversation_id IN (?` + strings.Repeat(",?", len(convs)-1) + `)
		ORDER BY conversation_id, user_id
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		if err := rows.Scan(&convID, &userID); err != nil {
			return fmt.Errorf("scanning participant row: %w", err)
		}
		if c, ok := byID[convID]; ok {
			c.Participants = append(c.Participants, userID)
		}
	}
	return rows.Err()
}

// AppendMessage stores a new unread message and bumps the conversation's last
// activity in one transaction. CreatedAt never goes below the newest message
// already in the conversation, so the log stays ordered if the clock steps back.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := s.now().UTC()

	var lastStr sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&lastStr); err != nil {
		return nil, fmt.Errorf("querying last message time: %w", err)
	}
	if lastStr.Valid {
		last, err := parseTime(lastStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last message time: %w", err)
		}
		if createdAt.Before(last) {
			createdAt = last
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, formatTime(createdAt), conversationID)
	if err != nil {
		return nil, fmt.Errorf("updating conversation activity: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         senderID,
		Text:           text,
		CreatedAt:      createdAt,
		Read:           false,
	}
	result, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, text, created_at, read)
		VALUES (?, ?, ?, ?, ?, 0)
	`, msg.ID, msg.ConversationID, msg.Sender, msg.Text, formatTime(msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	msg.Seq, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", conversationID, "seq", msg.Seq)
	return msg, nil
}

const messageColumns = `seq, id, conversation_id, sender, text, created_at, read`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAtStr string
	var read int

	err := row.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.Sender, &msg.Text, &createdAtStr, &read)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	msg.Read = read != 0
	return &msg, nil
}

// ListMessages retrieves messages for a conversation in creation order (oldest first).
// If limit is positive only the most recent `limit` messages are returned,
// still oldest first. If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT ` + messageColumns + ` FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, seq DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// LastMessage returns the newest message of a conversation.
// Returns ErrNotFound if the conversation has no messages.
func (s *SQLiteStore) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, conversationID)
	return scanMessage(row)
}

// MarkRead flags every unread message not sent by readerID as read and
// returns how many rows changed. Running it again changes nothing.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = 1
		WHERE conversation_id = ? AND read = 0 AND sender <> ?
	`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("marked messages read", "conversation_id", conversationID, "reader", readerID, "count", n)
	}
	return n, nil
}

// UnreadCount counts unread messages in a conversation not sent by viewerID.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND read = 0 AND sender <> ?
	`, conversationID, viewerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// SaveNotification stores a notification.
func (s *SQLiteStore) SaveNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient, actor, verb, target_conversation_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Recipient, n.Actor, n.Verb, n.TargetConversationID, n.Description, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, actor, verb, target_conversation_id, description, created_at
		FROM notifications
		WHERE recipient = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, recipient, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var createdAtStr string
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Actor, &n.Verb, &n.TargetConversationID, &n.Description, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing notification created_at: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
