// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'chat',
			agent_id TEXT NOT NULL,
			last_activity TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored as RFC3339Nano strings and parsed on read.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// CreateConversation inserts a new conversation record
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, label, type, agent_id, last_activity)
		VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.Label, conv.Type, conv.AgentID, formatTime(conv.LastActivity))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation by id, returning ErrNotFound when missing
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var lastActivityStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, type, agent_id, last_activity
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Label, &conv.Type, &conv.AgentID, &lastActivityStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	conv.LastActivity, err = parseTime(lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	return &conv, nil
}

// ListConversations returns all conversations ordered by recency
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, type, agent_id, last_activity
		FROM conversations ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var lastActivityStr string
		if err := rows.Scan(&conv.ID, &conv.Label, &conv.Type, &conv.AgentID, &lastActivityStr); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		conv.LastActivity, err = parseTime(lastActivityStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_activity: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// TouchConversation updates a conversation's last-activity timestamp
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and, via cascade, its messages
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists one message at the end of a conversation
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, timestamp, tool_calls, tool_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		formatTime(msg.Timestamp), msg.ToolCalls, msg.ToolCallID)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in append order
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, timestamp, tool_calls, tool_call_id
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&timestampStr, &m.ToolCalls, &m.ToolCallID); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Timestamp, err = parseTime(timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in a conversation
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
