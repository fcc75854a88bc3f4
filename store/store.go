// Package store is the durable SQLite layer behind chats, messages, user
// profiles and extracted memories. It implements the collaborator
// interfaces the chat controller and the memory analyzer depend on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridianhq/relay/chat"
	"github.com/meridianhq/relay/memory"
	"github.com/meridianhq/relay/pkg/uuidx"
)

// ErrNotFound reports a lookup or delete against a row that does not exist.
var ErrNotFound = errors.New("store: not found")

var (
	_ chat.ContextSource = (*Store)(nil)
	_ chat.MessageStore  = (*Store)(nil)
	_ memory.Store       = (*Store)(nil)
)

// Chat is one conversation header.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatMessage is one persisted turn of a conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MemoryRecord is a stored memory with its row identity, as exposed to the
// HTTP surface. The analyzer only ever sees the embedded memory.Memory.
type MemoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	memory.Memory
}

// Store wraps a single SQLite database. Safe for concurrent use; sqlite
// serializes writers and WAL keeps readers off their backs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_fields (
	user_id  TEXT NOT NULL REFERENCES users(id),
	field    TEXT NOT NULL,
	value    TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, field)
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	category   TEXT NOT NULL,
	importance INTEGER NOT NULL,
	reasoning  TEXT NOT NULL DEFAULT '',
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, deleted);
`

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// EnsureUser creates or renames a user.
func (s *Store) EnsureUser(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		id, name, s.now().UnixNano())
	return err
}

// SetProfileField upserts one profile field. Position controls the order
// the field appears in the system prompt.
func (s *Store) SetProfileField(ctx context.Context, userID, field, value string, position int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_fields (user_id, field, value, position) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, field) DO UPDATE SET value = excluded.value, position = excluded.position`,
		userID, field, value, position)
	return err
}

// CreateChat starts a new conversation and returns its header.
func (s *Store) CreateChat(ctx context.Context, userID, title string) (Chat, error) {
	now := s.now()
	c := Chat{ID: uuidx.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

// SaveUserMessage appends a user turn to a chat.
func (s *Store) SaveUserMessage(ctx context.Context, chatID, content string) error {
	return s.appendMessage(ctx, chatID, "user", content, "")
}

// SaveAssistantMessage appends a finished assistant turn to a chat,
// recording which model produced it.
func (s *Store) SaveAssistantMessage(ctx context.Context, chatID, content, modelPublicID string) error {
	return s.appendMessage(ctx, chatID, "assistant", content, modelPublicID)
}

func (s *Store) appendMessage(ctx context.Context, chatID, role, content, model string) error {
	now := s.now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, model, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuidx.NewString(), chatID, role, content, model, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return tx.Commit()
}

// ListChats returns a user's chats, most recently active first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats
		 WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(0, created)
		c.UpdatedAt = time.Unix(0, updated)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ListMessages returns a chat's messages in conversation order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, model, created_at FROM messages
		 WHERE chat_id = ? ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var created int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.Model, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListMemories returns the user's non-deleted memories. This is the view
// the analyzer dedups against.
func (s *Store) ListMemories(ctx context.Context, userID string) ([]memory.Memory, error) {
	records, err := s.Memories(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Memory, len(records))
	for i, r := range records {
		out[i] = r.Memory
	}
	return out, nil
}

// Memories returns the user's non-deleted memory records, newest first.
func (s *Store) Memories(ctx context.Context, userID string) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, category, importance, reasoning, created_at FROM memories
		 WHERE user_id = ? AND deleted = 0 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRecords(rows)
}

// InsertMemories bulk-inserts extracted memories and reports how many rows
// were written.
func (s *Store) InsertMemories(ctx context.Context, userID string, memories []memory.Memory) (int, error) {
	if len(memories) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, m := range memories {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memories (id, user_id, content, category, importance, reasoning, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuidx.NewString(), userID, m.Content, string(m.Category), m.Importance, m.Reasoning, s.now().UnixNano())
		if err != nil {
			return 0, fmt.Errorf("insert memory: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(memories), nil
}

// DeleteMemory flags a memory as deleted. The row stays so the id space
// never recycles; every read path filters on the flag.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return err
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

// contextMemoryLimit caps how many memories ride along in the system prompt.
const contextMemoryLimit = 8

// GetUserContext assembles the personalization snapshot for a user: name,
// ordered profile fields, and the top memories ranked by importance then
// recency. An unknown user yields an empty context, not an error.
func (s *Store) GetUserContext(ctx context.Context, userID string) (chat.UserContext, error) {
	var uc chat.UserContext

	err := s.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = ?`, userID).Scan(&uc.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.UserContext{}, nil
	}
	if err != nil {
		return chat.UserContext{}, err
	}

	fields, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM profile_fields WHERE user_id = ? ORDER BY position ASC, field ASC`, userID)
	if err != nil {
		return chat.UserContext{}, err
	}
	defer fields.Close()
	for fields.Next() {
		var f chat.ProfileField
		if err := fields.Scan(&f.Key, &f.Value); err != nil {
			return chat.UserContext{}, err
		}
		uc.ProfileFields = append(uc.ProfileFields, f)
	}
	if err := fields.Err(); err != nil {
		return chat.UserContext{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content, category, importance FROM memories
		 WHERE user_id = ? AND deleted = 0
		 ORDER BY importance DESC, created_at DESC LIMIT ?`, userID, contextMemoryLimit)
	if err != nil {
		return chat.UserContext{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var m chat.RankedMemory
		var category string
		if err := rows.Scan(&m.Content, &category, &m.Importance); err != nil {
			return chat.UserContext{}, err
		}
		m.Category = memory.ParseCategory(category)
		uc.Memories = append(uc.Memories, m)
	}
	return uc, rows.Err()
}

func scanMemoryRecords(rows *sql.Rows) ([]MemoryRecord, error) {
	var out []MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		var category string
		var created int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Content, &category, &r.Importance, &r.Reasoning, &created); err != nil {
			return nil, err
		}
		r.Category = memory.ParseCategory(category)
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}
