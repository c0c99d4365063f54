package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-go-golems/arbor/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    branch_index INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL DEFAULT 0,
    payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_parent ON messages (chat_id, parent_id, branch_index);
`

// SQLiteStore persists chats and messages in SQLite.
//
// Each row carries the full record as a JSON payload. Only the columns the
// tree lookups need (chat, parent, branch index) are broken out.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return getChat(ctx, s.db, chatID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getChat(ctx context.Context, q queryer, chatID string) (*conversation.Chat, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload_json FROM chats WHERE id = ?`, chatID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chatNotFound(chatID)
	}
	if err != nil {
		return nil, err
	}
	chat := &conversation.Chat{}
	if err := json.Unmarshal([]byte(payload), chat); err != nil {
		return nil, errors.Wrapf(err, "sqlite store: decode chat %s", chatID)
	}
	return chat, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context) ([]*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload_json FROM chats ORDER BY updated_at_ms DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*conversation.Chat
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		chat := &conversation.Chat{}
		if err := json.Unmarshal([]byte(payload), chat); err != nil {
			return nil, err
		}
		out = append(out, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortChats(out)
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putChat(ctx context.Context, e execer, chat *conversation.Chat) error {
	payload, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO chats (id, payload_json, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
		chat.ID,
		string(payload),
		chat.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) PutChat(ctx context.Context, chat *conversation.Chat) error {
	if err := validateChat(chat); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return putChat(ctx, s.db, chat)
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
		return err
	})
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM messages WHERE id = ?`, messageID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messageNotFound(messageID)
	}
	if err != nil {
		return nil, err
	}
	return decodeMessage(payload)
}

func decodeMessage(payload string) (*conversation.Message, error) {
	msg := &conversation.Message{}
	if err := json.Unmarshal([]byte(payload), msg); err != nil {
		return nil, errors.Wrap(err, "sqlite store: decode message")
	}
	return msg.Normalize(), nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*conversation.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		msg, err := decodeMessage(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out, err := s.queryMessages(ctx, `SELECT payload_json FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

func (s *SQLiteStore) ListChildren(ctx context.Context, chatID string, parentID string) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out, err := s.queryMessages(ctx,
		`SELECT payload_json FROM messages WHERE chat_id = ? AND parent_id = ? ORDER BY branch_index ASC`,
		chatID, parentID)
	if err != nil {
		return nil, err
	}
	sortSiblings(out)
	return out, nil
}

func (s *SQLiteStore) PutMessage(ctx context.Context, msg *conversation.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, parent_id, branch_index, created_at_ms, payload_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    chat_id = excluded.chat_id,
    parent_id = excluded.parent_id,
    branch_index = excluded.branch_index,
    payload_json = excluded.payload_json`,
		msg.ID,
		msg.ChatID,
		msg.ParentID,
		msg.BranchIndex,
		msg.CreatedAt.UnixMilli(),
		string(payload),
	)
	return err
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, chatID string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, chatID)
	for _, id := range messageIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND id IN (`+placeholders+`)`, args...)
	return err
}

func (s *SQLiteStore) UpdateChatStats(ctx context.Context, chatID string, delta conversation.StatsDelta) (*conversation.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var ret *conversation.Chat
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		chat, err := getChat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		chat.ApplyStats(delta)
		if err := putChat(ctx, tx, chat); err != nil {
			return err
		}
		ret = chat
		return nil
	})
	return ret, err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
