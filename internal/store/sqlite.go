package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// migrations is the ordered list of SQL migration statements.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		model TEXT NOT NULL,
		system_prompt TEXT,
		vector_store_id TEXT,
		use_context INTEGER NOT NULL DEFAULT 1,
		preset_name TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at)`,
}

// SQLiteStore is the durable Store backed by a SQLite file.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// PutConversation inserts a new conversation.
func (s *SQLiteStore) PutConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations
			(id, owner_id, title, model, system_prompt, vector_store_id, use_context, preset_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, conv.Model, conv.SystemPrompt, conv.VectorStoreID,
		boolToInt(conv.UseContext), conv.PresetName, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	return err
}

// GetConversation returns a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, model, system_prompt, vector_store_id, use_context, preset_name, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns an owner's conversations, newest update first.
func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, model, system_prompt, vector_store_id, use_context, preset_name, created_at, updated_at
		FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// UpdateConversation rewrites the mutable fields of a conversation.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		SET title = ?, model = ?, system_prompt = ?, vector_store_id = ?, use_context = ?, preset_name = ?, updated_at = ?
		WHERE id = ?`,
		conv.Title, conv.Model, conv.SystemPrompt, conv.VectorStoreID,
		boolToInt(conv.UseContext), conv.PresetName, conv.UpdatedAt.UnixMilli(), conv.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and cascades to its turns.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// TouchConversation bumps updated_at.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn inserts one turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.Role, turn.Content, turn.CreatedAt.UnixMilli(),
	)
	return err
}

// ListTurns returns turns ordered by created_at ascending.
func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		FROM turns WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row / sql.Rows for scanConversation.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var systemPrompt, vectorStoreID, presetName sql.NullString
	var useContext int
	var createdAt, updatedAt int64

	err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.Model,
		&systemPrompt, &vectorStoreID, &useContext, &presetName, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	conv.SystemPrompt = systemPrompt.String
	conv.VectorStoreID = vectorStoreID.String
	conv.PresetName = presetName.String
	conv.UseContext = useContext != 0
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
