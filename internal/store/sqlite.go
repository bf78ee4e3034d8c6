package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// SQLiteStore is the cold tier used for local and single-node deployments.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path, creating parent directories and
// the schema when needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; the busy timeout covers other processes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logx.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id  TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			last_delivered   INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

		CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			last_sequence   INTEGER NOT NULL,
			data            TEXT NOT NULL,
			updated_at      INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, conversationID string) (*model.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE conversation_id = ?`, conversationID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errx.NotFound("checkpoint")
	}
	if err != nil {
		return nil, errx.StorageUnavailable(fmt.Errorf("querying checkpoint: %w", err))
	}

	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", conversationID, err)
	}
	return &cp, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (conversation_id, user_id, last_sequence, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			user_id = excluded.user_id,
			last_sequence = excluded.last_sequence,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE excluded.last_sequence >= checkpoints.last_sequence
	`,
		cp.ConversationID,
		cp.UserID,
		cp.LastSequence,
		string(data),
		cp.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errx.StorageUnavailable(fmt.Errorf("saving checkpoint: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errx.StorageUnavailable(fmt.Errorf("saving checkpoint: %w", err))
	}
	if n == 0 {
		return ErrStaleCheckpoint
	}
	return nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, conversationID string) (*model.Session, error) {
	var (
		sess                  model.Session
		createdAt, lastActive int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, created_at, last_activity_at, last_delivered
		FROM sessions
		WHERE conversation_id = ?
	`, conversationID).Scan(
		&sess.ConversationID,
		&sess.UserID,
		&createdAt,
		&lastActive,
		&sess.LastDelivered,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errx.NotFound("session")
	}
	if err != nil {
		return nil, errx.StorageUnavailable(fmt.Errorf("querying session: %w", err))
	}
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.LastActivityAt = time.UnixMilli(lastActive).UTC()
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) (*model.Session, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, user_id, created_at, last_activity_at, last_delivered)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO NOTHING
	`,
		sess.ConversationID,
		sess.UserID,
		sess.CreatedAt.UnixMilli(),
		sess.LastActivityAt.UnixMilli(),
		sess.LastDelivered,
	)
	if err != nil {
		return nil, false, errx.StorageUnavailable(fmt.Errorf("inserting session: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errx.StorageUnavailable(fmt.Errorf("inserting session: %w", err))
	}

	stored, err := s.LoadSession(ctx, sess.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, conversationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE conversation_id = ?`,
		at.UnixMilli(), conversationID,
	)
	if err != nil {
		return errx.StorageUnavailable(fmt.Errorf("touching session: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errx.NotFound("session")
	}
	return nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, conversationID string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_delivered = ? WHERE conversation_id = ? AND last_delivered < ?`,
		seq, conversationID, seq,
	)
	if err != nil {
		return errx.StorageUnavailable(fmt.Errorf("marking delivered: %w", err))
	}
	return nil
}

var _ ColdStore = (*SQLiteStore)(nil)
