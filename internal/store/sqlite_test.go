package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func checkpointAt(id string, seq int64) *model.Checkpoint {
	cp := model.NewCheckpoint(id, "user-1")
	cp.LastSequence = seq
	cp.UpdatedAt = time.UnixMilli(1_700_000_000_000 + seq).UTC()
	for i := int64(1); i <= seq; i++ {
		cp.Turns = append(cp.Turns, model.Turn{Sequence: i, Request: "q", Response: "a"})
	}
	return cp
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestSQLite_CheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.LoadCheckpoint(ctx, "c1")
	assert.True(t, errx.Is(err, errx.CodeNotFound))

	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("c1", 2)))

	got, err := s.LoadCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LastSequence)
	assert.Len(t, got.Turns, 2)
}

func TestSQLite_SaveCheckpointRefusesRegression(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("c1", 3)))
	err := s.SaveCheckpoint(ctx, checkpointAt("c1", 2))
	assert.True(t, errors.Is(err, ErrStaleCheckpoint))

	// Rewriting the same sequence is allowed.
	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("c1", 3)))

	got, err := s.LoadCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LastSequence)
}

func TestSQLite_CreateSessionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	now := time.UnixMilli(1_700_000_000_000).UTC()

	first, created, err := s.CreateSession(ctx, &model.Session{
		ConversationID: "c1", UserID: "alice", CreatedAt: now, LastActivityAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", first.UserID)

	second, created, err := s.CreateSession(ctx, &model.Session{
		ConversationID: "c1", UserID: "mallory", CreatedAt: now, LastActivityAt: now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", second.UserID)
	assert.Equal(t, now, second.CreatedAt)
}

func TestSQLite_TouchAndMarkDelivered(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	now := time.UnixMilli(1_700_000_000_000).UTC()

	_, _, err := s.CreateSession(ctx, &model.Session{ConversationID: "c1", UserID: "alice", CreatedAt: now, LastActivityAt: now})
	require.NoError(t, err)

	later := now.Add(time.Minute)
	require.NoError(t, s.TouchSession(ctx, "c1", later))
	require.NoError(t, s.TouchSession(ctx, "c1", now))

	require.NoError(t, s.MarkDelivered(ctx, "c1", 4))
	require.NoError(t, s.MarkDelivered(ctx, "c1", 2))

	got, err := s.LoadSession(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, later, got.LastActivityAt)
	assert.Equal(t, int64(4), got.LastDelivered)

	err = s.TouchSession(ctx, "missing", later)
	assert.True(t, errx.Is(err, errx.CodeNotFound))
}
