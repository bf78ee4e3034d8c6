package store

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/metrics"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// ErrStaleCheckpoint is returned when a save would move a conversation's
// checkpoint back to an older sequence than the one already stored.
var ErrStaleCheckpoint = errors.New("checkpoint is older than the stored copy")

// ColdStore is the durable tier. Checkpoints and sessions both live here.
// Missing records are reported with an errx not_found error.
type ColdStore interface {
	LoadCheckpoint(ctx context.Context, conversationID string) (*model.Checkpoint, error)
	// SaveCheckpoint returns ErrStaleCheckpoint instead of regressing
	// LastSequence.
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error

	LoadSession(ctx context.Context, conversationID string) (*model.Session, error)
	// CreateSession inserts s unless a session with the same id exists. It
	// returns whichever session is stored afterwards and whether it was
	// created by this call.
	CreateSession(ctx context.Context, s *model.Session) (*model.Session, bool, error)
	TouchSession(ctx context.Context, conversationID string, at time.Time) error
	// MarkDelivered raises LastDelivered to seq; lower values are ignored.
	MarkDelivered(ctx context.Context, conversationID string, seq int64) error

	Close() error
}

// HotCache is the low-latency tier. It only ever holds copies of cold data.
type HotCache interface {
	Get(ctx context.Context, conversationID string) (*model.Checkpoint, bool, error)
	Set(ctx context.Context, cp *model.Checkpoint) error
	Delete(ctx context.Context, conversationID string) error
}

// ConversationStore combines the hot and cold tiers. The cold tier is the
// source of truth; the hot tier is a read-through cache with a short TTL.
type ConversationStore struct {
	hot  HotCache
	cold ColdStore
	now  func() time.Time
	// loads collapses concurrent cold reads of the same conversation.
	loads singleflight.Group
}

func NewConversationStore(hot HotCache, cold ColdStore) *ConversationStore {
	return &ConversationStore{hot: hot, cold: cold, now: time.Now}
}

// Get returns the latest checkpoint of a conversation, consulting the hot tier
// first. A conversation with no checkpoint yields a not_found error.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (*model.Checkpoint, error) {
	cp, ok, err := s.hot.Get(ctx, conversationID)
	switch {
	case err != nil:
		metrics.HotCacheLookups.WithLabelValues("error").Inc()
		logx.Warn().Err(err).Str("conversation_id", conversationID).Msg("hot tier read failed, falling back to cold tier")
	case ok:
		metrics.HotCacheLookups.WithLabelValues("hit").Inc()
		return cp, nil
	default:
		metrics.HotCacheLookups.WithLabelValues("miss").Inc()
	}

	v, err, shared := s.loads.Do(conversationID, func() (any, error) {
		cp, err := s.cold.LoadCheckpoint(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if err := s.hot.Set(ctx, cp); err != nil {
			logx.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to repopulate hot tier")
		}
		return cp, nil
	})
	if err != nil {
		return nil, err
	}
	cp = v.(*model.Checkpoint)
	if shared {
		cp = cp.Clone()
	}
	return cp, nil
}

// Put persists cp durably and then refreshes the hot copy. If the refresh
// fails the hot copy is dropped so readers cannot see stale data.
func (s *ConversationStore) Put(ctx context.Context, cp *model.Checkpoint) error {
	if cp == nil || cp.ConversationID == "" {
		return errx.BadRequest(nil, "checkpoint requires a conversation id")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}

	if err := s.cold.SaveCheckpoint(ctx, cp); err != nil {
		if errors.Is(err, ErrStaleCheckpoint) {
			s.invalidate(ctx, cp.ConversationID)
		}
		return err
	}

	if err := s.hot.Set(ctx, cp); err != nil {
		logx.Warn().Err(err).Str("conversation_id", cp.ConversationID).Msg("hot tier update failed, invalidating")
		s.invalidate(ctx, cp.ConversationID)
	}
	return nil
}

// Expire evicts the hot copy only. The cold copy is never removed here.
func (s *ConversationStore) Expire(ctx context.Context, conversationID string) error {
	return s.hot.Delete(ctx, conversationID)
}

func (s *ConversationStore) invalidate(ctx context.Context, conversationID string) {
	if err := s.hot.Delete(ctx, conversationID); err != nil {
		// The hot TTL bounds how long the stale copy can be served.
		logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to invalidate hot tier")
	}
}

func (s *ConversationStore) LoadSession(ctx context.Context, conversationID string) (*model.Session, error) {
	return s.cold.LoadSession(ctx, conversationID)
}

func (s *ConversationStore) CreateSession(ctx context.Context, sess *model.Session) (*model.Session, bool, error) {
	return s.cold.CreateSession(ctx, sess)
}

func (s *ConversationStore) TouchSession(ctx context.Context, conversationID string) error {
	return s.cold.TouchSession(ctx, conversationID, s.now().UTC())
}

func (s *ConversationStore) MarkDelivered(ctx context.Context, conversationID string, seq int64) error {
	return s.cold.MarkDelivered(ctx, conversationID, seq)
}

func (s *ConversationStore) Close() error {
	return s.cold.Close()
}
