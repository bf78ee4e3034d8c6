package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// Locker serialises work on one conversation across gateway processes.
type Locker interface {
	Obtain(ctx context.Context, conversationID string) (release func(), err error)
}

// RedsyncLocker takes a Redis mutex per conversation.
type RedsyncLocker struct {
	rs  *redsync.Redsync
	ttl time.Duration
}

// NewRedsyncLocker builds a locker whose mutexes expire after ttl, which must
// cover the longest possible envelope processing time.
func NewRedsyncLocker(client redis.UniversalClient, ttl time.Duration) *RedsyncLocker {
	return &RedsyncLocker{rs: redsync.New(goredis.NewPool(client)), ttl: ttl}
}

func (l *RedsyncLocker) Obtain(ctx context.Context, conversationID string) (func(), error) {
	mutex := l.rs.NewMutex(
		fmt.Sprintf("lock:conversation:%s", conversationID),
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(20),
		redsync.WithRetryDelay(100*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, err
	}
	return func() {
		if _, err := mutex.Unlock(); err != nil {
			logx.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to unlock mutex")
		}
	}, nil
}

var _ Locker = (*RedsyncLocker)(nil)
