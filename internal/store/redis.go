package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// setScript stores a checkpoint unless the cached copy is already newer, so a
// slow read-through cannot overwrite a checkpoint written by a later Put.
// KEYS[1] = checkpoint hash; ARGV = last_sequence, encoded checkpoint, ttl ms.
var setScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'seq') or '')
if cur and cur > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

type RedisCheckpointCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCheckpointCache(rdb redis.Cmdable, ttl time.Duration) *RedisCheckpointCache {
	return &RedisCheckpointCache{rdb: rdb, ttl: ttl}
}

func (r *RedisCheckpointCache) checkpointKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:checkpoint", conversationID)
}

func (r *RedisCheckpointCache) Get(ctx context.Context, conversationID string) (*model.Checkpoint, bool, error) {
	key := r.checkpointKey(conversationID)

	raw, err := r.rdb.HGet(ctx, key, "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load checkpoint from redis")
		return nil, false, errx.WrapRedis(err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		// A corrupt entry is treated as a miss; the cold tier will overwrite it.
		logx.Warn().Err(err).Str("key", key).Msg("discarding undecodable hot checkpoint")
		return nil, false, nil
	}
	return &cp, true, nil
}

func (r *RedisCheckpointCache) Set(ctx context.Context, cp *model.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		logx.Error().Err(err).Str("conversation_id", cp.ConversationID).Msg("failed to marshal checkpoint")
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := r.checkpointKey(cp.ConversationID)

	written, err := setScript.Run(ctx, r.rdb, []string{key}, cp.LastSequence, b, r.ttl.Milliseconds()).Int()
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to write checkpoint to redis")
		return errx.WrapRedis(err)
	}
	if written == 0 {
		logx.Debug().Str("key", key).Int64("last_sequence", cp.LastSequence).Msg("hot checkpoint is newer, skipped write")
	}
	return nil
}

func (r *RedisCheckpointCache) Delete(ctx context.Context, conversationID string) error {
	key := r.checkpointKey(conversationID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete checkpoint from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

var _ HotCache = (*RedisCheckpointCache)(nil)
