package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// nextScript raises the counter to at least the floor and then increments it.
// The floor lets a conversation whose counter key was lost continue above the
// last sequence already persisted in its checkpoint.
//
// KEYS[1] counter; ARGV[1] floor.
var nextScript = redis.NewScript(`
local floor = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < floor then
  redis.call('SET', KEYS[1], floor)
end
return redis.call('INCR', KEYS[1])
`)

// markScript records a finished sequence and moves the watermark over every
// contiguous finished sequence. Finished sequences above a hole wait in the
// done set until the hole closes. With the force flag the watermark jumps to
// the sequence and any hole below it is abandoned.
//
// KEYS[1] watermark, KEYS[2] done set; ARGV: sequence, force flag.
var markScript = redis.NewScript(`
local seq = tonumber(ARGV[1])
local mark = tonumber(redis.call('GET', KEYS[1]) or '0')
if seq <= mark then
  return mark
end
if ARGV[2] == '1' then
  mark = seq
else
  redis.call('ZADD', KEYS[2], seq, ARGV[1])
end
while redis.call('ZSCORE', KEYS[2], tostring(mark + 1)) do
  mark = mark + 1
end
redis.call('SET', KEYS[1], mark)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', mark)
return mark
`)

// checkScript reports whether a sequence is finished, and the watermark.
//
// KEYS[1] watermark, KEYS[2] done set; ARGV[1] sequence.
var checkScript = redis.NewScript(`
local seq = tonumber(ARGV[1])
local mark = tonumber(redis.call('GET', KEYS[1]) or '0')
if seq <= mark or redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return {1, mark}
end
return {0, mark}
`)

// Sequencer hands out per-conversation sequence numbers and tracks how far
// processing has progressed. Its counters are shared by all gateway processes.
type Sequencer struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Sequencer {
	return &Sequencer{rdb: rdb}
}

func (s *Sequencer) counterKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:seq", conversationID)
}

func (s *Sequencer) processedKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:processed", conversationID)
}

func (s *Sequencer) doneKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:done", conversationID)
}

// Next assigns the next sequence number of a conversation. The result is
// always greater than floor.
func (s *Sequencer) Next(ctx context.Context, conversationID string, floor int64) (int64, error) {
	seq, err := nextScript.Run(ctx, s.rdb, []string{s.counterKey(conversationID)}, floor).Int64()
	if err != nil {
		logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to assign sequence number")
		return 0, errx.WrapRedis(err)
	}
	return seq, nil
}

// Current returns the last assigned sequence number, or 0.
func (s *Sequencer) Current(ctx context.Context, conversationID string) (int64, error) {
	return s.get(ctx, s.counterKey(conversationID))
}

// Processed returns the watermark: every sequence up to it has had its
// terminal event published.
func (s *Sequencer) Processed(ctx context.Context, conversationID string) (int64, error) {
	return s.get(ctx, s.processedKey(conversationID))
}

// IsProcessed reports whether seq already finished, along with the watermark.
func (s *Sequencer) IsProcessed(ctx context.Context, conversationID string, seq int64) (bool, int64, error) {
	res, err := checkScript.Run(ctx, s.rdb,
		[]string{s.processedKey(conversationID), s.doneKey(conversationID)}, seq,
	).Int64Slice()
	if err != nil {
		return false, 0, errx.WrapRedis(err)
	}
	return res[0] == 1, res[1], nil
}

// MarkProcessed records seq as finished. The watermark advances only across
// contiguous finished sequences.
func (s *Sequencer) MarkProcessed(ctx context.Context, conversationID string, seq int64) error {
	return s.mark(ctx, conversationID, seq, false)
}

// Advance records seq as finished and moves the watermark to it even if
// earlier sequences never finished.
func (s *Sequencer) Advance(ctx context.Context, conversationID string, seq int64) error {
	return s.mark(ctx, conversationID, seq, true)
}

func (s *Sequencer) mark(ctx context.Context, conversationID string, seq int64, force bool) error {
	flag := "0"
	if force {
		flag = "1"
	}
	err := markScript.Run(ctx, s.rdb,
		[]string{s.processedKey(conversationID), s.doneKey(conversationID)}, seq, flag,
	).Err()
	if err != nil {
		logx.Error().Err(err).Str("conversation_id", conversationID).Int64("sequence", seq).Msg("failed to mark sequence processed")
		return errx.WrapRedis(err)
	}
	return nil
}

func (s *Sequencer) get(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errx.WrapRedis(err)
	}
	return n, nil
}
