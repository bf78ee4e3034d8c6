package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// Resource classes known to the gateway.
const (
	ClassMessages          = "messages"
	ClassAnonymousMessages = "anonymous-messages"
	ClassProjectCreate     = "project-create"
)

// Class is the bucket shape of one resource class: Capacity tokens, refilled
// continuously so that a full bucket is restored every Window.
type Class struct {
	Capacity int
	Window   time.Duration
}

// ratePerMs is the refill rate in tokens per millisecond.
func (c Class) ratePerMs() float64 {
	return float64(c.Capacity) / float64(c.Window.Milliseconds())
}

// ClassesFromConfig builds the class table from configuration.
func ClassesFromConfig(cfg model.RateLimitConfig) map[string]Class {
	return map[string]Class{
		ClassMessages:          {Capacity: cfg.MessagesCapacity, Window: cfg.MessagesWindow},
		ClassAnonymousMessages: {Capacity: cfg.AnonymousCapacity, Window: cfg.AnonymousWindow},
		ClassProjectCreate:     {Capacity: cfg.ProjectCreateCapacity, Window: cfg.ProjectCreateWindow},
	}
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
	Remaining  float64
}

// tryAdmitScript refills, checks and decrements in one round trip. A denied
// call writes nothing, so the bucket is left exactly as it was.
//
// KEYS[1] bucket hash; ARGV: capacity, rate per ms, now ms, cost, ttl ms.
// Returns {admitted, wait ms, remaining tokens as string}.
var tryAdmitScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
  ts = now
end

if tokens >= cost then
  tokens = tokens - cost
  redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
  redis.call('PEXPIRE', KEYS[1], ttl)
  return {1, 0, tostring(tokens)}
end

local wait = math.ceil((cost - tokens) / rate)
return {0, wait, tostring(tokens)}
`)

// Limiter is a token-bucket admission controller backed by Redis so every
// gateway process shares the same buckets.
type Limiter struct {
	rdb     redis.Scripter
	classes map[string]Class
	prefix  string
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithKeyPrefix namespaces bucket keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

func New(rdb redis.Scripter, classes map[string]Class, opts ...Option) (*Limiter, error) {
	if rdb == nil {
		return nil, fmt.Errorf("ratelimit: redis client is nil")
	}
	for name, c := range classes {
		if c.Capacity <= 0 || c.Window <= 0 {
			return nil, fmt.Errorf("ratelimit: class %q needs positive capacity and window", name)
		}
	}
	l := &Limiter{
		rdb:     rdb,
		classes: classes,
		prefix:  "ratelimit",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Limiter) bucketKey(subject, class string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, class, subject)
}

// TryAdmit consumes one token from the (subject, class) bucket. A denial
// carries the time until one whole token will have been refilled.
func (l *Limiter) TryAdmit(ctx context.Context, subject, class string) (Decision, error) {
	c, ok := l.classes[class]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown resource class %q", class)
	}

	key := l.bucketKey(subject, class)
	now := l.now().UnixMilli()
	res, err := tryAdmitScript.Run(ctx, l.rdb, []string{key},
		c.Capacity,
		strconv.FormatFloat(c.ratePerMs(), 'g', -1, 64),
		now,
		1,
		c.Window.Milliseconds(),
	).Slice()
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("rate limit script failed")
		return Decision{}, errx.WrapRedis(err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	admitted, _ := res[0].(int64)
	waitMs, _ := res[1].(int64)
	remaining := parseTokens(res[2])

	if admitted == 1 {
		return Decision{Admitted: true, Remaining: remaining}, nil
	}

	retry := time.Duration(math.Ceil(float64(waitMs)/1000.0)) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	logx.Debug().
		Str("subject", subject).
		Str("class", class).
		Dur("retry_after", retry).
		Msg("admission denied")
	return Decision{Admitted: false, RetryAfter: retry, Remaining: remaining}, nil
}

func parseTokens(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
