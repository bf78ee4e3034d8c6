package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/metrics"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// State is the breaker position shared by every worker in every process.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Execute when the call was short-circuited.
var ErrOpen = errx.EngineUnavailable(errors.New("circuit open"))

// decisions returned by the acquire script
const (
	reject  = 0
	proceed = 1
	trial   = 2
)

// acquireScript decides whether a call may go through, moving open to
// half_open once the recovery timeout has elapsed. Only one caller at a time
// holds the half-open trial lease; the lease expires so a crashed trial cannot
// wedge the breaker.
//
// KEYS[1] state hash; ARGV: now ms, recovery ms, lease ms, trial token.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local recovery = tonumber(ARGV[2])
local lease = tonumber(ARGV[3])
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'closed' then
  return {1, state}
end

if state == 'open' then
  local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
  if now - opened < recovery then
    return {0, state}
  end
  redis.call('HSET', KEYS[1], 'state', 'half_open', 'lease_end', tostring(now + lease), 'trial_id', ARGV[4])
  return {2, 'half_open'}
end

local lease_end = tonumber(redis.call('HGET', KEYS[1], 'lease_end') or '0')
if now < lease_end then
  return {0, state}
end
redis.call('HSET', KEYS[1], 'lease_end', tostring(now + lease), 'trial_id', ARGV[4])
return {2, state}
`)

// successScript closes the breaker when the matching trial succeeds.
//
// KEYS[1] state hash, KEYS[2] failure zset; ARGV: trial token.
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half_open' and redis.call('HGET', KEYS[1], 'trial_id') == ARGV[1] then
  redis.call('DEL', KEYS[1], KEYS[2])
  return {1, 'closed'}
end
return {0, state}
`)

// failureScript records a failure. In closed state it appends to the rolling
// window and trips the breaker at the threshold; a failed trial reopens it.
//
// KEYS[1] state hash, KEYS[2] failure zset;
// ARGV: now ms, window ms, threshold, trial flag, token.
var failureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if ARGV[4] == '1' then
  if state == 'half_open' and redis.call('HGET', KEYS[1], 'trial_id') == ARGV[5] then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', tostring(now))
    redis.call('HDEL', KEYS[1], 'lease_end', 'trial_id')
    return {1, 'open', 0}
  end
  return {0, state, 0}
end

if state ~= 'closed' then
  return {0, state, 0}
end

redis.call('ZADD', KEYS[2], now, ARGV[5])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. tostring(now - window))
redis.call('PEXPIRE', KEYS[2], window)
local failures = redis.call('ZCARD', KEYS[2])
if failures >= threshold then
  redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', tostring(now))
  redis.call('DEL', KEYS[2])
  return {1, 'open', failures}
end
return {0, 'closed', failures}
`)

// Breaker guards calls to one named external dependency. Its counters live in
// Redis so every worker of every gateway process sees the same state.
type Breaker struct {
	rdb       redis.Cmdable
	name      string
	threshold int
	window    time.Duration
	recovery  time.Duration
	lease     time.Duration
	now       func() time.Time
	// IsFailure decides which errors count against the dependency. Caller
	// faults such as malformed requests should not trip the breaker.
	IsFailure func(error) bool
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithFailureClassifier(fn func(error) bool) Option {
	return func(b *Breaker) { b.IsFailure = fn }
}

func New(rdb redis.Cmdable, cfg model.BreakerConfig, opts ...Option) (*Breaker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("breaker: redis client is nil")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("breaker: name is required")
	}
	if cfg.FailureThreshold <= 0 || cfg.RollingWindow <= 0 || cfg.RecoveryTimeout <= 0 {
		return nil, fmt.Errorf("breaker: threshold, window and recovery timeout must be positive")
	}
	lease := cfg.TrialLease
	if lease <= 0 {
		lease = cfg.RecoveryTimeout
	}
	b := &Breaker{
		rdb:       rdb,
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		window:    cfg.RollingWindow,
		recovery:  cfg.RecoveryTimeout,
		lease:     lease,
		now:       time.Now,
		IsFailure: DefaultIsFailure,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// DefaultIsFailure counts everything except caller faults and cancellation by
// the caller.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errx.Is(err, errx.CodeBadRequest) || errx.Is(err, errx.CodeValidationRejected) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (b *Breaker) stateKey() string   { return "breaker:" + b.name }
func (b *Breaker) failureKey() string { return "breaker:" + b.name + ":failures" }

// Execute runs fn unless the breaker is open. A short-circuited call returns
// ErrOpen without invoking fn; otherwise fn's own error is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	token := uuid.NewString()
	decision, err := b.acquire(ctx, token)
	if err != nil {
		// The shared store is down: let the call through rather than turn a
		// Redis outage into an engine outage.
		logx.Warn().Err(err).Str("breaker", b.name).Msg("breaker state unavailable, failing open")
		return fn(ctx)
	}
	if decision == reject {
		metrics.BreakerShortCircuits.WithLabelValues(b.name).Inc()
		return ErrOpen
	}

	isTrial := decision == trial
	if isTrial {
		logx.Info().Str("breaker", b.name).Msg("half-open trial call")
	}

	callErr := fn(ctx)
	if callErr != nil && b.IsFailure(callErr) {
		b.recordFailure(ctx, isTrial, token)
		return callErr
	}
	if isTrial {
		b.recordSuccess(ctx, token)
	}
	return callErr
}

func (b *Breaker) acquire(ctx context.Context, token string) (int64, error) {
	res, err := acquireScript.Run(ctx, b.rdb, []string{b.stateKey()},
		b.now().UnixMilli(),
		b.recovery.Milliseconds(),
		b.lease.Milliseconds(),
		token,
	).Slice()
	if err != nil {
		return 0, errx.WrapRedis(err)
	}
	decision, _ := res[0].(int64)
	if decision == trial {
		b.transition(StateOpen, StateHalfOpen)
	}
	return decision, nil
}

func (b *Breaker) recordSuccess(ctx context.Context, token string) {
	res, err := successScript.Run(ctx, b.rdb, []string{b.stateKey(), b.failureKey()}, token).Slice()
	if err != nil {
		logx.Error().Err(err).Str("breaker", b.name).Msg("failed to record breaker success")
		return
	}
	if changed, _ := res[0].(int64); changed == 1 {
		b.transition(StateHalfOpen, StateClosed)
	}
}

func (b *Breaker) recordFailure(ctx context.Context, isTrial bool, token string) {
	flag := "0"
	if isTrial {
		flag = "1"
	}
	res, err := failureScript.Run(ctx, b.rdb, []string{b.stateKey(), b.failureKey()},
		b.now().UnixMilli(),
		b.window.Milliseconds(),
		b.threshold,
		flag,
		token,
	).Slice()
	if err != nil {
		logx.Error().Err(err).Str("breaker", b.name).Msg("failed to record breaker failure")
		return
	}
	if changed, _ := res[0].(int64); changed == 1 {
		from := StateClosed
		if isTrial {
			from = StateHalfOpen
		}
		b.transition(from, StateOpen)
	}
}

func (b *Breaker) transition(from, to State) {
	metrics.BreakerTransitions.WithLabelValues(b.name, string(from), string(to)).Inc()
	logx.Warn().
		Str("breaker", b.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("circuit breaker transition")
}

// State reports the stored state. An open breaker whose recovery timeout has
// elapsed still reads as open until the next call claims the trial.
func (b *Breaker) State(ctx context.Context) (State, error) {
	s, err := b.rdb.HGet(ctx, b.stateKey(), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StateClosed, nil
	}
	if err != nil {
		return "", errx.WrapRedis(err)
	}
	return State(s), nil
}
