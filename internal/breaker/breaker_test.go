package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errEngineDown = errors.New("engine down")

func testConfig() model.BreakerConfig {
	return model.BreakerConfig{
		Name:             "engine",
		FailureThreshold: 5,
		RollingWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
		TrialLease:       time.Minute,
	}
}

func newBreaker(t *testing.T, rdb *redis.Client, clock *fakeClock) *Breaker {
	t.Helper()
	b, err := New(rdb, testConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	return b
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func failing(calls *atomic.Int64) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return errEngineDown
	}
}

func succeeding(calls *atomic.Int64) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return nil
	}
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	var calls atomic.Int64
	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), failing(&calls))
		require.ErrorIs(t, err, errEngineDown)
	}
	require.Equal(t, int64(5), calls.Load())
}

func TestExecute_OpensAfterThresholdAndShortCircuits(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(t, newRedis(t), clock)

	tripBreaker(t, b)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	var calls atomic.Int64
	err = b.Execute(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, errx.Is(err, errx.CodeEngineUnavailable))
	assert.Zero(t, calls.Load(), "open breaker must not invoke the function")
}

func TestExecute_FailuresOutsideWindowDoNotTrip(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(t, newRedis(t), clock)

	var calls atomic.Int64
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	clock.Advance(2 * time.Minute)
	_ = b.Execute(ctx, failing(&calls))

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestExecute_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(t, newRedis(t), clock)
	tripBreaker(t, b)

	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	var trialCalls atomic.Int64
	var shortCircuited atomic.Int64
	var wg sync.WaitGroup

	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(ctx, func(context.Context) error {
			trialCalls.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(context.Context) error {
				trialCalls.Add(1)
				return nil
			})
			if errors.Is(err, ErrOpen) {
				shortCircuited.Add(1)
			}
		}()
	}

	// Let the concurrent callers finish before the trial completes.
	require.Eventually(t, func() bool { return shortCircuited.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), trialCalls.Load())
	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestExecute_FailedTrialReopens(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(t, newRedis(t), clock)
	tripBreaker(t, b)

	clock.Advance(31 * time.Second)

	var calls atomic.Int64
	err := b.Execute(ctx, failing(&calls))
	require.ErrorIs(t, err, errEngineDown)
	require.Equal(t, int64(1), calls.Load())

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	// openedAt was reset by the failed trial, so the old deadline no longer applies.
	clock.Advance(10 * time.Second)
	err = b.Execute(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, ErrOpen)

	clock.Advance(25 * time.Second)
	err = b.Execute(ctx, succeeding(&calls))
	assert.NoError(t, err)
	state, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestExecute_ExpiredTrialLeaseIsReissued(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rdb := newRedis(t)
	b := newBreaker(t, rdb, clock)
	tripBreaker(t, b)
	clock.Advance(30 * time.Second)

	// Simulate a worker that claimed the trial and crashed.
	decision, err := b.acquire(ctx, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, int64(trial), decision)

	var calls atomic.Int64
	assert.ErrorIs(t, b.Execute(ctx, succeeding(&calls)), ErrOpen)

	clock.Advance(time.Minute)
	assert.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, int64(1), calls.Load())

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestExecute_CallerFaultsDoNotCount(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(t, newRedis(t), clock)

	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, func(context.Context) error {
			return errx.BadRequest(nil, "malformed")
		})
		require.True(t, errx.Is(err, errx.CodeBadRequest))
	}

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestExecute_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rdb := newRedis(t)
	first := newBreaker(t, rdb, clock)
	second := newBreaker(t, rdb, clock)

	tripBreaker(t, first)

	var calls atomic.Int64
	assert.ErrorIs(t, second.Execute(ctx, succeeding(&calls)), ErrOpen)
	assert.Zero(t, calls.Load())
}

func TestExecute_FailsOpenWhenStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(t, rdb, clock)

	mr.Close()

	var calls atomic.Int64
	assert.NoError(t, b.Execute(context.Background(), succeeding(&calls)))
	assert.Equal(t, int64(1), calls.Load())
}

func TestCannedFallback(t *testing.T) {
	f := NewCannedFallback(DefaultAnswers, "")

	assert.Contains(t, f.Respond("How do I update my BILLING info?"), "Billing")
	assert.Equal(t, defaultGenericAnswer, f.Respond("tell me a joke"))
	assert.Equal(t, "custom", NewCannedFallback(nil, "custom").Respond("anything"))
}
