// Package executor runs admitted envelopes through the conversation engine on
// a bounded worker pool, preserving per-conversation order.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/allthriveai/allthriveai-sub004/internal/breaker"
	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/engine"
	"github.com/allthriveai/allthriveai-sub004/internal/metrics"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	"github.com/allthriveai/allthriveai-sub004/internal/store"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// CheckpointStore is the slice of the conversation store the executor needs.
type CheckpointStore interface {
	Get(ctx context.Context, conversationID string) (*model.Checkpoint, error)
	Put(ctx context.Context, cp *model.Checkpoint) error
	TouchSession(ctx context.Context, conversationID string) error
}

type Publisher interface {
	Publish(ctx context.Context, conversationID string, ev model.Event) error
}

// Watermark tracks which sequences have finished, across processes.
type Watermark interface {
	IsProcessed(ctx context.Context, conversationID string, seq int64) (bool, int64, error)
	MarkProcessed(ctx context.Context, conversationID string, seq int64) error
	Advance(ctx context.Context, conversationID string, seq int64) error
}

// Guard runs engine calls behind a circuit breaker.
type Guard interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

var ErrStopped = errors.New("executor: stopped")

const (
	defaultPollInterval = 100 * time.Millisecond
	// drainTimeout bounds how long Stop spends closing queued envelopes.
	drainTimeout = 10 * time.Second
)

type Executor struct {
	cfg       model.ExecutorConfig
	engine    engine.Engine
	store     CheckpointStore
	publisher Publisher
	watermark Watermark
	guard     Guard
	fallback  breaker.Fallback
	locker    Locker
	now       func() time.Time
	poll      time.Duration

	mu      sync.Mutex
	queues  map[string]*conversationQueue
	pending int
	ready   chan string
	stopped bool

	quit    chan struct{}
	wg      conc.WaitGroup
	timers  sync.WaitGroup
	started atomic.Bool
}

type Option func(*Executor)

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithPollInterval sets how often a task waiting for its predecessor
// rechecks the watermark.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.poll = d }
}

// WithLocker overrides the cross-process conversation lock.
func WithLocker(l Locker) Option {
	return func(e *Executor) { e.locker = l }
}

type Deps struct {
	Engine    engine.Engine
	Store     CheckpointStore
	Publisher Publisher
	Watermark Watermark
	Guard     Guard
	Fallback  breaker.Fallback
}

func New(cfg model.ExecutorConfig, deps Deps, opts ...Option) (*Executor, error) {
	if deps.Engine == nil || deps.Store == nil || deps.Publisher == nil || deps.Watermark == nil {
		return nil, errors.New("executor: engine, store, publisher and watermark are required")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("executor: workers must be positive")
	}
	if cfg.QueueSize <= 0 {
		return nil, errors.New("executor: queue size must be positive")
	}
	if cfg.EngineTimeout <= 0 {
		return nil, errors.New("executor: engine timeout must be positive")
	}
	if deps.Fallback == nil {
		deps.Fallback = breaker.NewCannedFallback(breaker.DefaultAnswers, "")
	}

	e := &Executor{
		cfg:       cfg,
		engine:    deps.Engine,
		store:     deps.Store,
		publisher: deps.Publisher,
		watermark: deps.Watermark,
		guard:     deps.Guard,
		fallback:  deps.Fallback,
		locker:    noopLocker{},
		now:       time.Now,
		poll:      defaultPollInterval,
		queues:    make(map[string]*conversationQueue),
		ready:     make(chan string, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard == nil {
		e.guard = passthroughGuard{}
	}
	return e, nil
}

// Submit enqueues env without blocking. It fails with an overloaded error
// when the queue is full.
func (e *Executor) Submit(env model.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errx.Overloaded(ErrStopped)
	}
	if e.pending >= e.cfg.QueueSize {
		return errx.Overloaded(errors.New("task queue full"))
	}

	q, ok := e.queues[env.ConversationID]
	if !ok {
		q = &conversationQueue{}
		e.queues[env.ConversationID] = q
	}
	q.push(&task{env: env})
	e.pending++
	metrics.QueueDepth.Set(float64(e.pending))

	if !q.active {
		q.active = true
		// Active queues never exceed pending tasks, which never exceed the
		// channel capacity, so this send cannot block.
		e.ready <- env.ConversationID
	}
	return nil
}

// Start launches the worker pool. Work runs on a context detached from ctx's
// cancellation so in-flight envelopes finish after shutdown begins.
func (e *Executor) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Go(func() { e.worker(workCtx) })
	}
	logx.Info().Int("workers", e.cfg.Workers).Int("queue_size", e.cfg.QueueSize).Msg("task executor started")
}

// Stop refuses new envelopes, lets workers finish the envelope they hold and
// waits for them. Envelopes still queued are closed with an overloaded error
// event and marked processed so no subscriber or peer waits on them.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.quit)
	e.wg.Wait()
	e.timers.Wait()

	if dropped := e.drain(); dropped > 0 {
		logx.Warn().Int("dropped", dropped).Msg("task executor stopped with queued envelopes")
	}
	logx.Info().Msg("task executor stopped")
}

// drain closes every envelope left in the queues once the workers are gone.
func (e *Executor) drain() int {
	e.mu.Lock()
	var left []model.Envelope
	for id, q := range e.queues {
		for t := q.pop(); t != nil; t = q.pop() {
			left = append(left, t.env)
		}
		delete(e.queues, id)
	}
	e.pending = 0
	metrics.QueueDepth.Set(0)
	e.mu.Unlock()

	if len(left) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	cause := errx.Overloaded(ErrStopped)
	for _, env := range left {
		e.publishTerminal(ctx, env, model.EventError, errx.MessageOf(cause), errx.CodeOverloaded)
		if err := e.watermark.MarkProcessed(ctx, env.ConversationID, env.Sequence); err != nil {
			logx.Error().Err(err).
				Str("conversation_id", env.ConversationID).
				Int64("sequence", env.Sequence).
				Msg("failed to mark dropped envelope processed")
		}
	}
	return len(left)
}

// Pending returns the number of queued envelopes.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-e.quit:
			return
		case id := <-e.ready:
			select {
			case <-e.quit:
				// Left queued; Stop closes it.
				return
			default:
			}
			e.runOnce(ctx, id)
		}
	}
}

// runOnce processes the lowest pending sequence of a conversation, then
// yields the conversation back to the ready channel so busy conversations do
// not starve others.
func (e *Executor) runOnce(ctx context.Context, conversationID string) {
	e.mu.Lock()
	q := e.queues[conversationID]
	t := q.pop()
	e.mu.Unlock()
	if t == nil {
		e.release(conversationID, q)
		return
	}

	if e.handle(ctx, t) {
		e.finish(conversationID, q)
		return
	}

	// Held back: put it back and look again after the poll interval.
	e.mu.Lock()
	q.push(t)
	e.mu.Unlock()
	e.park(conversationID)
}

// finish accounts for a completed task and reschedules or retires the queue.
func (e *Executor) finish(conversationID string, q *conversationQueue) {
	e.mu.Lock()
	e.pending--
	metrics.QueueDepth.Set(float64(e.pending))
	more := q.tasks.Len() > 0
	e.mu.Unlock()

	if more {
		e.reschedule(conversationID)
		return
	}
	e.release(conversationID, q)
}

func (e *Executor) release(conversationID string, q *conversationQueue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q.tasks.Len() > 0 {
		e.ready <- conversationID
		return
	}
	q.active = false
	delete(e.queues, conversationID)
}

func (e *Executor) reschedule(conversationID string) {
	select {
	case e.ready <- conversationID:
	case <-e.quit:
	}
}

func (e *Executor) park(conversationID string) {
	e.timers.Add(1)
	time.AfterFunc(e.poll, func() {
		defer e.timers.Done()
		e.reschedule(conversationID)
	})
}

// handle processes one task. It returns false when the task must wait for an
// earlier sequence that has not finished yet.
func (e *Executor) handle(ctx context.Context, t *task) bool {
	env := t.env
	log := logx.Logger().With().
		Str("conversation_id", env.ConversationID).
		Int64("sequence", env.Sequence).
		Logger()

	done, mark, err := e.watermark.IsProcessed(ctx, env.ConversationID, env.Sequence)
	if err != nil {
		log.Warn().Err(err).Msg("watermark unavailable, processing without order check")
		mark = env.Sequence - 1
	}
	if done {
		log.Info().Msg("skipping already processed envelope")
		return true
	}

	forced := false
	if env.Sequence > mark+1 {
		now := e.now()
		if t.waitingSince.IsZero() {
			t.waitingSince = now
		}
		if now.Sub(t.waitingSince) < e.cfg.OrderWait {
			return false
		}
		log.Warn().Int64("watermark", mark).Msg("predecessor did not finish in time, processing out of order")
		forced = true
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderWait+e.lockBudget())
	release, err := e.locker.Obtain(lockCtx, env.ConversationID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("conversation lock busy, retrying later")
		return false
	}
	defer release()

	// Another process may have finished it while we waited for the lock.
	if done, _, err := e.watermark.IsProcessed(ctx, env.ConversationID, env.Sequence); err == nil && done {
		log.Info().Msg("envelope finished elsewhere")
		return true
	}

	e.process(ctx, env)

	if err := e.store.TouchSession(ctx, env.ConversationID); err != nil {
		log.Warn().Err(err).Msg("failed to touch session")
	}
	if forced {
		err = e.watermark.Advance(ctx, env.ConversationID, env.Sequence)
	} else {
		err = e.watermark.MarkProcessed(ctx, env.ConversationID, env.Sequence)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record processed sequence")
	}
	return true
}

func (e *Executor) lockBudget() time.Duration {
	return 5 * time.Second
}

// process runs the engine for env and publishes exactly one terminal event.
func (e *Executor) process(ctx context.Context, env model.Envelope) {
	log := logx.Logger().With().
		Str("conversation_id", env.ConversationID).
		Int64("sequence", env.Sequence).
		Logger()

	cp, err := e.loadCheckpoint(ctx, env)
	if err != nil {
		log.Error().Err(err).Msg("checkpoint unavailable")
		e.publishTerminal(ctx, env, model.EventError, errx.MessageOf(err), errx.CodeStorageUnavailable)
		return
	}

	var (
		chunk int
		next  *model.Checkpoint
		reply string
	)
	stream := func(text string) {
		chunk++
		e.publish(ctx, model.Event{
			ConversationID: env.ConversationID,
			Sequence:       env.Sequence,
			Type:           model.EventPartial,
			Chunk:          chunk,
			Payload:        text,
			EmittedAt:      e.now().UTC(),
		})
	}

	started := time.Now()
	err = e.guard.Execute(ctx, func(ctx context.Context) error {
		return Retry(ctx, e.enginePolicy(), func(err error) bool {
			// A retry after partial output would repeat text the client has.
			return chunk == 0 && engine.Retryable(err)
		}, func(ctx context.Context, attempt int) error {
			attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.EngineTimeout)
			defer cancel()
			n, r, err := e.engine.Process(attemptCtx, cp.Clone(), env, stream)
			if err != nil {
				err = engine.Classify(attemptCtx, err)
				log.Warn().Err(err).Int("attempt", attempt).Msg("engine call failed")
				return err
			}
			next, reply = n, r
			return nil
		})
	})
	metrics.EngineCallDuration.WithLabelValues(outcomeLabel(err)).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
	case errx.Is(err, errx.CodeBadRequest):
		e.publishTerminal(ctx, env, model.EventError, errx.MessageOf(err), errx.CodeBadRequest)
		return
	default:
		log.Warn().Err(err).Msg("serving fallback response")
		e.publishTerminal(ctx, env, model.EventFallback, e.fallback.Respond(env.Payload), errx.CodeOf(err))
		return
	}

	if next.LastSequence < env.Sequence {
		next.LastSequence = env.Sequence
	}
	err = Retry(ctx, e.storagePolicy(), isStorageError, func(ctx context.Context, _ int) error {
		return e.store.Put(ctx, next)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStaleCheckpoint):
		log.Warn().Msg("newer checkpoint already stored, keeping it")
	default:
		log.Error().Err(err).Msg("failed to persist checkpoint")
		e.publishTerminal(ctx, env, model.EventError, errx.StorageErrorMessage, errx.CodeStorageUnavailable)
		return
	}

	e.publishTerminal(ctx, env, model.EventFinal, reply, "")
}

func (e *Executor) loadCheckpoint(ctx context.Context, env model.Envelope) (*model.Checkpoint, error) {
	var cp *model.Checkpoint
	err := Retry(ctx, e.storagePolicy(), isStorageError, func(ctx context.Context, _ int) error {
		got, err := e.store.Get(ctx, env.ConversationID)
		if errx.Is(err, errx.CodeNotFound) {
			cp = model.NewCheckpoint(env.ConversationID, env.UserID)
			return nil
		}
		if err != nil {
			return err
		}
		cp = got
		return nil
	})
	return cp, err
}

func (e *Executor) publishTerminal(ctx context.Context, env model.Envelope, typ model.EventType, payload string, code errx.Code) {
	e.publish(ctx, model.Event{
		ConversationID: env.ConversationID,
		Sequence:       env.Sequence,
		Type:           typ,
		Payload:        payload,
		Code:           string(code),
		EmittedAt:      e.now().UTC(),
	})
}

// publish retries transient bus failures; a terminal event that still cannot
// be published is recovered by the connection's gap handling.
func (e *Executor) publish(ctx context.Context, ev model.Event) {
	err := Retry(ctx, e.storagePolicy(), isStorageError, func(ctx context.Context, _ int) error {
		return e.publisher.Publish(ctx, ev.ConversationID, ev)
	})
	if err != nil {
		logx.Error().Err(err).
			Str("conversation_id", ev.ConversationID).
			Int64("sequence", ev.Sequence).
			Str("type", string(ev.Type)).
			Msg("failed to publish event")
	}
}

func (e *Executor) enginePolicy() Policy {
	return Policy{
		MaxRetries:   e.cfg.EngineRetries,
		InitialDelay: e.cfg.RetryBaseDelay,
		MaxDelay:     e.cfg.RetryMaxDelay,
		JitterFactor: 0.2,
	}
}

func (e *Executor) storagePolicy() Policy {
	return Policy{
		MaxRetries:   e.cfg.StorageRetries,
		InitialDelay: e.cfg.RetryBaseDelay,
		MaxDelay:     e.cfg.RetryMaxDelay,
		JitterFactor: 0.2,
	}
}

func isStorageError(err error) bool {
	return errx.Is(err, errx.CodeStorageUnavailable)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(errx.CodeOf(err))
}

type noopLocker struct{}

func (noopLocker) Obtain(context.Context, string) (func(), error) { return func() {}, nil }

type passthroughGuard struct{}

func (passthroughGuard) Execute(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
