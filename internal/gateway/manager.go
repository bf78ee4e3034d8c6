// Package gateway owns client connections: it authenticates them, admits
// their messages into the executor and delivers conversation events back in
// sequence order.
package gateway

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allthriveai/allthriveai-sub004/internal/auth"
	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/fanout"
	"github.com/allthriveai/allthriveai-sub004/internal/metrics"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	"github.com/allthriveai/allthriveai-sub004/internal/moderation"
	"github.com/allthriveai/allthriveai-sub004/internal/ratelimit"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

const (
	codeResponseLost = "response_lost"

	defaultSendTimeout = 10 * time.Second
	defaultGapTimeout  = 2 * time.Second
	minGapInterval     = 10 * time.Millisecond
)

// Conn is the client side of a connection. WriteFrame must respect ctx's
// deadline; calls are serialised by the manager.
type Conn interface {
	WriteFrame(ctx context.Context, f model.Frame) error
	Close() error
}

type Store interface {
	Get(ctx context.Context, conversationID string) (*model.Checkpoint, error)
	LoadSession(ctx context.Context, conversationID string) (*model.Session, error)
	CreateSession(ctx context.Context, sess *model.Session) (*model.Session, bool, error)
	MarkDelivered(ctx context.Context, conversationID string, seq int64) error
}

type Admitter interface {
	TryAdmit(ctx context.Context, subject, class string) (ratelimit.Decision, error)
}

type Sequencer interface {
	Next(ctx context.Context, conversationID string, floor int64) (int64, error)
	Current(ctx context.Context, conversationID string) (int64, error)
	Processed(ctx context.Context, conversationID string) (int64, error)
	MarkProcessed(ctx context.Context, conversationID string, seq int64) error
}

type Submitter interface {
	Submit(env model.Envelope) error
}

// ConnectRequest describes a new client connection.
type ConnectRequest struct {
	Credentials    auth.Credentials
	ConversationID string
	// LastSeq is the last sequence the client already has. Nil resumes from
	// the session's delivered watermark.
	LastSeq *int64
	Conn    Conn
}

// Ack confirms an admitted message and the sequence number it was given.
type Ack struct {
	ConversationID string
	Sequence       int64
}

// Handle is one live connection.
type Handle struct {
	ID             string
	ConversationID string
	Identity       auth.Identity

	conn   Conn
	sub    *fanout.Subscription
	floor  int64
	sendMu sync.Mutex

	mu         sync.Mutex
	buf        *reorderBuffer
	persisted  int64
	gapSeq     int64
	gapSince   time.Time
	replayedAt time.Time

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (h *Handle) closeConn() {
	h.closeOnce.Do(func() {
		if err := h.conn.Close(); err != nil {
			logx.Debug().Err(err).Str("connection_id", h.ID).Msg("close connection")
		}
	})
}

// Delivered returns the highest sequence flushed to this connection.
func (h *Handle) Delivered() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.delivered()
}

type Deps struct {
	Auth      auth.Authenticator
	Validator moderation.Validator
	Limiter   Admitter
	Sequencer Sequencer
	Executor  Submitter
	Broker    fanout.Broker
	Store     Store
}

type Manager struct {
	cfg       model.GatewayConfig
	auth      auth.Authenticator
	validator moderation.Validator
	limiter   Admitter
	sequencer Sequencer
	executor  Submitter
	broker    fanout.Broker
	store     Store
	now       func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(cfg model.GatewayConfig, deps Deps, opts ...Option) (*Manager, error) {
	if deps.Auth == nil || deps.Limiter == nil || deps.Sequencer == nil ||
		deps.Executor == nil || deps.Broker == nil || deps.Store == nil {
		return nil, errors.New("gateway: missing dependency")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return nil, errors.New("gateway: max payload bytes must be positive")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = defaultGapTimeout
	}
	if cfg.GapDeadline < cfg.GapTimeout {
		cfg.GapDeadline = cfg.GapTimeout
	}
	if deps.Validator == nil {
		deps.Validator = moderation.NewDefault(cfg.BlockedTerms)
	}

	m := &Manager{
		cfg:       cfg,
		auth:      deps.Auth,
		validator: deps.Validator,
		limiter:   deps.Limiter,
		sequencer: deps.Sequencer,
		executor:  deps.Executor,
		broker:    deps.Broker,
		store:     deps.Store,
		now:       time.Now,
		handles:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnConnect authenticates the client, binds it to a conversation it owns,
// replays what it missed and starts delivering live events.
func (m *Manager) OnConnect(ctx context.Context, req ConnectRequest) (*Handle, error) {
	if req.Conn == nil {
		return nil, errors.New("gateway: connection is required")
	}
	identity, err := m.auth.Authenticate(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
	}
	log := logx.Logger().With().Str("conversation_id", convID).Str("user_id", identity.UserID).Logger()

	sess, err := m.loadOrCreateSession(ctx, convID, identity.UserID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != identity.UserID {
		log.Warn().Msg("connection to a conversation owned by another user")
		return nil, errx.ConversationNotOwned(convID)
	}

	cp, err := m.store.Get(ctx, convID)
	if err != nil && !errx.Is(err, errx.CodeNotFound) {
		return nil, err
	}

	resumeFrom := sess.LastDelivered
	if req.LastSeq != nil && *req.LastSeq >= 0 {
		resumeFrom = *req.LastSeq
	}

	// Subscribe before replaying so nothing published in between is missed.
	sub, err := m.broker.Subscribe(ctx, convID)
	if err != nil {
		return nil, err
	}

	floor := sess.LastDelivered
	if cp != nil && cp.LastSequence > floor {
		floor = cp.LastSequence
	}
	// A client cannot have seen a sequence the server never assigned.
	known := floor
	if assigned, err := m.sequencer.Current(ctx, convID); err != nil {
		log.Warn().Err(err).Msg("sequence counter unavailable, clamping resume point to stored state")
	} else if assigned > known {
		known = assigned
	}
	if resumeFrom > known {
		log.Warn().Int64("last_seq", resumeFrom).Int64("known", known).Msg("client resume point is ahead of the conversation")
		resumeFrom = known
	}
	h := &Handle{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Identity:       identity,
		conn:           req.Conn,
		sub:            sub,
		floor:          floor,
		buf:            newReorderBuffer(resumeFrom),
		persisted:      sess.LastDelivered,
		done:           make(chan struct{}),
	}

	processed, err := m.sequencer.Processed(ctx, convID)
	if err != nil {
		log.Warn().Err(err).Msg("processed watermark unavailable, replaying without it")
		processed = 0
	}
	if cp != nil && cp.LastSequence > processed {
		processed = cp.LastSequence
	}

	h.mu.Lock()
	m.replayLocked(ctx, h, cp)
	events, skipped := h.buf.resume(processed)
	if skipped > 0 {
		log.Info().Int("skipped", skipped).Int64("resume_from", resumeFrom).Msg("skipped unrecoverable historical sequences")
	}
	err = m.flushLocked(ctx, h, events)
	delivered := h.buf.delivered()
	h.mu.Unlock()
	if err == nil {
		err = m.send(h, model.Frame{Type: model.FrameReady, ConversationID: convID, Sequence: delivered})
	}
	if err != nil {
		m.broker.Unsubscribe(sub)
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	m.mu.Lock()
	m.handles[h.ID] = h
	m.mu.Unlock()
	metrics.ActiveConnections.Inc()
	go m.pump(pumpCtx, h)

	log.Info().
		Str("connection_id", h.ID).
		Int64("resume_from", resumeFrom).
		Int64("delivered", delivered).
		Bool("anonymous", identity.Anonymous).
		Msg("client connected")
	return h, nil
}

func (m *Manager) loadOrCreateSession(ctx context.Context, convID, userID string) (*model.Session, error) {
	sess, err := m.store.LoadSession(ctx, convID)
	if err == nil {
		return sess, nil
	}
	if !errx.Is(err, errx.CodeNotFound) {
		return nil, err
	}
	now := m.now().UTC()
	sess, created, err := m.store.CreateSession(ctx, &model.Session{
		ConversationID: convID,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		logx.Info().Str("conversation_id", convID).Str("user_id", userID).Msg("conversation created")
	}
	return sess, nil
}

// OnInboundMessage admits one client message. The ack or rejection frame is
// written to the connection before returning. A message refused by the
// executor after its ack is closed with an error event for its sequence.
func (m *Manager) OnInboundMessage(ctx context.Context, h *Handle, text string) (Ack, error) {
	class := ratelimit.ClassMessages
	if h.Identity.Anonymous {
		class = ratelimit.ClassAnonymousMessages
	}

	env, err := m.admit(ctx, h, class, text)
	if err != nil {
		metrics.RecordAdmission(class, string(errx.CodeOf(err)))
		m.Reject(h, err)
		return Ack{}, err
	}
	ack := Ack{ConversationID: h.ConversationID, Sequence: env.Sequence}

	// The ack is written before the envelope is queued so it precedes every
	// event of its sequence on this connection.
	if err := m.send(h, model.Frame{Type: model.FrameAck, ConversationID: h.ConversationID, Sequence: ack.Sequence}); err != nil {
		logx.Warn().Err(err).Str("connection_id", h.ID).Msg("failed to write ack")
	}
	if err := m.executor.Submit(env); err != nil {
		metrics.RecordAdmission(class, string(errx.CodeOf(err)))
		m.burn(context.WithoutCancel(ctx), env, err)
		return ack, err
	}
	metrics.RecordAdmission(class, "admitted")
	return ack, nil
}

// admit runs the admission checks and assigns the message its sequence.
func (m *Manager) admit(ctx context.Context, h *Handle, class, text string) (model.Envelope, error) {
	if len(text) > m.cfg.MaxPayloadBytes {
		return model.Envelope{}, errx.PayloadTooLarge(len(text), m.cfg.MaxPayloadBytes)
	}
	if err := m.validator.Validate(ctx, text); err != nil {
		return model.Envelope{}, err
	}

	decision, err := m.limiter.TryAdmit(ctx, h.Identity.Subject, class)
	if err != nil {
		return model.Envelope{}, err
	}
	if !decision.Admitted {
		return model.Envelope{}, errx.RateLimited(decision.RetryAfter)
	}

	seq, err := m.sequencer.Next(ctx, h.ConversationID, h.floor)
	if err != nil {
		return model.Envelope{}, err
	}
	return model.Envelope{
		ConversationID: h.ConversationID,
		UserID:         h.Identity.UserID,
		Sequence:       seq,
		Payload:        text,
		ReceivedAt:     m.now().UTC(),
	}, nil
}

// burn closes a sequence that was assigned but never enqueued, so no
// subscriber waits on it.
func (m *Manager) burn(ctx context.Context, env model.Envelope, cause error) {
	log := logx.Logger().With().Str("conversation_id", env.ConversationID).Int64("sequence", env.Sequence).Logger()
	log.Warn().Err(cause).Msg("envelope not enqueued")

	ev := model.Event{
		ConversationID: env.ConversationID,
		Sequence:       env.Sequence,
		Type:           model.EventError,
		Payload:        errx.MessageOf(cause),
		Code:           string(errx.CodeOf(cause)),
		EmittedAt:      m.now().UTC(),
	}
	if err := m.broker.Publish(ctx, env.ConversationID, ev); err != nil {
		log.Error().Err(err).Msg("failed to publish error for burnt sequence")
	}
	if err := m.sequencer.MarkProcessed(ctx, env.ConversationID, env.Sequence); err != nil {
		log.Error().Err(err).Msg("failed to mark burnt sequence processed")
	}
}

// Reject writes a rejection frame for a client request that was not
// admitted, including malformed frames that never reached admission.
func (m *Manager) Reject(h *Handle, err error) {
	f := model.Frame{
		Type:           model.FrameRejected,
		ConversationID: h.ConversationID,
		Code:           string(errx.CodeOf(err)),
		Payload:        errx.MessageOf(err),
	}
	if retry := errx.RetryAfterOf(err); retry > 0 {
		f.RetryAfter = int(math.Ceil(retry.Seconds()))
	}
	if sendErr := m.send(h, f); sendErr != nil {
		logx.Warn().Err(sendErr).Str("connection_id", h.ID).Msg("failed to write rejection")
	}
}

// OnBrokerEvent feeds one bus event through the connection's reorder buffer
// and flushes whatever became deliverable. Duplicates are ignored.
func (m *Manager) OnBrokerEvent(h *Handle, ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.buf.offer(ev) {
		metrics.DuplicateEvents.Inc()
		return
	}
	_ = m.flushLocked(context.Background(), h, h.buf.drain())
}

// checkGap recovers a sequence that should have been delivered by now:
// either a later sequence is already buffered, or the processed watermark
// says its terminal event was published. After GapTimeout the connection
// replays from the broker ring and the checkpoint; after GapDeadline the
// sequence is closed with a response_lost error.
func (m *Manager) checkGap(ctx context.Context, h *Handle) {
	h.mu.Lock()
	next := h.buf.next
	waiting := h.buf.waitingBeyond()
	h.mu.Unlock()

	if !waiting {
		processed, err := m.sequencer.Processed(ctx, h.ConversationID)
		waiting = err == nil && processed >= next
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buf.next != next {
		return
	}
	now := m.now()
	if !waiting {
		h.gapSince = time.Time{}
		return
	}
	if h.gapSince.IsZero() || h.gapSeq != next {
		h.gapSeq = next
		h.gapSince = now
		return
	}
	elapsed := now.Sub(h.gapSince)
	if elapsed < m.cfg.GapTimeout {
		return
	}

	log := logx.Logger().With().
		Str("conversation_id", h.ConversationID).
		Str("connection_id", h.ID).
		Int64("missing", next).
		Logger()

	if now.Sub(h.replayedAt) >= m.cfg.GapTimeout {
		h.replayedAt = now
		m.replayLocked(ctx, h, nil)
		_ = m.flushLocked(ctx, h, h.buf.drain())
		if h.buf.next > next {
			metrics.GapRecoveries.WithLabelValues("replayed").Inc()
			log.Info().Int64("delivered", h.buf.delivered()).Msg("sequence gap recovered from replay")
			h.gapSince = time.Time{}
			return
		}
	}

	if elapsed >= m.cfg.GapDeadline {
		metrics.GapRecoveries.WithLabelValues("lost").Inc()
		log.Warn().Interface("buffered", h.buf.buffered()).Msg("sequence never arrived, reporting it lost")
		_ = m.flushLocked(ctx, h, h.buf.lose(h.ConversationID, now))
		h.gapSince = time.Time{}
	}
}

// replayLocked offers retained broker events and checkpoint turns after the
// delivered watermark. cp is loaded when nil.
func (m *Manager) replayLocked(ctx context.Context, h *Handle, cp *model.Checkpoint) {
	after := h.buf.delivered()
	events, err := m.broker.Replay(ctx, h.ConversationID, after)
	if err != nil {
		logx.Warn().Err(err).Str("conversation_id", h.ConversationID).Msg("broker replay failed")
	}
	for _, ev := range events {
		h.buf.offer(ev)
	}

	if cp == nil {
		cp, err = m.store.Get(ctx, h.ConversationID)
		if err != nil && !errx.Is(err, errx.CodeNotFound) {
			logx.Warn().Err(err).Str("conversation_id", h.ConversationID).Msg("checkpoint replay failed")
		}
	}
	for _, t := range cp.TurnsAfter(after) {
		h.buf.offer(model.Event{
			ConversationID: h.ConversationID,
			Sequence:       t.Sequence,
			Type:           model.EventFinal,
			Payload:        t.Response,
			EmittedAt:      t.CompletedAt,
		})
	}
}

// flushLocked writes events in order and persists the delivered watermark.
func (m *Manager) flushLocked(ctx context.Context, h *Handle, events []model.Event) error {
	var delivered int64
	for _, ev := range events {
		if err := m.send(h, model.FrameFromEvent(ev)); err != nil {
			return err
		}
		if ev.Type.Terminal() {
			delivered = ev.Sequence
		}
	}
	if delivered > h.persisted {
		if err := m.store.MarkDelivered(ctx, h.ConversationID, delivered); err != nil {
			logx.Warn().Err(err).Str("conversation_id", h.ConversationID).Int64("sequence", delivered).Msg("failed to persist delivered watermark")
		} else {
			h.persisted = delivered
		}
	}
	return nil
}

func (m *Manager) send(h *Handle, f model.Frame) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	if err := h.conn.WriteFrame(ctx, f); err != nil {
		logx.Warn().Err(err).Str("connection_id", h.ID).Str("frame", string(f.Type)).Msg("write to client failed, closing connection")
		h.closeConn()
		return err
	}
	return nil
}

func (m *Manager) pump(ctx context.Context, h *Handle) {
	defer close(h.done)

	interval := m.cfg.GapTimeout / 4
	if interval < minGapInterval {
		interval = minGapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.sub.C:
			if !ok {
				// The broker went away; the client reconnects and resumes.
				h.closeConn()
				return
			}
			m.OnBrokerEvent(h, ev)
		case <-ticker.C:
			m.checkGap(ctx, h)
		}
	}
}

// OnDisconnect releases the connection. Work already admitted for the
// conversation keeps running.
func (m *Manager) OnDisconnect(h *Handle) {
	m.mu.Lock()
	_, ok := m.handles[h.ID]
	delete(m.handles, h.ID)
	m.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	<-h.done
	m.broker.Unsubscribe(h.sub)
	metrics.ActiveConnections.Dec()
	logx.Info().Str("conversation_id", h.ConversationID).Str("connection_id", h.ID).Msg("client disconnected")
}

// Close disconnects every client.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.closeConn()
		m.OnDisconnect(h)
	}
}

// Connections returns the number of live connections on this process.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Status reports a read-only view of a conversation owned by userID.
func (m *Manager) Status(ctx context.Context, userID, conversationID string) (*model.Status, error) {
	sess, err := m.store.LoadSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, errx.ConversationNotOwned(conversationID)
	}

	assigned, err := m.sequencer.Current(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	completed, err := m.sequencer.Processed(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	cp, err := m.store.Get(ctx, conversationID)
	if err != nil && !errx.Is(err, errx.CodeNotFound) {
		return nil, err
	}

	st := &model.Status{
		ConversationID: sess.ConversationID,
		UserID:         sess.UserID,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		LastDelivered:  sess.LastDelivered,
	}
	if cp != nil {
		st.Turns = len(cp.Turns)
		if n := len(cp.Turns); n > 0 {
			st.LastResponse = cp.Turns[n-1].Response
		}
		if cp.LastSequence > completed {
			completed = cp.LastSequence
		}
	}
	if assigned < completed {
		assigned = completed
	}
	st.LastAssigned = assigned
	st.LastCompleted = completed

	switch {
	case m.cfg.SessionTTL > 0 && m.now().Sub(sess.LastActivityAt) > m.cfg.SessionTTL:
		st.State = model.StateExpired
	case assigned > completed:
		st.State = model.StateProcessing
	default:
		st.State = model.StateIdle
	}
	return st, nil
}
