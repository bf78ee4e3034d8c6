// Package fanout delivers conversation events from the worker that produced
// them to every connection subscribed to the conversation, on any process.
package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

const defaultSubscriberBuffer = 64

// Broker is a per-conversation publish/subscribe bus. Live delivery is best
// effort; Replay returns the recent events of a conversation so subscribers
// can fill gaps left by dropped or late messages.
type Broker interface {
	Publish(ctx context.Context, conversationID string, ev model.Event) error
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
	Unsubscribe(sub *Subscription)
	// Replay returns retained events with a sequence greater than afterSeq,
	// in publish order.
	Replay(ctx context.Context, conversationID string, afterSeq int64) ([]model.Event, error)
	Close() error
}

// Subscription is one subscriber's view of a conversation. C is closed when
// the subscription ends.
type Subscription struct {
	ID             string
	ConversationID string
	C              <-chan model.Event

	ch chan model.Event
}

// hub is the in-process fan-out shared by both broker implementations.
type hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription // conversationID -> subID -> sub
	buffer      int
	closed      bool
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &hub{
		subscribers: make(map[string]map[string]*Subscription),
		buffer:      buffer,
	}
}

// add registers a subscriber and reports how many subscribers the
// conversation now has on this process.
func (h *hub) add(conversationID string) (*Subscription, int, bool) {
	ch := make(chan model.Event, h.buffer)
	sub := &Subscription{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		C:              ch,
		ch:             ch,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, 0, false
	}
	subs, ok := h.subscribers[conversationID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.subscribers[conversationID] = subs
	}
	subs[sub.ID] = sub

	logx.Debug().Str("conversation_id", conversationID).Str("sub_id", sub.ID).Msg("subscriber added")
	return sub, len(subs), true
}

// remove closes the subscription's channel and reports how many subscribers
// remain. ok is false when the subscription was already gone.
func (h *hub) remove(sub *Subscription) (remaining int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, found := h.subscribers[sub.ConversationID]
	if !found {
		return 0, false
	}
	if _, exists := subs[sub.ID]; !exists {
		return len(subs), false
	}
	delete(subs, sub.ID)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subscribers, sub.ConversationID)
	}

	logx.Debug().Str("conversation_id", sub.ConversationID).Str("sub_id", sub.ID).Msg("subscriber removed")
	return len(subs), true
}

// deliver hands ev to every local subscriber without blocking. Events for a
// full subscriber are dropped; the subscriber recovers them through Replay.
// The read lock is held across the sends so remove cannot close a channel
// mid-send.
func (h *hub) deliver(conversationID string, ev model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[conversationID] {
		select {
		case sub.ch <- ev:
		default:
			logx.Warn().
				Str("conversation_id", conversationID).
				Str("sub_id", sub.ID).
				Int64("sequence", ev.Sequence).
				Msg("dropped event for slow subscriber")
		}
	}
}

func (h *hub) count(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[conversationID])
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for convID, subs := range h.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(h.subscribers, convID)
	}
	h.closed = true
}

func filterAfter(events []model.Event, afterSeq int64) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}
