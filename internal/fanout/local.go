package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/allthriveai/allthriveai-sub004/internal/metrics"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

var ErrClosed = errors.New("fanout: broker closed")

// LocalBroker keeps everything in process memory. It serves single-process
// deployments and tests.
type LocalBroker struct {
	hub        *hub
	replaySize int

	mu     sync.Mutex
	recent map[string][]model.Event
}

func NewLocalBroker(cfg model.FanoutConfig) *LocalBroker {
	size := cfg.ReplaySize
	if size <= 0 {
		size = 64
	}
	return &LocalBroker{
		hub:        newHub(cfg.SubscriberBuffer),
		replaySize: size,
		recent:     make(map[string][]model.Event),
	}
}

func (b *LocalBroker) Publish(_ context.Context, conversationID string, ev model.Event) error {
	b.mu.Lock()
	ring := append(b.recent[conversationID], ev)
	if len(ring) > b.replaySize {
		ring = ring[len(ring)-b.replaySize:]
	}
	b.recent[conversationID] = ring
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	b.hub.deliver(conversationID, ev)
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, conversationID string) (*Subscription, error) {
	sub, _, ok := b.hub.add(conversationID)
	if !ok {
		return nil, ErrClosed
	}
	return sub, nil
}

func (b *LocalBroker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.hub.remove(sub)
}

func (b *LocalBroker) Replay(_ context.Context, conversationID string, afterSeq int64) ([]model.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return filterAfter(b.recent[conversationID], afterSeq), nil
}

func (b *LocalBroker) Close() error {
	b.hub.close()
	return nil
}

var _ Broker = (*LocalBroker)(nil)
