package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/metrics"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

const (
	channelPrefix = "conversation:"
	channelSuffix = ":events"
)

// RedisBroker fans events out across gateway processes. Each process holds a
// single pub/sub connection and subscribes to a conversation channel only
// while at least one local connection is interested in it. Every publish also
// appends to a short per-conversation list used by Replay.
type RedisBroker struct {
	rdb        *redis.Client
	ps         *redis.PubSub
	hub        *hub
	replaySize int
	replayTTL  time.Duration

	// mu orders channel subscribe and unsubscribe commands with the local
	// subscriber count.
	mu   sync.Mutex
	done chan struct{}
}

func NewRedisBroker(ctx context.Context, rdb *redis.Client, cfg model.FanoutConfig) *RedisBroker {
	size := cfg.ReplaySize
	if size <= 0 {
		size = 64
	}
	ttl := cfg.ReplayTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	b := &RedisBroker{
		rdb:        rdb,
		ps:         rdb.Subscribe(ctx),
		hub:        newHub(cfg.SubscriberBuffer),
		replaySize: size,
		replayTTL:  ttl,
		done:       make(chan struct{}),
	}
	go b.receive()
	return b
}

func channelName(conversationID string) string {
	return channelPrefix + conversationID + channelSuffix
}

func conversationFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) || !strings.HasSuffix(channel, channelSuffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(channel, channelPrefix), channelSuffix), true
}

func recentKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:recent", conversationID)
}

func (b *RedisBroker) receive() {
	defer close(b.done)
	for msg := range b.ps.Channel() {
		convID, ok := conversationFromChannel(msg.Channel)
		if !ok {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logx.Error().Err(err).Str("channel", msg.Channel).Msg("failed to decode fanout event")
			continue
		}
		b.hub.deliver(convID, ev)
	}
}

// Publish records ev in the replay list and broadcasts it in one transaction.
func (b *RedisBroker) Publish(ctx context.Context, conversationID string, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := recentKey(conversationID)

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, int64(-b.replaySize), -1)
		pipe.PExpire(ctx, key, b.replayTTL)
		pipe.Publish(ctx, channelName(conversationID), payload)
		return nil
	})
	if err != nil {
		logx.Error().Err(err).
			Str("conversation_id", conversationID).
			Int64("sequence", ev.Sequence).
			Str("type", string(ev.Type)).
			Msg("failed to publish event")
		return errx.WrapRedis(err)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, n, ok := b.hub.add(conversationID)
	if !ok {
		return nil, ErrClosed
	}
	if n == 1 {
		if err := b.ps.Subscribe(ctx, channelName(conversationID)); err != nil {
			b.hub.remove(sub)
			logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to subscribe to conversation channel")
			return nil, errx.WrapRedis(err)
		}
	}
	return sub, nil
}

func (b *RedisBroker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining, ok := b.hub.remove(sub)
	if !ok || remaining > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ps.Unsubscribe(ctx, channelName(sub.ConversationID)); err != nil {
		logx.Warn().Err(err).Str("conversation_id", sub.ConversationID).Msg("failed to unsubscribe from conversation channel")
	}
}

func (b *RedisBroker) Replay(ctx context.Context, conversationID string, afterSeq int64) ([]model.Event, error) {
	rows, err := b.rdb.LRange(ctx, recentKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}

	events := make([]model.Event, 0, len(rows))
	for i, row := range rows {
		var ev model.Event
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			logx.Warn().Err(err).Str("conversation_id", conversationID).Int("index", i).Msg("skipping undecodable replay event")
			continue
		}
		events = append(events, ev)
	}
	return filterAfter(events, afterSeq), nil
}

// Close stops the receive loop and closes every local subscription.
func (b *RedisBroker) Close() error {
	err := b.ps.Close()
	<-b.done
	b.hub.close()
	return err
}

var _ Broker = (*RedisBroker)(nil)
