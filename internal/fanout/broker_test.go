package fanout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

func testConfig() model.FanoutConfig {
	return model.FanoutConfig{ReplaySize: 8, ReplayTTL: time.Minute, SubscriberBuffer: 4}
}

func finalEvent(convID string, seq int64) model.Event {
	return model.Event{ConversationID: convID, Sequence: seq, Type: model.EventFinal, Payload: fmt.Sprintf("answer %d", seq)}
}

func receive(t *testing.T, sub *Subscription) model.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func TestLocalBroker_DeliversToConversationSubscribersOnly(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBroker(testConfig())
	defer b.Close()

	a1, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	a2, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "a", finalEvent("a", 1)))

	assert.Equal(t, int64(1), receive(t, a1).Sequence)
	assert.Equal(t, int64(1), receive(t, a2).Sequence)
	select {
	case ev := <-other.C:
		t.Fatalf("unexpected event on other conversation: %+v", ev)
	default:
	}
}

func TestLocalBroker_SlowSubscriberDropsButReplayRecovers(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBroker(testConfig())
	defer b.Close()

	sub, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)

	for seq := int64(1); seq <= 6; seq++ {
		require.NoError(t, b.Publish(ctx, "a", finalEvent("a", seq)))
	}

	// Buffer holds 4; the rest were dropped without blocking the publisher.
	for seq := int64(1); seq <= 4; seq++ {
		assert.Equal(t, seq, receive(t, sub).Sequence)
	}

	missed, err := b.Replay(ctx, "a", 4)
	require.NoError(t, err)
	require.Len(t, missed, 2)
	assert.Equal(t, int64(5), missed[0].Sequence)
	assert.Equal(t, int64(6), missed[1].Sequence)
}

func TestLocalBroker_ReplayRingIsBounded(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBroker(testConfig())

	for seq := int64(1); seq <= 20; seq++ {
		require.NoError(t, b.Publish(ctx, "a", finalEvent("a", seq)))
	}
	all, err := b.Replay(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, all, 8)
	assert.Equal(t, int64(13), all[0].Sequence)
}

func TestLocalBroker_UnsubscribeClosesChannel(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBroker(testConfig())

	sub, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Zero(t, b.hub.count("a"))

	require.NoError(t, b.Close())
	_, err = b.Subscribe(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func newRedisBroker(t *testing.T, mr *miniredis.Miniredis) *RedisBroker {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBroker(context.Background(), rdb, testConfig())
	t.Cleanup(func() {
		_ = b.Close()
		_ = rdb.Close()
	})
	return b
}

func waitSubscribed(t *testing.T, mr *miniredis.Miniredis, convID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channelName(convID))[channelName(convID)] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBroker_CrossProcessDelivery(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	publisher := newRedisBroker(t, mr)
	gateway := newRedisBroker(t, mr)

	sub1, err := gateway.Subscribe(ctx, "c1")
	require.NoError(t, err)
	sub2, err := gateway.Subscribe(ctx, "c1")
	require.NoError(t, err)
	// Two local subscribers share one channel subscription.
	waitSubscribed(t, mr, "c1", 1)

	ev := finalEvent("c1", 1)
	ev.Code = "x"
	require.NoError(t, publisher.Publish(ctx, "c1", ev))

	got := receive(t, sub1)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.Equal(t, "x", got.Code)
	assert.Equal(t, int64(1), receive(t, sub2).Sequence)

	gateway.Unsubscribe(sub1)
	waitSubscribed(t, mr, "c1", 1)
	gateway.Unsubscribe(sub2)
	waitSubscribed(t, mr, "c1", 0)
}

func TestRedisBroker_ReplayFromRing(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := newRedisBroker(t, mr)

	for seq := int64(1); seq <= 10; seq++ {
		require.NoError(t, b.Publish(ctx, "c1", finalEvent("c1", seq)))
	}

	events, err := b.Replay(ctx, "c1", 5)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(6+i), ev.Sequence)
	}

	// Ring is trimmed to the configured size and expires.
	all, err := b.Replay(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 8)
	assert.Greater(t, mr.TTL(recentKey("c1")), time.Duration(0))

	none, err := b.Replay(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConversationFromChannel(t *testing.T) {
	id, ok := conversationFromChannel(channelName("abc:def"))
	assert.True(t, ok)
	assert.Equal(t, "abc:def", id)

	_, ok = conversationFromChannel("other")
	assert.False(t, ok)
}
