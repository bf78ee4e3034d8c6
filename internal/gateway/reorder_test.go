package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

func partial(seq int64, chunk int) model.Event {
	return model.Event{ConversationID: "c1", Sequence: seq, Type: model.EventPartial, Chunk: chunk}
}

func final(seq int64) model.Event {
	return model.Event{ConversationID: "c1", Sequence: seq, Type: model.EventFinal}
}

type flushed struct {
	seq   int64
	typ   model.EventType
	chunk int
}

func summarize(events []model.Event) []flushed {
	out := make([]flushed, 0, len(events))
	for _, ev := range events {
		out = append(out, flushed{ev.Sequence, ev.Type, ev.Chunk})
	}
	return out
}

func TestReorderBuffer_InOrder(t *testing.T) {
	b := newReorderBuffer(0)

	require.True(t, b.offer(partial(1, 1)))
	require.True(t, b.offer(partial(1, 2)))
	require.True(t, b.offer(final(1)))

	assert.Equal(t, []flushed{
		{1, model.EventPartial, 1},
		{1, model.EventPartial, 2},
		{1, model.EventFinal, 0},
	}, summarize(b.drain()))
	assert.Equal(t, int64(1), b.delivered())
}

func TestReorderBuffer_OutOfOrderSequencesAndChunks(t *testing.T) {
	b := newReorderBuffer(0)

	b.offer(final(2))
	b.offer(partial(1, 2))
	assert.Empty(t, b.drain(), "chunk 1 of sequence 1 is still missing")
	assert.True(t, b.waitingBeyond())

	b.offer(partial(1, 1))
	assert.Equal(t, []flushed{
		{1, model.EventPartial, 1},
		{1, model.EventPartial, 2},
	}, summarize(b.drain()))

	b.offer(final(1))
	assert.Equal(t, []flushed{
		{1, model.EventFinal, 0},
		{2, model.EventFinal, 0},
	}, summarize(b.drain()))
	assert.False(t, b.waitingBeyond())
	assert.Equal(t, int64(2), b.delivered())
}

func TestReorderBuffer_DuplicatesAreNoops(t *testing.T) {
	b := newReorderBuffer(0)

	require.True(t, b.offer(partial(1, 1)))
	assert.False(t, b.offer(partial(1, 1)))
	b.drain()
	assert.False(t, b.offer(partial(1, 1)), "already flushed chunk")

	require.True(t, b.offer(final(1)))
	assert.False(t, b.offer(final(1)))
	b.drain()
	assert.False(t, b.offer(final(1)), "already delivered sequence")
	assert.False(t, b.offer(partial(1, 3)))
	assert.False(t, b.offer(partial(2, 0)), "chunks start at 1")
}

func TestReorderBuffer_TerminalSupersedesMissingChunks(t *testing.T) {
	b := newReorderBuffer(0)

	b.offer(partial(1, 1))
	b.offer(partial(1, 3))
	b.offer(final(1))

	assert.Equal(t, []flushed{
		{1, model.EventPartial, 1},
		{1, model.EventFinal, 0},
	}, summarize(b.drain()))
}

func TestReorderBuffer_ResumeSkipsUnrecoverableHistory(t *testing.T) {
	b := newReorderBuffer(2)

	// 3 is gone from every replay source, 4 was recovered, 5 lost its
	// terminal event, 7 is still being processed.
	b.offer(final(4))
	b.offer(partial(5, 1))
	b.offer(final(6))
	b.offer(partial(7, 1))

	events, skipped := b.resume(6)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, []flushed{
		{4, model.EventFinal, 0},
		{6, model.EventFinal, 0},
		{7, model.EventPartial, 1},
	}, summarize(events))
	assert.Equal(t, int64(6), b.delivered())
}

func TestReorderBuffer_Lose(t *testing.T) {
	b := newReorderBuffer(0)
	b.offer(partial(1, 1))
	b.drain()
	b.offer(final(2))

	events := b.lose("c1", time.Now())
	require.Len(t, events, 2)
	assert.Equal(t, model.EventError, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, codeResponseLost, events[0].Code)
	assert.Equal(t, int64(2), events[1].Sequence)
	assert.False(t, b.offer(final(1)), "late terminal of a lost sequence is dropped")
}
