package gateway

import (
	"sort"
	"time"

	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

// pendingSequence buffers the events of one sequence number until they can
// be flushed in order.
type pendingSequence struct {
	chunks   map[int]model.Event
	terminal *model.Event
}

// reorderBuffer turns at-least-once, possibly out-of-order event delivery
// into an exactly-once ordered stream. It is not safe for concurrent use.
type reorderBuffer struct {
	// next is the lowest sequence not yet flushed.
	next int64
	// nextChunk is the next partial chunk expected for next.
	nextChunk int
	pending   map[int64]*pendingSequence
}

func newReorderBuffer(delivered int64) *reorderBuffer {
	if delivered < 0 {
		delivered = 0
	}
	return &reorderBuffer{
		next:      delivered + 1,
		nextChunk: 1,
		pending:   make(map[int64]*pendingSequence),
	}
}

// offer buffers ev and reports whether it was new.
func (b *reorderBuffer) offer(ev model.Event) bool {
	if ev.Sequence < b.next {
		return false
	}
	terminal := ev.Type.Terminal()
	if !terminal && (ev.Chunk < 1 || (ev.Sequence == b.next && ev.Chunk < b.nextChunk)) {
		return false
	}

	p, ok := b.pending[ev.Sequence]
	if !ok {
		p = &pendingSequence{chunks: make(map[int]model.Event)}
		b.pending[ev.Sequence] = p
	}
	if terminal {
		if p.terminal != nil {
			return false
		}
		p.terminal = &ev
		return true
	}
	if _, dup := p.chunks[ev.Chunk]; dup {
		return false
	}
	p.chunks[ev.Chunk] = ev
	return true
}

// drain returns every event that can now be flushed, in order. Partial chunks
// left behind a missing chunk are dropped once the terminal event arrives,
// since the terminal payload carries the whole reply.
func (b *reorderBuffer) drain() []model.Event {
	var out []model.Event
	for {
		p, ok := b.pending[b.next]
		if !ok {
			return out
		}
		for {
			ev, ok := p.chunks[b.nextChunk]
			if !ok {
				break
			}
			out = append(out, ev)
			delete(p.chunks, b.nextChunk)
			b.nextChunk++
		}
		if p.terminal == nil {
			return out
		}
		out = append(out, *p.terminal)
		b.advance()
	}
}

// resume drains after a reconnect. Sequences at or below limit without a
// terminal event can no longer be recovered and are skipped.
func (b *reorderBuffer) resume(limit int64) ([]model.Event, int) {
	for seq, p := range b.pending {
		if seq <= limit && p.terminal == nil {
			delete(b.pending, seq)
		}
	}

	var out []model.Event
	skipped := 0
	for {
		out = append(out, b.drain()...)
		if b.next > limit {
			return out, skipped
		}
		b.advance()
		skipped++
	}
}

// lose closes the next sequence with a synthetic error event and drains.
func (b *reorderBuffer) lose(conversationID string, now time.Time) []model.Event {
	b.offer(model.Event{
		ConversationID: conversationID,
		Sequence:       b.next,
		Type:           model.EventError,
		Payload:        "response could not be delivered",
		Code:           codeResponseLost,
		EmittedAt:      now.UTC(),
	})
	return b.drain()
}

func (b *reorderBuffer) advance() {
	delete(b.pending, b.next)
	b.next++
	b.nextChunk = 1
}

// waitingBeyond reports whether a later sequence is buffered while next is
// still incomplete.
func (b *reorderBuffer) waitingBeyond() bool {
	for seq := range b.pending {
		if seq > b.next {
			return true
		}
	}
	return false
}

// delivered is the highest sequence whose terminal event has been flushed.
func (b *reorderBuffer) delivered() int64 {
	return b.next - 1
}

// buffered lists buffered sequence numbers, for logging.
func (b *reorderBuffer) buffered() []int64 {
	seqs := make([]int64, 0, len(b.pending))
	for seq := range b.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
