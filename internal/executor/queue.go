package executor

import (
	"container/heap"
	"time"

	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

type task struct {
	env model.Envelope
	// waitingSince is set the first time the task is held back for a missing
	// predecessor.
	waitingSince time.Time
}

// taskHeap orders a conversation's pending tasks by sequence number.
type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].env.Sequence < h[j].env.Sequence }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// conversationQueue holds the pending tasks of one conversation. A queue is
// active while it is scheduled on the ready channel, held by a worker or
// parked on a timer; an active queue is never scheduled twice.
type conversationQueue struct {
	tasks  taskHeap
	active bool
}

func (q *conversationQueue) push(t *task) { heap.Push(&q.tasks, t) }

func (q *conversationQueue) pop() *task {
	if q.tasks.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.tasks).(*task)
}
