// Package queue implements the blocking priority queue tasks wait in
// between submission and a worker picking them up.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/flasharr/bridge/internal/task"
)

const smallFileBoostBytes = 100 * 1024 * 1024

type item struct {
	task *task.Task
	seq  int64
	size int64
	idx  int
}

type heapSlice []*item

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	pi, pj := h[i].task.Priority(), h[j].task.Priority()
	if pi != pj {
		return pi > pj
	}
	iSmall := h[i].size < smallFileBoostBytes
	jSmall := h[j].size < smallFileBoostBytes
	if iSmall != jSmall {
		return iSmall
	}
	return h[i].seq < h[j].seq
}

func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}

func (h *heapSlice) Push(x any) {
	it := x.(*item)
	it.idx = len(*h)
	*h = append(*h, it)
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a priority-ordered, blocking task queue. Ordering is: higher
// priority first, then files under the small-file threshold, then FIFO.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  heapSlice
	nextSeq int64
	closed bool
}

func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Push enqueues a task with the given size used only for the small-file
// boost; the task's own Priority() is read at comparison time, so a later
// SetPriority call is picked up on the task's next heap operation.
func (q *Queue) Push(t *task.Task, sizeBytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	seq := q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, &item{task: t, seq: seq, size: sizeBytes})
	q.cond.Signal()
}

// Pop blocks until a task is available or the queue is closed, in which
// case it returns nil.
func (q *Queue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	return it.task
}

// PopContext blocks like Pop but also returns nil if ctx is cancelled first.
// A worker shrinking out of the pool uses this so it does not sit blocked on
// an empty queue forever once its context has been cancelled.
func (q *Queue) PopContext(ctx context.Context) *task.Task {
	if ctx.Err() != nil {
		return nil
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		if len(q.items) > 0 {
			// give the item back so it is not silently dropped; a spurious
			// wakeup raced the context cancellation.
			q.cond.Signal()
		}
		return nil
	}
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	return it.task
}

// Len returns the number of queued (not yet popped) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop so waiting workers can exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Remove drops a task from the queue by id, used when a queued task is
// cancelled or paused before a worker ever dequeues it. Reports whether a
// matching entry was found.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.task.ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}
