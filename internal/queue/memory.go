package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"crawlsched/internal/task"
)

type item struct {
	t   *task.Task
	seq uint64
}

// readyHeap orders by priority, then insertion.
type readyHeap []item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.t.Less(b.t) {
		return true
	}
	if b.t.Less(a.t) {
		return false
	}
	return a.seq < b.seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// delayHeap orders by schedule time, then insertion.
type delayHeap []item

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	a, b := h[i].t.ScheduleTime, h[j].t.ScheduleTime
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// Memory is an in-process Queue.
type Memory struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayHeap
	seq     uint64
	closed  bool

	// changed is closed and replaced on every state change so all blocked
	// Pop callers re-check.
	changed chan struct{}

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{changed: make(chan struct{}), now: task.Now}
}

func (q *Memory) Push(t *task.Task) error {
	if t == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	it := item{t: t, seq: q.seq}
	if t.Ready(q.now()) {
		heap.Push(&q.ready, it)
	} else {
		heap.Push(&q.delayed, it)
	}
	q.broadcastLocked()
	return nil
}

func (q *Memory) Pop(ctx context.Context) (*task.Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.now()
		q.promoteLocked(now)
		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(item)
			q.mu.Unlock()
			return it.t, nil
		}
		wait := time.Duration(-1)
		if q.delayed.Len() > 0 {
			wait = q.delayed[0].t.ScheduleTime.Sub(now)
		}
		changed := q.changed
		q.mu.Unlock()

		var tmr *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			tmr = time.NewTimer(wait)
			timerC = tmr.C
		}
		select {
		case <-ctx.Done():
			stopTimer(tmr)
			return nil, ctx.Err()
		case <-changed:
		case <-timerC:
		}
		stopTimer(tmr)
	}
}

func (q *Memory) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && q.delayed[0].t.Ready(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

func (q *Memory) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// Delayed counts tasks not yet due.
func (q *Memory) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayed.Len()
}

func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ready = nil
	q.delayed = nil
	q.broadcastLocked()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
