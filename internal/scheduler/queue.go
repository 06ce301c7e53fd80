package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// timer is a one-shot arming of a binding (or of the poll tick).
type timer struct {
	at        time.Time
	seq       uint64
	binding   *Binding // nil for the poll tick
	index     int
	cancelled bool
}

func (t *timer) isPoll() bool { return t.binding == nil }

// timerHeap orders timers by instant, then by arm order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue is the live timer set of one execution. Only the loop
// goroutine arms and pops; the mutex makes Len/CancelAll safe to observe.
type timerQueue struct {
	mu  sync.Mutex
	h   timerHeap
	seq uint64
}

func newTimerQueue() *timerQueue { return &timerQueue{} }

func (q *timerQueue) arm(at time.Time, b *Binding) *timer {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	t := &timer{at: at, seq: q.seq, binding: b}
	heap.Push(&q.h, t)
	return t
}

func (q *timerQueue) peek() *timer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *timerQueue) pop() *timer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*timer)
}

func (q *timerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// cancelAll cancels every queued timer and empties the queue.
func (q *timerQueue) cancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.h)
	for _, t := range q.h {
		t.cancelled = true
	}
	q.h = nil
	return n
}

// pendingQueue receives bindings from AddSchedule (any goroutine) and is
// drained by the loop's poll tick.
type pendingQueue struct {
	mu    sync.Mutex
	items []*Binding
}

func newPendingQueue() *pendingQueue { return &pendingQueue{} }

func (p *pendingQueue) push(b *Binding) {
	p.mu.Lock()
	p.items = append(p.items, b)
	p.mu.Unlock()
}

func (p *pendingQueue) drain() []*Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items
	p.items = nil
	return out
}

func (p *pendingQueue) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
