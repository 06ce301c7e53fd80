package scheduler

import "sync"

// Lazy holds a transient value that is absent until first use.
//
// Get populates the cell from a default factory when it is empty, Set
// overrides it, and Reset empties it again. A Scheduler rebuilt from
// storage starts with every cell empty.
type Lazy[T any] struct {
	mu  sync.Mutex
	v   T
	set bool
}

func (l *Lazy[T]) Get(factory func() T) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.v = factory()
		l.set = true
	}
	return l.v
}

func (l *Lazy[T]) Set(v T) {
	l.mu.Lock()
	l.v, l.set = v, true
	l.mu.Unlock()
}

// Peek returns the value without populating the cell.
func (l *Lazy[T]) Peek() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v, l.set
}

func (l *Lazy[T]) IsSet() bool {
	_, ok := l.Peek()
	return ok
}

func (l *Lazy[T]) Reset() {
	l.ResetIf(func(T) bool { return true })
}

// ResetIf empties the cell when it is set and pred accepts the current value.
func (l *Lazy[T]) ResetIf(pred func(cur T) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set || !pred(l.v) {
		return false
	}
	var zero T
	l.v, l.set = zero, false
	return true
}
