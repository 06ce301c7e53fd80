package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLazy(t *testing.T) {
	t.Parallel()

	var l Lazy[int]
	calls := 0
	factory := func() int { calls++; return 7 }

	_, ok := l.Peek()
	assert.False(t, ok)
	assert.Equal(t, 7, l.Get(factory))
	assert.Equal(t, 7, l.Get(factory))
	assert.Equal(t, 1, calls)

	l.Set(3)
	assert.Equal(t, 3, l.Get(factory))

	assert.False(t, l.ResetIf(func(cur int) bool { return cur == 7 }))
	assert.True(t, l.IsSet())
	assert.True(t, l.ResetIf(func(cur int) bool { return cur == 3 }))
	assert.False(t, l.IsSet())
	assert.Equal(t, 7, l.Get(factory))
	assert.Equal(t, 2, calls)
}

func TestTimerQueue_OrdersByInstantThenArmOrder(t *testing.T) {
	t.Parallel()

	q := newTimerQueue()
	a, b := &Binding{ID: "a"}, &Binding{ID: "b"}
	q.arm(t0.Add(2*time.Second), a)
	q.arm(t0.Add(time.Second), nil)
	q.arm(t0.Add(time.Second), b)

	first := q.pop()
	assert.True(t, first.isPoll())
	assert.Same(t, b, q.pop().binding)
	assert.Same(t, a, q.pop().binding)
	assert.Nil(t, q.pop())
	assert.Nil(t, q.peek())
}
