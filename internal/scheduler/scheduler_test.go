package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owscholar/internal/eventbus"
	"owscholar/internal/handler"
	"owscholar/internal/query"
	"owscholar/internal/recurrence"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// fakeTime is a clock whose sleep advances virtual time instantly. Once
// virtual time passes horizon, sleep parks until interrupted and signals idle.
type fakeTime struct {
	mu       sync.Mutex
	now      time.Time
	horizon  time.Time
	idle     chan struct{}
	idleOnce sync.Once
}

func newFakeTime(start time.Time, horizon time.Duration) *fakeTime {
	return &fakeTime{now: start, horizon: start.Add(horizon), idle: make(chan struct{})}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(d time.Duration, interrupt <-chan struct{}) bool {
	f.mu.Lock()
	if f.now.Add(d).After(f.horizon) {
		f.mu.Unlock()
		f.idleOnce.Do(func() { close(f.idle) })
		<-interrupt
		return false
	}
	f.now = f.now.Add(d)
	f.mu.Unlock()
	select {
	case <-interrupt:
		return false
	default:
		return true
	}
}

func (f *fakeTime) waitIdle(t *testing.T) {
	t.Helper()
	select {
	case <-f.idle:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never reached the virtual horizon")
	}
}

func newFakeScheduler(ft *fakeTime, opts ...Option) *Scheduler {
	return New(append([]Option{WithClock(ft), WithSleep(ft.Sleep), WithPollInterval(time.Second)}, opts...)...)
}

// scriptedQuery returns script[n] on fire n (0-based); past the script it
// yields nothing.
type scriptedQuery struct {
	spec query.Spec

	mu     sync.Mutex
	fires  []time.Time
	clock  Clock
	script []func() (query.Result, error)
}

func (q *scriptedQuery) Spec() query.Spec { return q.spec }

func (q *scriptedQuery) Execute(context.Context) (query.Result, error) {
	q.mu.Lock()
	n := len(q.fires)
	q.fires = append(q.fires, q.clock.Now())
	q.mu.Unlock()
	if n < len(q.script) && q.script[n] != nil {
		return q.script[n]()
	}
	return query.List{}, nil
}

func (q *scriptedQuery) Fires() []time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Time(nil), q.fires...)
}

func events(evs ...query.Event) func() (query.Result, error) {
	return func() (query.Result, error) { return query.List(evs), nil }
}

func fault(msg string) func() (query.Result, error) {
	return func() (query.Result, error) { return nil, errors.New(msg) }
}

type collector struct {
	name string
	mu   sync.Mutex
	got  []string
}

func (c *collector) Handle(_ context.Context, ev query.Event) {
	c.mu.Lock()
	c.got = append(c.got, ev.ID())
	c.mu.Unlock()
}

func (c *collector) Spec() handler.Spec { return handler.Spec{Kind: handler.KindFunc, Name: c.name} }

func (c *collector) Got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func pub(id string) query.Publication { return query.Publication{EventID: id, Title: id} }

func TestRun_DeliversEventOnlyAfterSecondFire(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(t0, 10*time.Second)
	s := newFakeScheduler(ft)

	var deliveredAt []int
	q := &scriptedQuery{
		spec:   query.Spec{Provider: "test", Terms: "elegans"},
		clock:  ft,
		script: []func() (query.Result, error){events(), events(pub("Paper A"))},
	}
	h := handler.Func("record", func(_ context.Context, ev query.Event) {
		assert.Equal(t, "Paper A", ev.ID())
		deliveredAt = append(deliveredAt, len(q.Fires()))
	})

	_, err := s.AddSchedule(q, recurrence.Every(t0, time.Second), h)
	require.NoError(t, err)
	require.True(t, s.Run())
	ft.waitIdle(t)
	s.Stop()

	assert.Equal(t, []int{2}, deliveredAt)
	fires := q.Fires()
	require.GreaterOrEqual(t, len(fires), 3)
	assert.Equal(t, t0, fires[0])
	assert.Equal(t, t0.Add(time.Second), fires[1])
}

func TestRun_FaultDoesNotDisarmBinding(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(t0, 5*time.Second)
	bus := eventbus.New()
	faults, unsub := bus.Subscribe(16)
	defer unsub()
	s := newFakeScheduler(ft, WithBus(bus))

	q := &scriptedQuery{
		spec:   query.Spec{Provider: "test", Terms: "flaky"},
		clock:  ft,
		script: []func() (query.Result, error){events(), fault("upstream 503"), events(pub("x"))},
	}
	c := &collector{name: "c"}
	b, err := s.AddSchedule(q, recurrence.Every(t0, time.Second), c)
	require.NoError(t, err)
	require.True(t, s.Run())
	ft.waitIdle(t)
	s.Stop()

	fires := q.Fires()
	require.GreaterOrEqual(t, len(fires), 3)
	assert.Equal(t, t0.Add(2*time.Second), fires[2], "fire after the fault happens on schedule")
	assert.Equal(t, []string{"x"}, c.Got())

	st := b.Stats()
	assert.EqualValues(t, 1, st.Faults)
	assert.EqualValues(t, len(fires), st.Runs)
	assert.Empty(t, st.LastError)

	var sawFault bool
	for len(faults) > 0 {
		if ev := <-faults; ev.Type == eventbus.TopicBindingFault {
			sawFault = true
			assert.Contains(t, ev.Data.(eventbus.BindingData).Err, "upstream 503")
		}
	}
	assert.True(t, sawFault)
}

func TestRun_FailingBindingDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(t0, 4*time.Second)
	s := newFakeScheduler(ft)

	bad := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: "bad"}, clock: ft}
	for range 10 {
		bad.script = append(bad.script, fault("boom"))
	}
	good := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: "good"}, clock: ft}
	for i := range 10 {
		good.script = append(good.script, events(pub(string(rune('a'+i)))))
	}
	panicky := handler.Func("panicky", func(context.Context, query.Event) { panic("handler bug") })
	panicQ := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: "panics"}, clock: ft,
		script: []func() (query.Result, error){events(pub("p")), events(pub("p"))}}
	c := &collector{name: "good"}

	_, err := s.AddSchedule(bad, recurrence.Every(t0, time.Second), c)
	require.NoError(t, err)
	_, err = s.AddSchedule(panicQ, recurrence.Every(t0, time.Second), panicky)
	require.NoError(t, err)
	gb, err := s.AddSchedule(good, recurrence.Every(t0, time.Second), c)
	require.NoError(t, err)

	require.True(t, s.Run())
	ft.waitIdle(t)
	s.Stop()

	n := len(good.Fires())
	require.GreaterOrEqual(t, n, 4)
	assert.Len(t, c.Got(), n)
	assert.Equal(t, n, len(bad.Fires()))
	assert.Equal(t, n, len(panicQ.Fires()))
	assert.Zero(t, gb.Stats().Faults)
}

func TestRun_RetiresExhaustedRule(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(t0, 5*time.Second)
	s := newFakeScheduler(ft)

	once := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: "once"}, clock: ft}
	never := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: "never"}, clock: ft}
	bOnce, err := s.AddSchedule(once, recurrence.Once(t0.Add(2*time.Second)), &collector{name: "a"})
	require.NoError(t, err)
	bNever, err := s.AddSchedule(never, recurrence.Never(), &collector{name: "b"})
	require.NoError(t, err)

	require.True(t, s.Run())
	ft.waitIdle(t)
	s.Stop()

	assert.Equal(t, []time.Time{t0.Add(2 * time.Second)}, once.Fires())
	assert.Empty(t, never.Fires())
	assert.True(t, bOnce.Retired())
	assert.True(t, bNever.Retired())
	assert.Equal(t, 2, s.Len(), "retired bindings stay registered")
}

func TestPollTick_CatchUpFiresOnceThenJumpsAhead(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(t0, time.Second)
	s := newFakeScheduler(ft)

	// Registered an hour ago: the poll tick arms it at its first instant
	// after registration, which is long past.
	q := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: "late"}, clock: ft}
	b := &Binding{
		ID:      "late",
		Query:   q,
		Rule:    recurrence.Every(t0.Add(-time.Hour+30*time.Second), time.Minute),
		Handler: &collector{name: "late"},
		AddedAt: t0.Add(-time.Hour),
	}
	s.add(b)

	tq := newTimerQueue()
	s.state.Store(int32(Running))
	s.armPending(tq)
	due := tq.pop()
	require.NotNil(t, due)
	assert.Equal(t, t0.Add(-time.Hour+30*time.Second), due.at)
	assert.Zero(t, s.pendingOf().Len())

	s.fireAndRearm(tq, ft, b, due.at)

	assert.Len(t, q.Fires(), 1, "missed instants collapse into one firing")
	next := tq.peek()
	require.NotNil(t, next)
	assert.Equal(t, t0.Add(30*time.Second), next.at, "re-armed at the next future instant")
	assert.Equal(t, next.at, b.Stats().Next)
}

func TestAddSchedule_AfterRunFiresWithinPoll(t *testing.T) {
	t.Parallel()

	s := New(WithPollInterval(20 * time.Millisecond))
	require.True(t, s.Run())
	defer s.Stop()

	fired := make(chan string, 1)
	q := query.Func(query.Spec{Provider: "test", Terms: "late"}, func(context.Context) (query.Result, error) {
		return query.List{pub("late")}, nil
	})
	h := handler.Func("signal", func(_ context.Context, ev query.Event) {
		select {
		case fired <- ev.ID():
		default:
		}
	})

	_, err := s.AddSchedule(q, recurrence.Once(time.Now().Add(50*time.Millisecond)), h)
	require.NoError(t, err)

	select {
	case id := <-fired:
		assert.Equal(t, "late", id)
	case <-time.After(2 * time.Second):
		t.Fatal("binding added while running never fired")
	}
}

func TestAddSchedule_RejectsMissingParts(t *testing.T) {
	t.Parallel()

	s := New()
	q := query.Func(query.Spec{Provider: "test", Terms: "x"}, nil)
	h := handler.Func("h", nil)
	r := recurrence.Never()

	tests := []struct {
		name string
		q    query.Query
		r    recurrence.Rule
		h    handler.Handler
	}{
		{"no query", nil, r, h},
		{"no rule", q, nil, h},
		{"no handler", q, r, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddSchedule(tt.q, tt.r, tt.h)
			assert.ErrorIs(t, err, ErrInvalidBinding)
		})
	}
	assert.Zero(t, s.Len())
}

func TestStop_RunStopCycles(t *testing.T) {
	t.Parallel()

	s := New(WithPollInterval(5 * time.Millisecond))
	s.Stop() // no-op while stopped
	assert.Equal(t, Stopped, s.State())

	for range 2 {
		require.True(t, s.Run())
		assert.False(t, s.Run(), "second Run is a no-op")
		assert.Equal(t, Running, s.State())

		ex, ok := s.exec.Peek()
		require.True(t, ok)
		s.Stop()

		select {
		case <-ex.done:
		default:
			t.Fatal("Stop returned before the loop exited")
		}
		assert.Equal(t, Stopped, s.State())
		assert.False(t, s.exec.IsSet())
		assert.False(t, s.timers.IsSet())
	}
}

func TestStop_ConcurrentCallersConverge(t *testing.T) {
	t.Parallel()

	s := New(WithPollInterval(5 * time.Millisecond))
	require.True(t, s.Run())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	assert.Equal(t, Stopped, s.State())
}

func TestStop_CancelsQueuedTimersBeforeDroppingQueue(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(t0, 2*time.Second)
	s := newFakeScheduler(ft)
	for i, r := range []recurrence.Rule{recurrence.Every(t0, time.Hour), recurrence.Once(t0.Add(time.Hour))} {
		q := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: string(rune('a' + i))}, clock: ft}
		_, err := s.AddSchedule(q, r, &collector{name: "c"})
		require.NoError(t, err)
	}

	require.True(t, s.Run())
	ft.waitIdle(t)

	tq, ok := s.timers.Peek()
	require.True(t, ok)
	armed := tq.peek()
	require.NotNil(t, armed)
	require.Positive(t, tq.Len())

	s.Stop()

	assert.Zero(t, tq.Len(), "queue drained")
	assert.True(t, armed.cancelled, "queued timers were cancelled")
	assert.False(t, s.timers.IsSet(), "queue reference dropped after cancelling")
	for _, b := range s.Bindings() {
		assert.True(t, b.Stats().Next.IsZero())
	}
}

func TestStopContext_TimesOutOnSlowFire(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	s := New(WithPollInterval(time.Millisecond))
	q := query.Func(query.Spec{Provider: "test", Terms: "slow"}, func(context.Context) (query.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return query.List{}, nil
	})
	every, err := recurrence.Cron("* * * * * *", time.UTC)
	require.NoError(t, err)
	_, err = s.AddSchedule(q, every, handler.Func("h", func(context.Context, query.Event) {}))
	require.NoError(t, err)

	require.True(t, s.Run())
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("binding never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.StopContext(ctx), context.DeadlineExceeded)
	assert.Equal(t, StopRequested, s.State())

	close(release)
	s.Stop()
	assert.Equal(t, Stopped, s.State())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(t0, 3*time.Second)
	s := newFakeScheduler(ft)
	q := &scriptedQuery{spec: query.Spec{Provider: "test", Terms: "gone"}, clock: ft}
	b, err := s.AddSchedule(q, recurrence.Every(t0.Add(time.Second), time.Second), &collector{name: "c"})
	require.NoError(t, err)

	_, err = s.Remove(b.ID)
	require.NoError(t, err)
	_, err = s.Remove(b.ID)
	assert.ErrorIs(t, err, ErrBindingNotFound)

	require.True(t, s.Run())
	ft.waitIdle(t)
	s.Stop()

	assert.Empty(t, q.Fires())
	assert.True(t, b.Removed())
	assert.Zero(t, s.Len())
}

func TestHasBinding(t *testing.T) {
	t.Parallel()

	s := New()
	q := query.Func(query.Spec{Provider: "arXiv", Terms: "ti:elegans"}, nil)
	r := recurrence.Every(t0, time.Hour)
	h := handler.Func("h", nil)
	_, err := s.AddSchedule(q, r, h)
	require.NoError(t, err)

	same := query.Func(query.Spec{Provider: "arXiv", Terms: "ti:elegans"}, nil)
	assert.True(t, s.HasBinding(same, recurrence.Every(t0, time.Hour), handler.Func("h", nil)))
	assert.False(t, s.HasBinding(same, recurrence.Every(t0, time.Minute), h))
	assert.False(t, s.HasBinding(same, r, handler.Func("other", nil)))
}

func TestEqual(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	assert.True(t, a.Equal(b))

	_, err := a.AddSchedule(query.Func(query.Spec{Provider: "test", Terms: "x"}, nil), recurrence.Never(), handler.Func("h", nil))
	require.NoError(t, err)
	assert.False(t, a.Equal(b))
	assert.False(t, b.Equal(a))
	assert.True(t, a.Equal(a))
}

func TestFireBinding_ReportsSequenceError(t *testing.T) {
	t.Parallel()

	s := New()
	broken := errors.New("page 2: connection reset")
	q := query.Func(query.Spec{Provider: "test", Terms: "paged"}, func(context.Context) (query.Result, error) {
		return &query.Pages{
			PageSize: 1,
			First:    []query.Event{pub("one")},
			Next:     func(int) ([]query.Event, error) { return nil, broken },
		}, nil
	})
	c := &collector{name: "c"}
	b := &Binding{ID: "b", Query: q, Rule: recurrence.Never(), Handler: c}

	n, err := s.FireBinding(b, t0)
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"one"}, c.Got())
}
