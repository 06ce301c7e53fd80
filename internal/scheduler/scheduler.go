// Package scheduler re-runs registered queries on their recurrence rules
// and fans the resulting events out to handlers.
//
// A Scheduler owns an ordered list of bindings and, while running, exactly
// one background goroutine. That goroutine sleeps until the earliest armed
// timer, fires the binding, re-arms it for its next instant and repeats.
// Bindings added while running are picked up by a periodic poll tick.
// Stopping is cooperative: a firing in progress completes first.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"owscholar/internal/eventbus"
	"owscholar/internal/handler"
	"owscholar/internal/query"
	"owscholar/internal/recurrence"
	logx "owscholar/pkg/logx"
)

var (
	ErrInvalidBinding  = errors.New("scheduler: query, rule and handler are required")
	ErrBindingNotFound = errors.New("scheduler: binding not found")
)

const (
	DefaultPollInterval = time.Second
	DefaultFireTimeout  = 2 * time.Minute
)

type RunState int32

const (
	Stopped RunState = iota
	Starting
	Running
	StopRequested
)

func (s RunState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	}
	return fmt.Sprintf("RunState(%d)", int32(s))
}

// Clock is the time source used for arming and firing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SleepFunc blocks for d or until interrupt is closed. It reports whether
// the full duration elapsed.
type SleepFunc func(d time.Duration, interrupt <-chan struct{}) bool

func timerSleep(d time.Duration, interrupt <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-interrupt:
		return false
	}
}

// execution is the handle of one Run..Stop cycle.
type execution struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newExecution() *execution {
	return &execution{stop: make(chan struct{}), done: make(chan struct{})}
}

func (e *execution) requestStop() { e.stopOnce.Do(func() { close(e.stop) }) }

type Option func(*Scheduler)

// WithName labels logs and bus events; the app uses the chat key.
func WithName(name string) Option { return func(s *Scheduler) { s.name = name } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithFireTimeout bounds a single query execution plus handler fan-out.
func WithFireTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.fireTimeout = d
		}
	}
}

// WithBaseContext parents every firing context. Stop does not cancel it;
// cancelling it aborts in-flight queries (process shutdown).
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// WithClock and WithSleep set the transient time sources explicitly
// instead of letting them default on first use.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock.Set(c) } }

func WithSleep(fn SleepFunc) Option { return func(s *Scheduler) { s.sleep.Set(fn) } }

// Scheduler is safe for concurrent use.
type Scheduler struct {
	name         string
	log          logx.Logger
	bus          eventbus.Bus
	pollInterval time.Duration
	fireTimeout  time.Duration
	baseCtx      context.Context

	// durable
	mu       sync.Mutex
	bindings []*Binding

	state atomic.Int32
	// lifecycle serializes Run/Stop transitions.
	lifecycle sync.Mutex

	// transient, absent until first use
	pending Lazy[*pendingQueue]
	timers  Lazy[*timerQueue]
	exec    Lazy[*execution]
	clock   Lazy[Clock]
	sleep   Lazy[SleepFunc]
}

// New returns an empty, stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		pollInterval: DefaultPollInterval,
		fireTimeout:  DefaultFireTimeout,
		baseCtx:      context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"), logx.String("scheduler", s.name))
	return s
}

func (s *Scheduler) Name() string { return s.name }

func (s *Scheduler) State() RunState { return RunState(s.state.Load()) }

func (s *Scheduler) clockOf() Clock           { return s.clock.Get(func() Clock { return systemClock{} }) }
func (s *Scheduler) sleepOf() SleepFunc       { return s.sleep.Get(func() SleepFunc { return timerSleep }) }
func (s *Scheduler) pendingOf() *pendingQueue { return s.pending.Get(newPendingQueue) }

// Bindings returns the registered bindings in registration order.
func (s *Scheduler) Bindings() []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bindings)
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// HasBinding reports whether an equivalent binding is already registered.
func (s *Scheduler) HasBinding(q query.Query, r recurrence.Rule, h handler.Handler) bool {
	if q == nil || r == nil || h == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if b.Matches(q, r, h) {
			return true
		}
	}
	return false
}

// AddSchedule registers a binding. It does not validate the rule (a rule
// with no instants is legal and never fires) and does not arm anything
// itself: a running scheduler arms it on its next poll tick, a stopped one
// on the next Run.
func (s *Scheduler) AddSchedule(q query.Query, r recurrence.Rule, h handler.Handler) (*Binding, error) {
	if q == nil || r == nil || h == nil {
		return nil, ErrInvalidBinding
	}
	b := &Binding{
		ID:      uuid.NewString(),
		Query:   q,
		Rule:    r,
		Handler: h,
		AddedAt: s.clockOf().Now(),
	}
	s.add(b)

	s.log.Info("binding added",
		logx.String("binding", b.ID),
		logx.String("query", q.Spec().String()),
		logx.String("rule", r.String()),
		logx.String("handler", h.Spec().String()),
	)
	s.publish(eventbus.TopicBindingAdded, b, nil)
	return b, nil
}

func (s *Scheduler) add(b *Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, b)
	s.pendingOf().push(b)
}

// Remove drops a binding; an armed timer for it is discarded when it comes due.
func (s *Scheduler) Remove(id string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.bindings, func(b *Binding) bool { return b.ID == id })
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrBindingNotFound, id)
	}
	b := s.bindings[i]
	b.removed.Store(true)
	b.disarm()
	s.bindings = slices.Delete(s.bindings, i, i+1)
	s.log.Info("binding removed", logx.String("binding", id))
	return b, nil
}

// Run starts the background loop. It is a no-op unless the scheduler is
// Stopped and reports whether a loop was started.
func (s *Scheduler) Run() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return false
	}

	clk := s.clockOf()
	sleep := s.sleepOf()
	tq := newTimerQueue()
	s.timers.Set(tq)

	// Everything registered so far is armed below; drop it from pending so
	// the poll tick does not arm it twice.
	s.mu.Lock()
	snapshot := slices.Clone(s.bindings)
	s.pendingOf().drain()
	s.mu.Unlock()

	now := clk.Now()
	for _, b := range snapshot {
		s.arm(tq, b, now)
	}
	tq.arm(now.Add(s.pollInterval), nil)

	ex := newExecution()
	s.exec.Set(ex)
	s.state.Store(int32(Running))

	s.log.Info("scheduler started", logx.Int("bindings", len(snapshot)), logx.Duration("poll", s.pollInterval))
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicSchedulerStarted, Data: eventbus.BindingData{Scheduler: s.name}})

	go s.loop(ex, tq, clk, sleep)
	return true
}

// arm queues b at its first instant at or after from.
func (s *Scheduler) arm(tq *timerQueue, b *Binding, from time.Time) {
	if b.Removed() {
		return
	}
	next, ok := b.Rule.After(from, true)
	if !ok {
		s.retire(b)
		return
	}
	b.armedAt(next)
	tq.arm(next, b)
}

// Stop requests the loop to exit and waits for it. Concurrent callers all
// return once the scheduler is Stopped. It is a no-op when not running.
func (s *Scheduler) Stop() {
	_ = s.StopContext(context.Background())
}

// StopContext is Stop bounded by ctx. When ctx ends first the loop still
// winds down on its own and ctx.Err() is returned.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.lifecycle.Lock()
	st := s.State()
	if st == Running {
		s.state.Store(int32(StopRequested))
	}
	ex, ok := s.exec.Peek()
	s.lifecycle.Unlock()

	if (st != Running && st != StopRequested) || !ok {
		return nil
	}
	ex.requestStop()

	select {
	case <-ex.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.exec.ResetIf(func(cur *execution) bool { return cur == ex })
	return nil
}

func (s *Scheduler) running() bool { return s.State() == Running }

func (s *Scheduler) loop(ex *execution, tq *timerQueue, clk Clock, sleep SleepFunc) {
	defer func() {
		// Cancel every queued timer, then drop the queue.
		n := tq.cancelAll()
		s.timers.ResetIf(func(cur *timerQueue) bool { return cur == tq })
		for _, b := range s.Bindings() {
			if !b.Retired() {
				b.disarm()
			}
		}
		s.state.Store(int32(Stopped))
		close(ex.done)

		s.log.Info("scheduler stopped", logx.Int("cancelled_timers", n))
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicSchedulerStopped, Data: eventbus.BindingData{Scheduler: s.name}})
	}()

	for s.running() {
		t := tq.peek()
		if t == nil {
			return
		}
		if d := t.at.Sub(clk.Now()); d > 0 {
			sleep(d, ex.stop)
			continue
		}
		tq.pop()
		if t.cancelled {
			continue
		}

		if t.isPoll() {
			s.armPending(tq)
			if s.running() {
				tq.arm(clk.Now().Add(s.pollInterval), nil)
			}
			continue
		}
		if t.binding.Removed() {
			continue
		}
		s.fireAndRearm(tq, clk, t.binding, t.at)
	}
}

// armPending arms bindings registered since the last tick relative to
// their registration instant, so a late tick fires them immediately.
func (s *Scheduler) armPending(tq *timerQueue) {
	added := s.pendingOf().drain()
	for _, b := range added {
		s.arm(tq, b, b.AddedAt)
	}
	if len(added) > 0 {
		s.log.Debug("armed new bindings", logx.Int("count", len(added)))
	}
}

func (s *Scheduler) fireAndRearm(tq *timerQueue, clk Clock, b *Binding, firedAt time.Time) {
	start := clk.Now()
	events, err := s.FireBinding(b, firedAt)
	took := clk.Now().Sub(start)
	b.recordFire(firedAt, took, events, err)

	log := s.log.With(logx.String("binding", b.ID), logx.String("query", b.Query.Spec().String()))
	if err != nil {
		log.Warn("binding fault", logx.Err(err), logx.Duration("took", took))
		s.publish(eventbus.TopicBindingFault, b, err)
	} else {
		log.Debug("binding fired", logx.Int("events", events), logx.Duration("took", took))
	}

	now := clk.Now()
	next, ok := b.Rule.After(now, true)
	if ok && !next.After(firedAt) {
		// The clock did not advance past the instant just fired.
		next, ok = b.Rule.After(firedAt, false)
	}
	if !ok {
		s.retire(b)
		return
	}
	if b.Removed() || !s.running() {
		return
	}
	b.armedAt(next)
	tq.arm(next, b)

	if err == nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicBindingFired, Data: eventbus.BindingData{
			Scheduler: s.name,
			BindingID: b.ID,
			Query:     b.Query.Spec().String(),
			Events:    events,
			Took:      took.String(),
			Next:      next,
		}})
	}
}

func (s *Scheduler) retire(b *Binding) {
	b.retire()
	s.log.Info("binding retired: rule has no further instants",
		logx.String("binding", b.ID), logx.String("rule", b.Rule.String()))
	s.publish(eventbus.TopicBindingRetired, b, nil)
}

// FireBinding executes b's query once and hands every event to b's handler
// in order. It returns the number of events delivered. Query errors,
// sequence errors and panics (in the query or the handler) are returned as
// errors; they never escape as panics.
func (s *Scheduler) FireBinding(b *Binding, firedAt time.Time) (events int, err error) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.fireTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while firing %s: %v", b.ID, r)
			s.log.Error("binding panicked", logx.String("binding", b.ID), logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 16)))
		}
	}()

	res, err := b.Query.Execute(ctx)
	if err != nil {
		return 0, fmt.Errorf("execute %s: %w", b.Query.Spec(), err)
	}
	if res == nil {
		return 0, nil
	}
	for ev, err := range res.Events() {
		if err != nil {
			return events, fmt.Errorf("read results of %s: %w", b.Query.Spec(), err)
		}
		b.Handler.Handle(ctx, ev)
		events++
	}
	return events, nil
}

func (s *Scheduler) publish(topic string, b *Binding, err error) {
	d := eventbus.BindingData{Scheduler: s.name, BindingID: b.ID, Query: b.Query.Spec().String()}
	if err != nil {
		d.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: d})
}

// Equal compares the durable state of two schedulers: the same bindings,
// in the same order, with equivalent components.
func (s *Scheduler) Equal(o *Scheduler) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s == o {
		return true
	}
	a, b := s.Snapshot(), o.Snapshot()
	return a.Equal(b)
}
