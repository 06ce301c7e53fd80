package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"owscholar/internal/handler"
	"owscholar/internal/query"
	"owscholar/internal/recurrence"
)

// Binding ties a query to its recurrence rule and the handler receiving
// its events. The exported fields never change after registration.
type Binding struct {
	ID      string
	Query   query.Query
	Rule    recurrence.Rule
	Handler handler.Handler
	// AddedAt is the registration instant; the poll tick arms new bindings
	// relative to it.
	AddedAt time.Time

	removed atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// Stats is runtime bookkeeping; it is not persisted.
type Stats struct {
	Runs      int64         `json:"runs"`
	Faults    int64         `json:"faults"`
	Events    int64         `json:"events"`
	LastFire  time.Time     `json:"last_fire,omitzero"`
	LastTook  time.Duration `json:"last_took,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Next      time.Time     `json:"next,omitzero"`
	Retired   bool          `json:"retired,omitempty"`
}

func (b *Binding) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Retired reports whether the rule ran out of instants.
func (b *Binding) Retired() bool { return b.Stats().Retired }

// Removed reports whether the caller removed the binding from its scheduler.
func (b *Binding) Removed() bool { return b.removed.Load() }

func (b *Binding) recordFire(at time.Time, took time.Duration, events int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Runs++
	b.stats.Events += int64(events)
	b.stats.LastFire = at
	b.stats.LastTook = took
	if err != nil {
		b.stats.Faults++
		b.stats.LastError = err.Error()
	} else {
		b.stats.LastError = ""
	}
}

func (b *Binding) armedAt(next time.Time) {
	b.mu.Lock()
	b.stats.Next = next
	b.stats.Retired = false
	b.mu.Unlock()
}

func (b *Binding) retire() {
	b.mu.Lock()
	b.stats.Next = time.Time{}
	b.stats.Retired = true
	b.mu.Unlock()
}

func (b *Binding) disarm() {
	b.mu.Lock()
	b.stats.Next = time.Time{}
	b.mu.Unlock()
}

// Record is the durable form of the binding.
func (b *Binding) Record() Record {
	return Record{
		ID:      b.ID,
		Query:   b.Query.Spec(),
		Rule:    b.Rule.Spec(),
		Handler: b.Handler.Spec(),
		AddedAt: b.AddedAt,
	}
}

// Matches reports whether b was registered with equivalent components.
func (b *Binding) Matches(q query.Query, r recurrence.Rule, h handler.Handler) bool {
	return b.Query.Spec() == q.Spec() && b.Rule.Spec().Equal(r.Spec()) && handler.Equal(b.Handler, h)
}
