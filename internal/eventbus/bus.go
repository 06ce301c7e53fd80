package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the scheduler and notifier.
const (
	TopicSchedulerStarted = "scheduler.started"
	TopicSchedulerStopped = "scheduler.stopped"
	TopicBindingAdded     = "scheduler.binding.added"
	TopicBindingFired     = "scheduler.binding.fired"
	TopicBindingFault     = "scheduler.binding.fault"
	TopicBindingRetired   = "scheduler.binding.retired"

	TopicNotifySent    = "notifier.sent"
	TopicNotifyFailed  = "notifier.failed"
	TopicNotifyDropped = "notifier.dropped"

	TopicConfigReloaded = "config.reloaded"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// BindingData is the payload of scheduler.binding.* events.
type BindingData struct {
	Scheduler string    `json:"scheduler"`
	BindingID string    `json:"binding_id"`
	Query     string    `json:"query"`
	Events    int       `json:"events,omitempty"`
	Took      string    `json:"took,omitempty"`
	Err       string    `json:"err,omitempty"`
	Next      time.Time `json:"next,omitzero"`
}

// NotifyData is the payload of notifier.* events.
type NotifyData struct {
	Platform string `json:"platform"`
	ChatID   string `json:"chat_id"`
	Attempts int    `json:"attempts,omitempty"`
	Err      string `json:"err,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything. Useful as a default dependency.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

// HasPrefix reports whether e belongs to the topic family prefix ("scheduler.").
func (e Event) HasPrefix(prefix string) bool { return strings.HasPrefix(e.Type, prefix) }

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may unsubscribe (and close) concurrently.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
