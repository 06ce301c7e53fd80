// Package query defines the searches a scheduler re-runs and the events
// their results yield.
package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownProvider = errors.New("query: unknown provider")
	ErrEmptyTerms      = errors.New("query: search terms required")
)

// Event is a single item produced by a query result.
type Event interface {
	// ID is stable across executions so repeated results can be recognised.
	ID() string
}

// Result yields events lazily, in provider-defined order.
// A non-nil error ends the sequence.
type Result interface {
	Events() iter.Seq2[Event, error]
}

// Query is executed once per firing.
type Query interface {
	Execute(ctx context.Context) (Result, error)
	Spec() Spec
}

// Spec is the durable form of a Query.
type Spec struct {
	Provider   string `json:"provider"`
	Terms      string `json:"terms"`
	MaxResults int    `json:"max_results,omitempty"`
}

func (s Spec) String() string { return fmt.Sprintf("%s %q", s.Provider, s.Terms) }

// Publication is the event emitted by literature search providers.
type Publication struct {
	EventID   string
	Title     string
	Authors   []string
	Link      string
	Published time.Time
	// Source is the display name of the provider ("arXiv", "PubMed").
	Source string
	// Terms and QueryURL describe the search that matched.
	Terms    string
	QueryURL string
}

func (p Publication) ID() string { return p.EventID }

// NormalizeSpace collapses runs of whitespace (feeds wrap titles).
func NormalizeSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

// ---- simple results ----

// List is an eager Result over a fixed slice.
type List []Event

func (l List) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for _, e := range l {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Pages is a Result that fetches further pages only when iteration reaches them.
type Pages struct {
	First []Event
	// Next returns the page following offset; an empty page ends the sequence.
	Next func(offset int) ([]Event, error)
	// PageSize, when set, lets a short page end the sequence without another fetch.
	PageSize int
	Limit    int
}

func (p *Pages) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		page := p.First
		seen := 0
		for len(page) > 0 {
			for _, e := range page {
				if p.Limit > 0 && seen >= p.Limit {
					return
				}
				seen++
				if !yield(e, nil) {
					return
				}
			}
			if p.Next == nil || (p.Limit > 0 && seen >= p.Limit) || (p.PageSize > 0 && len(page) < p.PageSize) {
				return
			}
			next, err := p.Next(seen)
			if err != nil {
				yield(nil, err)
				return
			}
			page = next
		}
	}
}

// ---- func-backed query ----

type funcQuery struct {
	spec Spec
	fn   func(ctx context.Context) (Result, error)
}

// Func adapts fn into a Query with the given durable spec.
func Func(spec Spec, fn func(ctx context.Context) (Result, error)) Query {
	return funcQuery{spec: spec, fn: fn}
}

func (q funcQuery) Execute(ctx context.Context) (Result, error) { return q.fn(ctx) }
func (q funcQuery) Spec() Spec                                   { return q.spec }

// ---- registry ----

// Factory builds a Query from its durable spec.
type Factory func(spec Spec) (Query, error)

// Registry maps provider names to factories. Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	display   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}, display: map[string]string{}}
}

// Register adds a provider under its display name ("arXiv").
func (r *Registry) Register(name string, f Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
	r.display[key] = name
}

// Lookup resolves a user-typed provider name to its display name.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.display[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Names returns display names sorted case-insensitively.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.display))
	for _, d := range r.display {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// Build rebuilds a Query from spec.
func (r *Registry) Build(spec Spec) (Query, error) {
	if strings.TrimSpace(spec.Terms) == "" {
		return nil, ErrEmptyTerms
	}
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(spec.Provider))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, spec.Provider)
	}
	return f(spec)
}
