package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"owscholar/internal/handler"
	"owscholar/internal/query"
	"owscholar/internal/recurrence"
	"owscholar/internal/storage"
)

// KeyPrefix namespaces scheduler snapshots in the store.
const KeyPrefix = "scheduler/"

const snapshotVersion = 1

// Record is the durable form of a Binding.
type Record struct {
	ID      string          `json:"id"`
	Query   query.Spec      `json:"query"`
	Rule    recurrence.Spec `json:"rule"`
	Handler handler.Spec    `json:"handler"`
	AddedAt time.Time       `json:"added_at"`
}

func (r Record) Equal(o Record) bool {
	return r.ID == o.ID && r.Query == o.Query && r.Rule.Equal(o.Rule) &&
		r.Handler == o.Handler && r.AddedAt.Equal(o.AddedAt)
}

// Snapshot is everything of a Scheduler that survives a save/load round
// trip. Run state, timers and time sources are not part of it.
type Snapshot struct {
	Version  int      `json:"version"`
	Name     string   `json:"name"`
	Bindings []Record `json:"bindings"`
}

func (s Snapshot) Equal(o Snapshot) bool {
	return s.Name == o.Name && slices.EqualFunc(s.Bindings, o.Bindings, Record.Equal)
}

func (s *Scheduler) Snapshot() Snapshot {
	bs := s.Bindings()
	snap := Snapshot{Version: snapshotVersion, Name: s.name, Bindings: make([]Record, 0, len(bs))}
	for _, b := range bs {
		snap.Bindings = append(snap.Bindings, b.Record())
	}
	return snap
}

type QueryBuilder interface {
	Build(spec query.Spec) (query.Query, error)
}

type HandlerBuilder interface {
	Build(spec handler.Spec) (handler.Handler, error)
}

// Resolver turns durable specs back into live components.
type Resolver struct {
	Queries  QueryBuilder
	Handlers HandlerBuilder
}

func (r Resolver) binding(rec Record) (*Binding, error) {
	if r.Queries == nil || r.Handlers == nil {
		return nil, errors.New("scheduler: resolver needs query and handler builders")
	}
	q, err := r.Queries.Build(rec.Query)
	if err != nil {
		return nil, fmt.Errorf("binding %s: query: %w", rec.ID, err)
	}
	rule, err := recurrence.FromSpec(rec.Rule)
	if err != nil {
		return nil, fmt.Errorf("binding %s: rule: %w", rec.ID, err)
	}
	h, err := r.Handlers.Build(rec.Handler)
	if err != nil {
		return nil, fmt.Errorf("binding %s: handler: %w", rec.ID, err)
	}
	return &Binding{ID: rec.ID, Query: q, Rule: rule, Handler: h, AddedAt: rec.AddedAt}, nil
}

// Restore rebuilds a stopped Scheduler from snap. Every transient cell is
// empty; the caller must Run it explicitly. opts may not override the name.
func Restore(snap Snapshot, res Resolver, opts ...Option) (*Scheduler, error) {
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("scheduler: snapshot version %d not supported", snap.Version)
	}
	bindings := make([]*Binding, 0, len(snap.Bindings))
	for _, rec := range snap.Bindings {
		b, err := res.binding(rec)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	s := New(append(slices.Clone(opts), WithName(snap.Name))...)
	s.bindings = bindings
	return s, nil
}

// Save writes s under key in a single transaction.
func Save(ctx context.Context, st storage.Store, key string, s *Scheduler) error {
	raw, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("scheduler: encode %s: %w", key, err)
	}
	return storage.Update(ctx, st, func(tx storage.Tx) error {
		return tx.Put(key, raw)
	})
}

// SaveAll writes several schedulers atomically.
func SaveAll(ctx context.Context, st storage.Store, byKey map[string]*Scheduler) error {
	raws := make(map[string][]byte, len(byKey))
	for k, s := range byKey {
		raw, err := json.Marshal(s.Snapshot())
		if err != nil {
			return fmt.Errorf("scheduler: encode %s: %w", k, err)
		}
		raws[k] = raw
	}
	return storage.Update(ctx, st, func(tx storage.Tx) error {
		for k, raw := range raws {
			if err := tx.Put(k, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads the scheduler stored under key. A missing key surfaces as
// storage.ErrNotFound.
func Load(ctx context.Context, st storage.Store, key string, res Resolver, opts ...Option) (*Scheduler, error) {
	if st == nil {
		return nil, storage.ErrDisabled
	}
	raw, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return decode(key, raw, res, opts...)
}

// LoadAll restores every scheduler stored under KeyPrefix, keyed by store key.
func LoadAll(ctx context.Context, st storage.Store, res Resolver, opts ...Option) (map[string]*Scheduler, error) {
	if st == nil {
		return nil, storage.ErrDisabled
	}
	entries, err := st.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Scheduler, len(entries))
	for _, e := range entries {
		s, err := decode(e.Key, e.Value, res, opts...)
		if err != nil {
			return nil, err
		}
		out[e.Key] = s
	}
	return out, nil
}

// Snapshots reads the stored snapshots without resolving their components,
// for inspection by tooling that has no query providers wired.
func Snapshots(ctx context.Context, st storage.Store) (map[string]Snapshot, error) {
	if st == nil {
		return nil, storage.ErrDisabled
	}
	entries, err := st.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Snapshot, len(entries))
	for _, e := range entries {
		var snap Snapshot
		if err := json.Unmarshal(e.Value, &snap); err != nil {
			return nil, fmt.Errorf("scheduler: decode %s: %w", e.Key, err)
		}
		out[e.Key] = snap
	}
	return out, nil
}

func Delete(ctx context.Context, st storage.Store, key string) error {
	return storage.Update(ctx, st, func(tx storage.Tx) error {
		return tx.Delete(key)
	})
}

func decode(key string, raw []byte, res Resolver, opts ...Option) (*Scheduler, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("scheduler: decode %s: %w", key, err)
	}
	s, err := Restore(snap, res, opts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: restore %s: %w", key, err)
	}
	return s, nil
}
