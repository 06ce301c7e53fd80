package app

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"owscholar/internal/scheduler"
	"owscholar/internal/storage"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

// Registry owns one scheduler per chat channel. Scheduler names are the
// channel key ("slack:C024BE91L"); the store key adds scheduler.KeyPrefix.
type Registry struct {
	store storage.Store
	res   scheduler.Resolver
	opts  []scheduler.Option
	log   logx.Logger

	mu    sync.Mutex
	ctx   context.Context
	byKey map[string]*scheduler.Scheduler
}

func NewRegistry(store storage.Store, res scheduler.Resolver, log logx.Logger, opts ...scheduler.Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store: store,
		res:   res,
		opts:  opts,
		log:   log.With(logx.String("comp", "registry")),
		ctx:   context.Background(),
		byKey: map[string]*scheduler.Scheduler{},
	}
}

func storeKey(name string) string { return scheduler.KeyPrefix + name }

func (r *Registry) options() []scheduler.Option {
	return append(slices.Clone(r.opts), scheduler.WithBaseContext(r.ctx))
}

// Start restores every stored scheduler and runs it. Fires use ctx as
// their parent context.
func (r *Registry) Start(ctx context.Context) (schedulers, bindings int, err error) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	loaded, err := scheduler.LoadAll(ctx, r.store, r.res, r.options()...)
	if errors.Is(err, storage.ErrDisabled) {
		r.log.Warn("storage disabled; searches will not survive a restart")
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range loaded {
		r.byKey[s.Name()] = s
		s.Run()
		bindings += s.Len()
	}
	return len(loaded), bindings, nil
}

func (r *Registry) ForChat(_ context.Context, target transport.ChatTarget) (*scheduler.Scheduler, error) {
	if target.IsZero() {
		return nil, errors.New("registry: empty chat target")
	}
	name := target.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byKey[name]; ok {
		return s, nil
	}
	s := scheduler.New(append(r.options(), scheduler.WithName(name))...)
	s.Run()
	r.byKey[name] = s
	r.log.Info("scheduler created", logx.String("scheduler", name))
	return s, nil
}

func (r *Registry) Existing(target transport.ChatTarget) (*scheduler.Scheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[target.Key()]
	return s, ok
}

// Persist saves the scheduler of target, or deletes its record once the
// last binding is gone. Without a store it is a no-op.
func (r *Registry) Persist(ctx context.Context, target transport.ChatTarget) error {
	if r.store == nil {
		return nil
	}
	s, ok := r.Existing(target)
	if !ok {
		return nil
	}
	if s.Len() == 0 {
		err := scheduler.Delete(ctx, r.store, storeKey(s.Name()))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return scheduler.Save(ctx, r.store, storeKey(s.Name()), s)
}

// SaveAll writes every non-empty scheduler in one transaction.
func (r *Registry) SaveAll(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	byKey := make(map[string]*scheduler.Scheduler, len(r.byKey))
	for name, s := range r.byKey {
		if s.Len() > 0 {
			byKey[storeKey(name)] = s
		}
	}
	r.mu.Unlock()
	if len(byKey) == 0 {
		return nil
	}
	return scheduler.SaveAll(ctx, r.store, byKey)
}

// StopAll stops every scheduler, waiting for in-flight fires until ctx is
// done.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	all := slices.Collect(maps.Values(r.byKey))
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.StopContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Names returns scheduler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.byKey))
}

// Bindings counts bindings across all schedulers.
func (r *Registry) Bindings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.byKey {
		n += s.Len()
	}
	return n
}

// SchedulerStatus is one scheduler as shown by the debug status page.
type SchedulerStatus struct {
	Name     string          `json:"name"`
	State    string          `json:"state"`
	Bindings []BindingStatus `json:"bindings"`
}

type BindingStatus struct {
	ID    string          `json:"id"`
	Query string          `json:"query"`
	Rule  string          `json:"rule"`
	Stats scheduler.Stats `json:"stats"`
}

func (r *Registry) Status() []SchedulerStatus {
	r.mu.Lock()
	names := slices.Sorted(maps.Keys(r.byKey))
	all := make([]*scheduler.Scheduler, 0, len(names))
	for _, n := range names {
		all = append(all, r.byKey[n])
	}
	r.mu.Unlock()

	out := make([]SchedulerStatus, 0, len(all))
	for _, s := range all {
		st := SchedulerStatus{Name: s.Name(), State: s.State().String()}
		for _, b := range s.Bindings() {
			st.Bindings = append(st.Bindings, BindingStatus{
				ID:    b.ID,
				Query: b.Query.Spec().String(),
				Rule:  b.Rule.String(),
				Stats: b.Stats(),
			})
		}
		out = append(out, st)
	}
	return out
}
