// Package handler turns query events into side effects (chat messages).
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"owscholar/internal/query"
)

var ErrUnknownKind = errors.New("handler: unknown kind")

// Handler receives every event of a query result, in order.
type Handler interface {
	Handle(ctx context.Context, ev query.Event)
	// Spec identifies the handler; equal specs mean equal handlers.
	Spec() Spec
}

const (
	KindChat = "chat"
	KindFunc = "func"
)

// Spec is the durable, comparable form of a Handler.
type Spec struct {
	Kind     string `json:"kind"`
	Platform string `json:"platform,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	// OnlyNew suppresses events already delivered to the same chat.
	OnlyNew bool `json:"only_new,omitempty"`
	// Name identifies func handlers.
	Name string `json:"name,omitempty"`
}

func (s Spec) String() string {
	switch s.Kind {
	case KindChat:
		if s.ThreadID != "" {
			return fmt.Sprintf("chat %s:%s/%s", s.Platform, s.ChatID, s.ThreadID)
		}
		return fmt.Sprintf("chat %s:%s", s.Platform, s.ChatID)
	case KindFunc:
		return "func " + s.Name
	}
	return s.Kind
}

// Equal compares handlers by identity spec.
func Equal(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Spec() == b.Spec()
}

// ---- func handler ----

type funcHandler struct {
	name string
	fn   func(ctx context.Context, ev query.Event)
}

// Func adapts fn. Handlers with the same name are equal.
func Func(name string, fn func(ctx context.Context, ev query.Event)) Handler {
	return funcHandler{name: name, fn: fn}
}

func (h funcHandler) Handle(ctx context.Context, ev query.Event) {
	if h.fn != nil {
		h.fn(ctx, ev)
	}
}

func (h funcHandler) Spec() Spec { return Spec{Kind: KindFunc, Name: h.name} }

// ---- registry ----

// Factory rebuilds a Handler from its spec.
type Factory func(spec Spec) (Handler, error)

type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
	funcs map[string]Handler
}

func NewRegistry() *Registry {
	r := &Registry{kinds: map[string]Factory{}, funcs: map[string]Handler{}}
	r.kinds[KindFunc] = r.buildFunc
	return r
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[strings.ToLower(kind)] = f
}

// RegisterFunc makes a func handler resolvable by name after reload.
func (r *Registry) RegisterFunc(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[h.Spec().Name] = h
}

func (r *Registry) Build(spec Spec) (Handler, error) {
	r.mu.RLock()
	f, ok := r.kinds[strings.ToLower(spec.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, spec.Kind)
	}
	return f(spec)
}

func (r *Registry) buildFunc(spec Spec) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.funcs[spec.Name]
	if !ok {
		return nil, fmt.Errorf("%w: func %q not registered", ErrUnknownKind, spec.Name)
	}
	return h, nil
}
