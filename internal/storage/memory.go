package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore keeps everything in maps. The file driver embeds it and hooks
// persist to make commits durable before they become visible.
type memStore struct {
	mu     sync.RWMutex
	closed bool
	kv     map[string][]byte
	dedup  map[string]int64 // unix milli
	audit  []AuditEntry

	// persist is called with the post-commit key space while mu is held.
	// A non-nil error aborts the commit.
	persist func(next map[string][]byte) error
}

// NewMemory returns a process-local Store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{kv: map[string][]byte{}, dedup: map[string]int64{}}
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (s *memStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Entry, 0)
	for k, v := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &memTx{s: s}, nil
}

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until.UnixMilli()
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type memOp struct {
	key   string
	value []byte // nil => delete
}

type memTx struct {
	s    *memStore
	mu   sync.Mutex
	ops  []memOp
	done bool
}

func (tx *memTx) Put(key string, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	if value == nil {
		value = []byte{}
	}
	tx.ops = append(tx.ops, memOp{key: key, value: clone(value)})
	return nil
}

func (tx *memTx) Delete(key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.ops = append(tx.ops, memOp{key: key})
	return nil
}

func (tx *memTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	next := make(map[string][]byte, len(s.kv)+len(tx.ops))
	for k, v := range s.kv {
		next[k] = v
	}
	for _, op := range tx.ops {
		if op.value == nil {
			delete(next, op.key)
			continue
		}
		next[op.key] = op.value
	}
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return err
		}
	}
	s.kv = next
	return nil
}

func (tx *memTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.ops = nil
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
