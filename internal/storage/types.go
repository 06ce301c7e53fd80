package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: key not found")
	ErrTxDone   = errors.New("storage: transaction already committed or rolled back")
	ErrClosed   = errors.New("storage: store closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, nothing survives a restart (tests, dry runs)
//   - "file": dependency-free file backend (json snapshot + jsonl journals)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the app and notifier.
type Store interface {
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Begin(ctx context.Context) (Tx, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Tx buffers writes until Commit. After Commit or Rollback every call
// returns ErrTxDone; Rollback after Commit is a harmless no-op.
type Tx interface {
	Put(key string, value []byte) error
	Delete(key string) error
	Commit() error
	Rollback() error
}

type Entry struct {
	Key   string
	Value []byte
}

// Update runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func Update(ctx context.Context, st Store, fn func(tx Tx) error) (err error) {
	if st == nil {
		return ErrDisabled
	}
	tx, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// AuditEntry records a chat command that changed state.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       string
	ActorUsername string
	Platform      string
	ChatID        string
	Command       string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
}
