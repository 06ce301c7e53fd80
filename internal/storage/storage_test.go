package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "owscholar/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func drivers(t *testing.T) map[string]func() Store {
	dir := t.TempDir()
	return map[string]func() Store{
		"memory": func() Store { return openDriver(t, "memory", "") },
		"file":   func() Store { return openDriver(t, "file", filepath.Join(dir, "file", "state.json")) },
		"sqlite": func() Store { return openDriver(t, "sqlite", filepath.Join(dir, "sqlite", "state.db")) },
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)

	require.ErrorIs(t, Update(context.Background(), nil, func(Tx) error { return nil }), ErrDisabled)
}

func TestStoreTransactions(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			_, err := st.Get(ctx, "scheduler/a")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, Update(ctx, st, func(tx Tx) error {
				require.NoError(t, tx.Put("scheduler/a", []byte(`{"a":1}`)))
				require.NoError(t, tx.Put("scheduler/b", []byte(`{"b":2}`)))
				return tx.Put("other/c", []byte("c"))
			}))

			v, err := st.Get(ctx, "scheduler/a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(v))

			entries, err := st.List(ctx, "scheduler/")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "scheduler/a", entries[0].Key)
			assert.Equal(t, "scheduler/b", entries[1].Key)

			// A failing body rolls everything back.
			errBody := errors.New("body failed")
			err = Update(ctx, st, func(tx Tx) error {
				require.NoError(t, tx.Put("scheduler/a", []byte("changed")))
				require.NoError(t, tx.Delete("scheduler/b"))
				return errBody
			})
			require.ErrorIs(t, err, errBody)

			v, err = st.Get(ctx, "scheduler/a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(v))
			_, err = st.Get(ctx, "scheduler/b")
			require.NoError(t, err)

			require.NoError(t, Update(ctx, st, func(tx Tx) error { return tx.Delete("scheduler/b") }))
			_, err = st.Get(ctx, "scheduler/b")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTxDone(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			tx, err := st.Begin(context.Background())
			require.NoError(t, err)
			require.NoError(t, tx.Put("k", []byte("v")))
			require.NoError(t, tx.Commit())

			require.ErrorIs(t, tx.Put("k", []byte("v2")), ErrTxDone)
			require.ErrorIs(t, tx.Commit(), ErrTxDone)
			require.NoError(t, tx.Rollback())
		})
	}
}

func TestDedup(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			_, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k", until))
			got, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, until.Equal(got))

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Command: "search", ChatID: "C1", OK: true}))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st := openDriver(t, "file", path)
	require.NoError(t, Update(ctx, st, func(tx Tx) error { return tx.Put("scheduler/x", []byte("blob")) }))
	require.NoError(t, st.PutDedup(ctx, "seen", time.Now().Add(time.Hour)))
	require.NoError(t, st.Close())

	_, err := os.Stat(filepath.Join(filepath.Dir(path), "state.kv.json"))
	require.NoError(t, err)

	st = openDriver(t, "file", path)
	defer st.Close()
	v, err := st.Get(ctx, "scheduler/x")
	require.NoError(t, err)
	assert.Equal(t, "blob", string(v))
	_, ok, err := st.GetDedup(ctx, "seen")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreCommitFailureKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openDriver(t, "file", filepath.Join(dir, "state.json"))
	defer st.Close()

	require.NoError(t, Update(ctx, st, func(tx Tx) error { return tx.Put("k", []byte("v1")) }))

	// Make the tmp path a directory so the atomic write fails.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "state.kv.json.tmp"), 0o755))

	err := Update(ctx, st, func(tx Tx) error { return tx.Put("k", []byte("v2")) })
	require.Error(t, err)

	v, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.Begin(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = st.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrClosed)
}
