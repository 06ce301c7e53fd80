package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owscholar/internal/handler"
	"owscholar/internal/query"
	"owscholar/internal/recurrence"
	"owscholar/internal/scheduler"
	"owscholar/internal/storage"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testResolver() scheduler.Resolver {
	queries := query.NewRegistry()
	queries.Register("arXiv", func(spec query.Spec) (query.Query, error) {
		return query.Func(spec, func(context.Context) (query.Result, error) { return query.List{}, nil }), nil
	})
	handlers := handler.NewRegistry()
	handlers.RegisterFunc(handler.Func("inbox", func(context.Context, query.Event) {}))
	return scheduler.Resolver{Queries: queries, Handlers: handlers}
}

func addSearch(t *testing.T, res scheduler.Resolver, s *scheduler.Scheduler, terms string) {
	t.Helper()
	q, err := res.Queries.Build(query.Spec{Provider: "arXiv", Terms: terms})
	require.NoError(t, err)
	h, err := res.Handlers.Build(handler.Spec{Kind: handler.KindFunc, Name: "inbox"})
	require.NoError(t, err)
	rule, err := recurrence.Parse("weekly", recurrence.ParseOptions{Now: t0, Location: time.UTC})
	require.NoError(t, err)
	_, err = s.AddSchedule(q, rule, h)
	require.NoError(t, err)
}

func TestRegistry_PersistAndRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	res := testResolver()
	chat := transport.ChatTarget{Platform: transport.PlatformTelegram, ChatID: "42", ThreadID: "7"}

	reg := NewRegistry(st, res, logx.Nop(), scheduler.WithPollInterval(time.Hour))
	s, err := reg.ForChat(ctx, chat)
	require.NoError(t, err)
	assert.Equal(t, "telegram:42", s.Name())
	assert.Equal(t, scheduler.Running, s.State())

	again, err := reg.ForChat(ctx, transport.ChatTarget{Platform: transport.PlatformTelegram, ChatID: "42"})
	require.NoError(t, err)
	assert.Same(t, s, again, "threads share the chat scheduler")

	addSearch(t, res, s, "ti:elegans")
	addSearch(t, res, s, "au:hinton")
	require.NoError(t, reg.Persist(ctx, chat))
	require.NoError(t, reg.StopAll(ctx))

	restored := NewRegistry(st, res, logx.Nop(), scheduler.WithPollInterval(time.Hour))
	n, bindings, err := restored.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.StopAll(context.Background()) })
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, bindings)
	assert.Equal(t, []string{"telegram:42"}, restored.Names())

	got, ok := restored.Existing(chat)
	require.True(t, ok)
	assert.Equal(t, scheduler.Running, got.State())
	assert.True(t, got.Equal(s))
}

func TestRegistry_PersistDeletesEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	res := testResolver()
	chat := transport.ChatTarget{Platform: transport.PlatformSlack, ChatID: "C1"}

	reg := NewRegistry(st, res, logx.Nop(), scheduler.WithPollInterval(time.Hour))
	t.Cleanup(func() { _ = reg.StopAll(context.Background()) })
	s, err := reg.ForChat(ctx, chat)
	require.NoError(t, err)
	addSearch(t, res, s, "graphene")
	require.NoError(t, reg.Persist(ctx, chat))

	_, err = st.Get(ctx, scheduler.KeyPrefix+"slack:C1")
	require.NoError(t, err)

	for _, b := range s.Bindings() {
		_, err := s.Remove(b.ID)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Persist(ctx, chat))
	_, err = st.Get(ctx, scheduler.KeyPrefix+"slack:C1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting twice is fine.
	require.NoError(t, reg.Persist(ctx, chat))
}

func TestRegistry_WithoutStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	res := testResolver()

	reg := NewRegistry(nil, res, logx.Nop(), scheduler.WithPollInterval(time.Hour))
	t.Cleanup(func() { _ = reg.StopAll(context.Background()) })
	n, b, err := reg.Start(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b)

	chat := transport.ChatTarget{Platform: transport.PlatformSlack, ChatID: "C9"}
	s, err := reg.ForChat(ctx, chat)
	require.NoError(t, err)
	addSearch(t, res, s, "perovskite")
	assert.NoError(t, reg.Persist(ctx, chat))
	assert.NoError(t, reg.SaveAll(ctx))
	assert.Equal(t, 1, reg.Bindings())

	_, err = reg.ForChat(ctx, transport.ChatTarget{})
	assert.Error(t, err)
}
