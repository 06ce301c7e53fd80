package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type id string

func (i id) ID() string { return string(i) }

func drain(res Result) ([]string, error) {
	var out []string
	for ev, err := range res.Events() {
		if err != nil {
			return out, err
		}
		out = append(out, ev.ID())
	}
	return out, nil
}

func TestPages(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("boom")

	tests := []struct {
		name    string
		pages   [][]Event
		failAt  int
		limit   int
		want    []string
		wantErr error
	}{
		{name: "single", pages: [][]Event{{id("a"), id("b")}}, want: []string{"a", "b"}},
		{name: "multi", pages: [][]Event{{id("a"), id("b")}, {id("c")}}, want: []string{"a", "b", "c"}},
		{name: "limit", pages: [][]Event{{id("a"), id("b")}, {id("c"), id("d")}}, limit: 3, want: []string{"a", "b", "c"}},
		{name: "fault mid-sequence", pages: [][]Event{{id("a"), id("b")}, {id("c")}}, failAt: 1, want: []string{"a", "b"}, wantErr: errBoom},
		{name: "empty", pages: [][]Event{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			p := &Pages{
				First:    tt.pages[0],
				PageSize: 2,
				Limit:    tt.limit,
				Next: func(offset int) ([]Event, error) {
					calls++
					if tt.failAt > 0 && calls == tt.failAt {
						return nil, errBoom
					}
					if calls >= len(tt.pages) {
						return nil, nil
					}
					return tt.pages[calls], nil
				},
			}
			got, err := drain(p)
			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.Register("PubMed", func(s Spec) (Query, error) {
		return Func(s, func(context.Context) (Result, error) { return List{id("x")}, nil }), nil
	})
	reg.Register("arXiv", func(s Spec) (Query, error) { return Func(s, nil), nil })

	assert.Equal(t, []string{"arXiv", "PubMed"}, reg.Names())
	name, ok := reg.Lookup("pubmed")
	require.True(t, ok)
	assert.Equal(t, "PubMed", name)

	q, err := reg.Build(Spec{Provider: "pubmed", Terms: "worms"})
	require.NoError(t, err)
	res, err := q.Execute(context.Background())
	require.NoError(t, err)
	got, err := drain(res)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)

	_, err = reg.Build(Spec{Provider: "pubmed"})
	require.ErrorIs(t, err, ErrEmptyTerms)
	_, err = reg.Build(Spec{Provider: "scholar", Terms: "x"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}
