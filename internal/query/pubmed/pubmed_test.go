package pubmed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owscholar/internal/query"
)

func eutils(t *testing.T, ids []string, summaryCalls *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pubmed", r.URL.Query().Get("db"))
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"esearchresult": map[string]any{"count": "3", "idlist": ids},
		})
	})
	mux.HandleFunc("/esummary.fcgi", func(w http.ResponseWriter, r *http.Request) {
		*summaryCalls++
		res := map[string]any{}
		uids := strings.Split(r.URL.Query().Get("id"), ",")
		res["uids"] = uids
		for _, id := range uids {
			res[id] = map[string]any{
				"uid":         id,
				"title":       "Worms  and\ngenes " + id + ".",
				"sortpubdate": "2024/01/05 00:00",
				"authors":     []map[string]string{{"name": "Smith J"}, {"name": "Doe A"}},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": res})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute(t *testing.T) {
	calls := 0
	srv := eutils(t, []string{"101", "102", "103"}, &calls)

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "secret", PageSize: 2})
	res, err := c.Search("elegans").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	var pubs []query.Publication
	for ev, err := range res.Events() {
		require.NoError(t, err)
		pubs = append(pubs, ev.(query.Publication))
	}
	require.Len(t, pubs, 3)
	assert.Equal(t, 2, calls)

	assert.Equal(t, "pubmed:101", pubs[0].ID())
	assert.Equal(t, "Worms and genes 101", pubs[0].Title)
	assert.Equal(t, []string{"Smith J", "Doe A"}, pubs[0].Authors)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/101/", pubs[0].Link)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/?term=elegans", pubs[0].QueryURL)
	assert.Equal(t, 2024, pubs[0].Published.Year())
}

func TestExecuteNoHits(t *testing.T) {
	calls := 0
	srv := eutils(t, []string{}, &calls)

	res, err := NewClient(Options{BaseURL: srv.URL, APIKey: "secret"}).Search("nothing").Execute(context.Background())
	require.NoError(t, err)
	for range res.Events() {
		t.Fatal("expected no events")
	}
	assert.Zero(t, calls)
}

func TestExecuteAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"API key invalid"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).Search("x").Execute(context.Background())
	require.ErrorIs(t, err, ErrAPI)
}
