package arxiv

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owscholar/internal/query"
)

const feedHead = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/">
  <opensearch:totalResults>%d</opensearch:totalResults>`

const entryTmpl = `
  <entry>
    <id>http://arxiv.org/abs/2401.%05dv1</id>
    <published>2024-01-02T03:04:05Z</published>
    <title>Paper
      %d</title>
    <author><name>Ada Lovelace</name></author>
    <author><name> Alan  Turing </name></author>
    <link href="http://arxiv.org/abs/2401.%05dv1" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/2401.%05dv1" rel="related" type="application/pdf"/>
  </entry>`

func feedServer(t *testing.T, total int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "submittedDate", q.Get("sortBy"))
		start, _ := strconv.Atoi(q.Get("start"))
		size, _ := strconv.Atoi(q.Get("max_results"))

		var b strings.Builder
		fmt.Fprintf(&b, feedHead, total)
		for i := start; i < start+size && i < total; i++ {
			fmt.Fprintf(&b, entryTmpl, i, i, i, i)
		}
		b.WriteString("\n</feed>")
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(b.String()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, res query.Result) []query.Publication {
	t.Helper()
	var out []query.Publication
	for ev, err := range res.Events() {
		require.NoError(t, err)
		out = append(out, ev.(query.Publication))
	}
	return out
}

func TestExecuteParsesEntries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := feedServer(t, 2, &hits)

	c := NewClient(Options{BaseURL: srv.URL})
	res, err := c.Search("ti:C and ti:elegans").Execute(context.Background())
	require.NoError(t, err)

	pubs := collect(t, res)
	require.Len(t, pubs, 2)
	assert.Equal(t, "arxiv:2401.00000v1", pubs[0].ID())
	assert.Equal(t, "Paper 0", pubs[0].Title)
	assert.Equal(t, []string{"Ada Lovelace", "Alan Turing"}, pubs[0].Authors)
	assert.Equal(t, "http://arxiv.org/abs/2401.00000v1", pubs[0].Link)
	assert.Equal(t, Name, pubs[0].Source)
	assert.Equal(t, srv.URL+"?search_query=ti%3AC+and+ti%3Aelegans", pubs[0].QueryURL)
	assert.Equal(t, 2024, pubs[0].Published.Year())
	assert.Equal(t, int32(1), hits.Load(), "short first page must not trigger another fetch")
}

func TestExecutePagesLazily(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := feedServer(t, 100, &hits)

	c := NewClient(Options{BaseURL: srv.URL, PageSize: 10, MaxResults: 35})
	res, err := c.Search("all:worms").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	n := 0
	for _, err := range res.Events() {
		require.NoError(t, err)
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, int32(1), hits.Load(), "breaking early must not fetch more pages")

	assert.Len(t, collect(t, res), 35)
}

func TestExecuteReportsAPIErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fmt.Sprintf(feedHead, 1) + `
  <entry><id>http://arxiv.org/api/errors#incorrect_id_format</id><title>Error</title>
  <summary>incorrect id format</summary></entry></feed>`))
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).Search("x").Execute(context.Background())
	require.ErrorIs(t, err, ErrAPI)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	_, err = NewClient(Options{BaseURL: down.URL}).Search("x").Execute(context.Background())
	require.ErrorIs(t, err, ErrAPI)
}

func TestFactoryRoundTrip(t *testing.T) {
	t.Parallel()
	reg := query.NewRegistry()
	reg.Register(Name, NewClient(Options{}).Factory())

	q, err := reg.Build(query.Spec{Provider: "ARXIV", Terms: "abs:graph", MaxResults: 5})
	require.NoError(t, err)
	assert.Equal(t, query.Spec{Provider: Name, Terms: "abs:graph", MaxResults: 5}, q.Spec())

	_, err = reg.Build(query.Spec{Provider: "scholar", Terms: "x"})
	require.ErrorIs(t, err, query.ErrUnknownProvider)
}
