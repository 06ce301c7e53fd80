// Package pubmed queries NCBI E-utilities (esearch + esummary).
package pubmed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"owscholar/internal/query"
)

const (
	Name           = "PubMed"
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	articleBaseURL = "https://pubmed.ncbi.nlm.nih.gov/"

	defaultMaxResults = 50
	defaultPageSize   = 20
)

var ErrAPI = errors.New("pubmed: api error")

type Options struct {
	BaseURL    string
	APIKey     string
	Tool       string
	Email      string
	MaxResults int
	PageSize   int
	HTTPClient *http.Client
}

type Client struct {
	opt  Options
	http *http.Client
}

func NewClient(opt Options) *Client {
	opt.BaseURL = strings.TrimRight(strings.TrimSpace(opt.BaseURL), "/")
	if opt.BaseURL == "" {
		opt.BaseURL = DefaultBaseURL
	}
	if opt.MaxResults <= 0 {
		opt.MaxResults = defaultMaxResults
	}
	if opt.PageSize <= 0 {
		opt.PageSize = defaultPageSize
	}
	if opt.Tool == "" {
		opt.Tool = "owscholar"
	}
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{opt: opt, http: hc}
}

func (c *Client) Factory() query.Factory {
	return func(spec query.Spec) (query.Query, error) {
		if strings.TrimSpace(spec.Terms) == "" {
			return nil, query.ErrEmptyTerms
		}
		return &Query{c: c, terms: spec.Terms, max: spec.MaxResults}, nil
	}
}

func (c *Client) Search(terms string) *Query { return &Query{c: c, terms: terms} }

// Query is a PubMed search term, e.g. "caenorhabditis elegans[MeSH Terms]".
type Query struct {
	c     *Client
	terms string
	max   int
}

func (q *Query) Spec() query.Spec {
	return query.Spec{Provider: Name, Terms: q.terms, MaxResults: q.max}
}

func (q *Query) URL() string { return articleBaseURL + "?term=" + url.QueryEscape(q.terms) }

func (q *Query) limit() int {
	if q.max > 0 {
		return q.max
	}
	return q.c.opt.MaxResults
}

// Execute runs esearch for the newest IDs; summaries are fetched page by
// page while the result is iterated.
func (q *Query) Execute(ctx context.Context) (query.Result, error) {
	ids, err := q.search(ctx)
	if err != nil {
		return nil, err
	}
	size := q.c.opt.PageSize
	page := func(offset int) ([]query.Event, error) {
		if offset >= len(ids) {
			return nil, nil
		}
		return q.summaries(ctx, ids[offset:min(offset+size, len(ids))])
	}
	first, err := page(0)
	if err != nil {
		return nil, err
	}
	return &query.Pages{First: first, Next: page, PageSize: size, Limit: len(ids)}, nil
}

func (q *Query) params() url.Values {
	v := url.Values{}
	v.Set("db", "pubmed")
	v.Set("retmode", "json")
	v.Set("tool", q.c.opt.Tool)
	if q.c.opt.Email != "" {
		v.Set("email", q.c.opt.Email)
	}
	if q.c.opt.APIKey != "" {
		v.Set("api_key", q.c.opt.APIKey)
	}
	return v
}

type searchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
	Error string `json:"error"`
}

func (q *Query) search(ctx context.Context) ([]string, error) {
	v := q.params()
	v.Set("term", q.terms)
	v.Set("sort", "pub_date")
	v.Set("retmax", strconv.Itoa(q.limit()))

	var resp searchResponse
	if err := q.get(ctx, "esearch.fcgi", v, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrAPI, resp.Error)
	}
	return resp.Result.IDList, nil
}

type summary struct {
	UID     string `json:"uid"`
	Title   string `json:"title"`
	PubDate string `json:"sortpubdate"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

func (q *Query) summaries(ctx context.Context, ids []string) ([]query.Event, error) {
	v := q.params()
	v.Set("id", strings.Join(ids, ","))

	var resp struct {
		Result map[string]json.RawMessage `json:"result"`
		Error  string                     `json:"error"`
	}
	if err := q.get(ctx, "esummary.fcgi", v, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrAPI, resp.Error)
	}

	out := make([]query.Event, 0, len(ids))
	for _, id := range ids {
		raw, ok := resp.Result[id]
		if !ok {
			continue
		}
		var s summary
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("pubmed: decode summary %s: %w", id, err)
		}
		p := query.Publication{
			EventID:  "pubmed:" + id,
			Title:    strings.TrimSuffix(query.NormalizeSpace(s.Title), "."),
			Link:     articleBaseURL + id + "/",
			Source:   Name,
			Terms:    q.terms,
			QueryURL: q.URL(),
		}
		for _, a := range s.Authors {
			if n := query.NormalizeSpace(a.Name); n != "" {
				p.Authors = append(p.Authors, n)
			}
		}
		if t, err := time.Parse("2006/01/02 15:04", s.PubDate); err == nil {
			p.Published = t
		}
		out = append(out, p)
	}
	return out, nil
}

func (q *Query) get(ctx context.Context, endpoint string, v url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.c.opt.BaseURL+"/"+endpoint+"?"+v.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := q.c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pubmed: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s status %d: %s", ErrAPI, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pubmed: decode %s: %w", endpoint, err)
	}
	return nil
}
