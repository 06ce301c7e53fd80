// Package arxiv queries the arXiv Atom API.
package arxiv

import (
	"context"
	"encoding/xml"
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
	Name           = "arXiv"
	DefaultBaseURL = "http://export.arxiv.org/api/query"

	defaultMaxResults = 50
	defaultPageSize   = 25
)

var ErrAPI = errors.New("arxiv: api error")

type Options struct {
	BaseURL    string
	MaxResults int
	PageSize   int
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	base       string
	maxResults int
	pageSize   int
	http       *http.Client
	userAgent  string
}

func NewClient(opt Options) *Client {
	c := &Client{
		base:       strings.TrimSpace(opt.BaseURL),
		maxResults: opt.MaxResults,
		pageSize:   opt.PageSize,
		http:       opt.HTTPClient,
		userAgent:  opt.UserAgent,
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.maxResults <= 0 {
		c.maxResults = defaultMaxResults
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.userAgent == "" {
		c.userAgent = "owscholar"
	}
	return c
}

// Factory registers the client with a query.Registry.
func (c *Client) Factory() query.Factory {
	return func(spec query.Spec) (query.Query, error) {
		if strings.TrimSpace(spec.Terms) == "" {
			return nil, query.ErrEmptyTerms
		}
		return &Query{c: c, terms: spec.Terms, max: spec.MaxResults}, nil
	}
}

// Search is a shortcut for Factory()(Spec{Terms: terms}).
func (c *Client) Search(terms string) *Query {
	return &Query{c: c, terms: terms}
}

// Query is an arXiv search_query expression, e.g. "ti:C and ti:elegans".
type Query struct {
	c     *Client
	terms string
	max   int
}

func (q *Query) Spec() query.Spec {
	return query.Spec{Provider: Name, Terms: q.terms, MaxResults: q.max}
}

// URL is the human-facing link for the search.
func (q *Query) URL() string {
	return q.c.base + "?search_query=" + url.QueryEscape(q.terms)
}

func (q *Query) limit() int {
	if q.max > 0 {
		return q.max
	}
	return q.c.maxResults
}

// Execute fetches the first page; further pages are fetched while the
// result is iterated.
func (q *Query) Execute(ctx context.Context) (query.Result, error) {
	first, err := q.fetch(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &query.Pages{
		First:    first,
		PageSize: q.c.pageSize,
		Limit:    q.limit(),
		Next: func(offset int) ([]query.Event, error) {
			return q.fetch(ctx, offset)
		},
	}, nil
}

func (q *Query) fetch(ctx context.Context, start int) ([]query.Event, error) {
	size := min(q.c.pageSize, q.limit()-start)
	if size <= 0 {
		return nil, nil
	}
	v := url.Values{}
	v.Set("search_query", q.terms)
	v.Set("start", strconv.Itoa(start))
	v.Set("max_results", strconv.Itoa(size))
	v.Set("sortBy", "submittedDate")
	v.Set("sortOrder", "descending")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.c.base+"?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", q.c.userAgent)
	req.Header.Set("Accept", "application/atom+xml")

	resp, err := q.c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var f feed
	if err := xml.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("arxiv: decode feed: %w", err)
	}
	return q.events(f)
}

func (q *Query) events(f feed) ([]query.Event, error) {
	out := make([]query.Event, 0, len(f.Entries))
	for _, e := range f.Entries {
		// arXiv reports malformed queries as a single entry in the feed.
		if strings.Contains(e.ID, "/api/errors") {
			return nil, fmt.Errorf("%w: %s", ErrAPI, query.NormalizeSpace(e.Summary))
		}
		p := query.Publication{
			EventID:  "arxiv:" + absID(e.ID),
			Title:    query.NormalizeSpace(e.Title),
			Link:     e.link(),
			Source:   Name,
			Terms:    q.terms,
			QueryURL: q.URL(),
		}
		for _, a := range e.Authors {
			if n := query.NormalizeSpace(a.Name); n != "" {
				p.Authors = append(p.Authors, n)
			}
		}
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
			p.Published = t
		}
		out = append(out, p)
	}
	return out, nil
}

// absID strips the URL prefix: "http://arxiv.org/abs/2401.01234v1" -> "2401.01234v1".
func absID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.Index(id, "/abs/"); i >= 0 {
		return id[i+len("/abs/"):]
	}
	return id
}

type feed struct {
	XMLName      xml.Name `xml:"feed"`
	TotalResults int      `xml:"totalResults"`
	Entries      []entry  `xml:"entry"`
}

type entry struct {
	ID        string   `xml:"id"`
	Published string   `xml:"published"`
	Title     string   `xml:"title"`
	Summary   string   `xml:"summary"`
	Authors   []author `xml:"author"`
	Links     []link   `xml:"link"`
}

type author struct {
	Name string `xml:"name"`
}

type link struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

func (e entry) link() string {
	for _, l := range e.Links {
		if l.Rel == "alternate" {
			return l.Href
		}
	}
	return strings.TrimSpace(e.ID)
}
