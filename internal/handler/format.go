package handler

import (
	"strings"

	"owscholar/internal/query"
	"owscholar/internal/transport"
	"owscholar/pkg/tgui"
)

// Format renders ev for the given chat platform and returns the text plus
// the parse mode the adapter must use.
func Format(p transport.Platform, ev query.Event) (string, string) {
	switch p {
	case transport.PlatformSlack:
		return formatSlack(ev), transport.ParseModeMarkdown
	default:
		return formatHTML(ev), transport.ParseModeHTML
	}
}

// New publication "<link|Title>" by _A, B_
// Matched by arXiv Query:<url|terms>
func formatSlack(ev query.Event) string {
	p, ok := ev.(query.Publication)
	if !ok {
		return "New result: " + slackEscape(ev.ID())
	}
	var b strings.Builder
	b.WriteString(`New publication "`)
	if p.Link != "" {
		b.WriteString("<" + p.Link + "|" + slackEscape(title(p)) + ">")
	} else {
		b.WriteString(slackEscape(title(p)))
	}
	b.WriteString(`"`)
	if len(p.Authors) > 0 {
		b.WriteString(" by _" + slackEscape(tgui.Names(p.Authors, maxAuthors)) + "_")
	}
	b.WriteString("\nMatched by " + p.Source + " Query:")
	if p.QueryURL != "" {
		b.WriteString("<" + p.QueryURL + "|" + slackEscape(p.Terms) + ">")
	} else {
		b.WriteString(slackEscape(p.Terms))
	}
	return b.String()
}

func formatHTML(ev query.Event) string {
	p, ok := ev.(query.Publication)
	if !ok {
		return "New result: " + tgui.Esc(ev.ID()).String()
	}
	parts := []tgui.H{`New publication "`, tgui.Link(title(p), p.Link), `"`}
	if len(p.Authors) > 0 {
		parts = append(parts, " by ", tgui.I(tgui.Names(p.Authors, maxAuthors)))
	}
	parts = append(parts, "\nMatched by ", tgui.Esc(p.Source), " query: ", tgui.Link(p.Terms, p.QueryURL))
	var b strings.Builder
	for _, h := range parts {
		b.WriteString(h.String())
	}
	return b.String()
}

// maxAuthors caps the author list; PubMed records can carry hundreds.
const maxAuthors = 6

func title(p query.Publication) string { return tgui.TruncRunes(p.Title, 300) }

var slackReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func slackEscape(s string) string { return slackReplacer.Replace(s) }
