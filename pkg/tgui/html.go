package tgui

import (
	"html"
	"strings"
)

// H is HTML that is safe to send with ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + string(inner) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Link renders text as a link to url, or as plain escaped text when url is
// empty.
func Link(text, url string) H {
	if strings.TrimSpace(url) == "" {
		return Esc(text)
	}
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// Join concatenates parts with sep (escaped), skipping blank parts.
func Join(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return H(strings.Join(ss, html.EscapeString(sep)))
}
