package tgui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLink(t *testing.T) {
	t.Parallel()
	assert.Equal(t, H(`<a href="http://x/?a=1&amp;b=2">A &amp; B</a>`), Link("A & B", "http://x/?a=1&b=2"))
	assert.Equal(t, H(`A &lt;B&gt;`), Link("A <B>", " "))
	assert.Equal(t, H(`<b>x</b> &amp; <i>y</i>`), Join(" & ", B("x"), "", I("y")))
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"héllo wörld", 3, "hé…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TruncRunes(tt.in, tt.n), "%q/%d", tt.in, tt.n)
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	names := []string{"Ada", "Grace", "Barbara", "Frances"}
	assert.Equal(t, "Ada, Grace, Barbara, Frances", Names(names, 0))
	assert.Equal(t, "Ada, Grace, Barbara, Frances", Names(names, 4))
	assert.Equal(t, "Ada, Grace and 2 others", Names(names, 2))
	assert.Equal(t, "Ada, Grace, Barbara and 1 other", Names(names, 3))
}
