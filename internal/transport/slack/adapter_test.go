package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

type fakeAPI struct {
	mu         sync.Mutex
	posted     []map[string]string
	usersCalls atomic.Int32
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.posted = append(f.posted, map[string]string{
			"channel":   r.Form.Get("channel"),
			"text":      r.Form.Get("text"),
			"thread_ts": r.Form.Get("thread_ts"),
		})
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"` + r.Form.Get("channel") + `","ts":"1700000000.000100"}`))
	})
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		f.usersCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U1","name":"ada","tz":"Europe/Berlin"}}`))
	})
	mux.HandleFunc("/chat.update", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"message_not_found"}`))
	})
	return mux
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeAPI) {
	t.Helper()
	f := &fakeAPI{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	a, err := New(Config{BotToken: "xoxb-test", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	return a, f
}

func TestSendText_PostsIntoThread(t *testing.T) {
	t.Parallel()
	a, f := newTestAdapter(t)

	ref, err := a.SendText(context.Background(),
		transport.ChatTarget{Platform: transport.PlatformSlack, ChatID: "C024BE91L", ThreadID: "1699999999.000200"},
		`New publication "<http://arxiv.org/abs/1|T>"`, &transport.SendOptions{ParseMode: transport.ParseModeMarkdown, DisablePreview: true})
	require.NoError(t, err)
	assert.Equal(t, "C024BE91L", ref.ChatID)
	assert.Equal(t, "1700000000.000100", ref.MessageID)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.posted, 1)
	assert.Equal(t, "1699999999.000200", f.posted[0]["thread_ts"])
	assert.Contains(t, f.posted[0]["text"], "New publication")
}

func TestEditText_SurfacesAPIError(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t)

	err := a.EditText(context.Background(), transport.MessageRef{ChatID: "C1", MessageID: "1.0"}, "x", nil)
	assert.ErrorContains(t, err, "message_not_found")
}

func TestUserTimeZone_Cached(t *testing.T) {
	t.Parallel()
	a, f := newTestAdapter(t)

	for range 3 {
		tz, err := a.UserTimeZone(context.Background(), "U1")
		require.NoError(t, err)
		assert.Equal(t, "Europe/Berlin", tz)
	}
	assert.EqualValues(t, 1, f.usersCalls.Load())
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t)
	a.botUserID.Store("UBOT")

	tests := []struct {
		name  string
		inner any
		want  *transport.Message
	}{
		{
			name: "mention in channel",
			inner: &slackevents.AppMentionEvent{
				User: "U1", Channel: "C1", TimeStamp: "1.1", ThreadTimeStamp: "1.0",
				Text: "<@UBOT> search for ti:elegans on arXiv daily",
			},
			want: &transport.Message{
				ID: "1.1", Platform: transport.PlatformSlack, ChatID: "C1", ThreadID: "1.0",
				FromID: "U1", Text: "search for ti:elegans on arXiv daily", IsGroup: true,
			},
		},
		{
			name:  "direct message",
			inner: &slackevents.MessageEvent{User: "U1", Channel: "D1", ChannelType: "im", TimeStamp: "2.0", Text: "list searches"},
			want:  &transport.Message{ID: "2.0", Platform: transport.PlatformSlack, ChatID: "D1", FromID: "U1", Text: "list searches"},
		},
		{
			name:  "channel chatter ignored",
			inner: &slackevents.MessageEvent{User: "U1", Channel: "C1", ChannelType: "channel", Text: "hi"},
		},
		{
			name:  "bot echo ignored",
			inner: &slackevents.MessageEvent{User: "U1", Channel: "D1", ChannelType: "im", BotID: "B1", Text: "OK"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.toMessage(slackevents.EventsAPIInnerEvent{Data: tt.inner})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStripMention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text, bot, want string
	}{
		{"<@UBOT> list searches", "UBOT", "list searches"},
		{"<@UBOT|owscholar>: help", "UBOT", "help"},
		{"<@UOTHER> hi", "UBOT", "<@UOTHER> hi"},
		{"<@UANY> hi", "", "hi"},
		{"  plain  ", "UBOT", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripMention(tt.text, tt.bot), tt.text)
	}
}

func TestMention(t *testing.T) {
	t.Parallel()
	m := &transport.Message{Platform: transport.PlatformSlack, FromID: "U1"}
	assert.Equal(t, "<@U1>", m.Mention())
}
