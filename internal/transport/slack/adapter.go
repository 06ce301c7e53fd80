// Package slack is the Slack transport. Inbound messages arrive over Socket
// Mode (no public HTTP endpoint needed); replies and alerts go out through
// the Web API.
//
// The bot reacts to app mentions in channels and to every message in a
// direct conversation. The leading "<@BOT>" mention is stripped before the
// text reaches the command layer.
package slack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	rtsup "owscholar/internal/runtime/supervisor"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

type Config struct {
	BotToken string // xoxb-
	AppToken string // xapp-, required for Socket Mode
	// APIURL overrides the Web API base (tests).
	APIURL string
}

type Adapter struct {
	cfg Config
	log logx.Logger
	api *slack.Client

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	botUserID atomic.Value // string

	tzMu sync.Mutex
	tz   map[string]string // user id -> IANA zone
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("slack bot token is empty")
	}
	opts := []slack.Option{}
	if cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(cfg.APIURL, "/")+"/"))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg: cfg,
		log: log.With(logx.String("comp", "slack")),
		api: slack.New(cfg.BotToken, opts...),
		tz:  map[string]string{},
	}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.botUserID.Store("")
	return a, nil
}

func (a *Adapter) Platform() transport.Platform { return transport.PlatformSlack }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if strings.TrimSpace(a.cfg.AppToken) == "" {
		return errors.New("slack app token is empty (socket mode)")
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	if auth, err := a.api.AuthTestContext(ctx); err != nil {
		a.log.Warn("auth.test failed; mentions will not be stripped", logx.Err(err))
	} else {
		a.botUserID.Store(auth.UserID)
		a.log.Info("connected", logx.String("team", auth.Team), logx.String("bot_user", auth.UserID))
	}

	sup.GoRestart("slack.socketmode", func(c context.Context) error {
		client := socketmode.New(a.api)
		errCh := make(chan error, 1)
		go func() { errCh <- client.RunContext(c) }()
		for {
			select {
			case <-c.Done():
				return nil
			case err := <-errCh:
				if c.Err() != nil {
					return nil
				}
				return fmt.Errorf("socket mode: %w", err)
			case evt := <-client.Events:
				a.handleSocketEvent(client, evt)
			}
		}
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	return nil
}

func (a *Adapter) handleSocketEvent(client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		a.log.Info("socket mode connected")
	case socketmode.EventTypeConnectionError:
		a.log.Warn("socket mode connection error", logx.Any("data", evt.Data))
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || ev.Type != slackevents.CallbackEvent {
			return
		}
		if msg := a.toMessage(ev.InnerEvent); msg != nil {
			a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: msg})
		}
	}
}

var mentionRe = regexp.MustCompile(`^\s*<@([A-Z0-9]+)(\|[^>]*)?>[\s:,]*`)

func (a *Adapter) toMessage(inner slackevents.EventsAPIInnerEvent) *transport.Message {
	var msg *transport.Message
	switch e := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if e.BotID != "" {
			return nil
		}
		msg = &transport.Message{ID: e.TimeStamp, ChatID: e.Channel, ThreadID: e.ThreadTimeStamp, FromID: e.User, Text: e.Text, IsGroup: true}
	case *slackevents.MessageEvent:
		// Channel messages arrive as app_mention as well; only DMs are taken here.
		if e.ChannelType != "im" || e.BotID != "" || e.SubType != "" {
			return nil
		}
		msg = &transport.Message{ID: e.TimeStamp, ChatID: e.Channel, ThreadID: e.ThreadTimeStamp, FromID: e.User, Text: e.Text}
	default:
		return nil
	}
	if msg.FromID == "" {
		return nil
	}
	msg.Platform = transport.PlatformSlack
	msg.Text = stripMention(msg.Text, a.botUserID.Load().(string))
	return msg
}

// stripMention removes a leading mention of botID (any mention when botID
// is unknown).
func stripMention(text, botID string) string {
	m := mentionRe.FindStringSubmatchIndex(text)
	if m == nil {
		return strings.TrimSpace(text)
	}
	if botID != "" && text[m[2]:m[3]] != botID {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[m[1]:])
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.log.Warn("incoming update dropped (channel full)", logx.Int("chan_cap", cap(out)))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup, wasRunning := a.sup, a.running
	a.sup, a.running = nil, false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("slack stop did not finish cleanly", logx.Err(err))
	}
	return nil
}

func msgOptions(to transport.ChatTarget, text string, opt *transport.SendOptions) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if to.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(to.ThreadID))
	}
	if opt != nil && opt.DisablePreview {
		opts = append(opts, slack.MsgOptionDisableLinkUnfurl(), slack.MsgOptionDisableMediaUnfurl())
	}
	return opts
}

// SendText posts text to a channel, in a thread when the target has one.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.ChatID == "" {
		return transport.MessageRef{}, errors.New("slack: empty channel")
	}
	channel, ts, err := a.api.PostMessageContext(ctx, to.ChatID, msgOptions(to, text, opt)...)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("slack chat.postMessage: %w", err)
	}
	return transport.MessageRef{ChatID: channel, ThreadID: to.ThreadID, MessageID: ts}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	_, _, _, err := a.api.UpdateMessageContext(ctx, ref.ChatID, ref.MessageID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack chat.update: %w", err)
	}
	return nil
}

// UserTimeZone returns the IANA zone configured on a Slack profile. Lookups
// are cached for the process lifetime.
func (a *Adapter) UserTimeZone(ctx context.Context, userID string) (string, error) {
	a.tzMu.Lock()
	tz, ok := a.tz[userID]
	a.tzMu.Unlock()
	if ok {
		return tz, nil
	}
	u, err := a.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("slack users.info: %w", err)
	}
	a.tzMu.Lock()
	a.tz[userID] = u.TZ
	a.tzMu.Unlock()
	return u.TZ, nil
}
