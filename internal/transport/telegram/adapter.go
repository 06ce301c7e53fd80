// Package telegram is the Telegram transport: a long-polling bot built on
// telebot that turns text messages into transport updates and sends
// publication alerts back to chats and forum topics.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "owscholar/internal/runtime/supervisor"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake (tests).
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)

	b.Handle(tele.OnText, func(c tele.Context) error {
		if msg := toMessage(c.Message()); msg != nil {
			a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: msg})
		}
		return nil
	})
	return a, nil
}

func (a *Adapter) Platform() transport.Platform { return transport.PlatformTelegram }

func toMessage(m *tele.Message) *transport.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &transport.Message{
		ID:       strconv.Itoa(m.ID),
		Platform: transport.PlatformTelegram,
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		Text:     m.Text,
		IsGroup:  m.Chat.Type != tele.ChatPrivate,
	}
	if m.ThreadID != 0 {
		msg.ThreadID = strconv.Itoa(m.ThreadID)
	}
	if m.Sender != nil {
		msg.FromID = strconv.FormatInt(m.Sender.ID, 10)
		if m.Sender.Username != "" {
			msg.FromUsername = "@" + m.Sender.Username
		} else {
			msg.FromUsername = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		}
	}
	return msg
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
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

	sup.Go0("telegram.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until bot.Stop; an early return while the context is
	// live is a poller failure and gets restarted.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telegram poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
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
	sup.Cancel()

	// getUpdates may still be parked in its long poll; don't let it hold
	// shutdown for more than a couple of seconds.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop did not finish cleanly", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

// splitText breaks s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, transport.ParseModeHTML) && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func parseChat(to transport.ChatTarget) (*tele.Chat, int, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(to.ChatID), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram: chat id %q: %w", to.ChatID, err)
	}
	thread := 0
	if to.ThreadID != "" {
		if thread, err = strconv.Atoi(to.ThreadID); err != nil {
			return nil, 0, fmt.Errorf("telegram: thread id %q: %w", to.ThreadID, err)
		}
	}
	return &tele.Chat{ID: id}, thread, nil
}

func sendOptions(opt *transport.SendOptions, thread int) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: thread}
	if opt != nil {
		so.ParseMode = tele.ParseMode(opt.ParseMode)
		so.DisableWebPagePreview = opt.DisablePreview
	}
	return so
}

// SendText sends text, split across several messages when too long, and
// returns a reference to the first one.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	chat, thread, err := parseChat(to)
	if err != nil {
		return transport.MessageRef{}, err
	}
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
	}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit, mode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(opt, thread))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: strconv.Itoa(msg.ID)}
		}
	}
	return first, nil
}

// EditText replaces the text of ref; overflow goes out as new messages.
func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	to := transport.ChatTarget{Platform: transport.PlatformTelegram, ChatID: ref.ChatID, ThreadID: ref.ThreadID}
	chat, thread, err := parseChat(to)
	if err != nil {
		return err
	}
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, mode)

	stored := tele.StoredMessage{MessageID: ref.MessageID, ChatID: chat.ID}
	if _, err := a.bot.Edit(stored, chunks[0], sendOptions(opt, 0)); err != nil {
		return err
	}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, sendOptions(opt, thread)); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) == 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
