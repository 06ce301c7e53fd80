// Package command turns chat messages into scheduler operations.
//
// Commands are plain sentences rather than slash commands so they read the
// same on Slack and Telegram:
//
//	search for ti:"neural networks" on arXiv and PubMed every monday at 9:00
//	list searches
//	remove search 3f2a
//	pause searches / resume searches
//	help
//
// On Telegram a leading "/" (and "@botname") is accepted and stripped.
package command

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"owscholar/internal/handler"
	"owscholar/internal/query"
	"owscholar/internal/scheduler"
	"owscholar/internal/storage"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

var ErrNoSchedules = errors.New("command: no searches in this chat")

// Schedulers hands out the per-chat schedulers.
type Schedulers interface {
	// ForChat returns the running scheduler for target, creating it.
	ForChat(ctx context.Context, target transport.ChatTarget) (*scheduler.Scheduler, error)
	// Existing returns the scheduler for target without creating one.
	Existing(target transport.ChatTarget) (*scheduler.Scheduler, bool)
	// Persist saves the scheduler for target.
	Persist(ctx context.Context, target transport.ChatTarget) error
}

// TimeZoner resolves a sender's IANA zone (the Slack adapter implements it).
type TimeZoner interface {
	UserTimeZone(ctx context.Context, userID string) (string, error)
}

// Auditor receives one entry per state-changing command.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps is everything the command handlers reach into.
type Deps struct {
	Schedulers Schedulers
	Queries    *query.Registry
	// Handler builds the event handler that posts results into target.
	Handler func(target transport.ChatTarget) handler.Handler

	// TimeZones is keyed by platform; missing entries fall back to Location.
	TimeZones       map[transport.Platform]TimeZoner
	Location        *time.Location
	DefaultSchedule string
	Now             func() time.Time

	Audit   Auditor
	Timeout time.Duration
	Log     logx.Logger
}

// Request is one inbound command.
type Request struct {
	Msg   *transport.Message
	Cmd   *Command
	Args  map[string]string
	ReqID string
	Log   logx.Logger
	// Target is what state-changing commands report in the audit log.
	Target string
}

type HandlerFunc func(ctx context.Context, req *Request) (reply string, err error)

// Command is a sentence pattern and its handler. Named groups of Pattern
// become Request.Args.
type Command struct {
	Name        string
	Usage       string
	Description string
	Pattern     *regexp.Regexp
	// Mutates marks commands that get an audit entry.
	Mutates bool
	Handle  HandlerFunc
}

func (c *Command) match(text string) (map[string]string, bool) {
	m := c.Pattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	args := map[string]string{}
	for i, name := range c.Pattern.SubexpNames() {
		if name != "" && i < len(m) {
			args[name] = strings.TrimSpace(m[i])
		}
	}
	return args, true
}

// Router matches messages against its commands and replies through sender.
type Router struct {
	deps     Deps
	sender   transport.Sender
	commands []*Command
	dispatch func(ctx context.Context, req *Request) (string, error)
}

func NewRouter(deps Deps, sender transport.Sender) *Router {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	deps.Log = deps.Log.With(logx.String("comp", "command"))
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if strings.TrimSpace(deps.DefaultSchedule) == "" {
		deps.DefaultSchedule = "daily"
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	r := &Router{deps: deps, sender: sender}
	r.commands = r.builtins()
	r.dispatch = Chain(
		func(ctx context.Context, req *Request) (string, error) { return req.Cmd.Handle(ctx, req) },
		WithRequestLog(),
		WithAudit(deps.Audit),
		WithPanicRecover(),
		WithTimeout(deps.Timeout),
	)
	return r
}

// Commands lists the registered commands in help order.
func (r *Router) Commands() []*Command { return r.commands }

// MenuCommands is the Telegram command menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// normalize strips a bot mention and a Telegram-style "/cmd@bot" prefix.
// explicit reports whether the text was clearly addressed to the bot.
func normalize(msg *transport.Message) (text string, explicit bool) {
	text = strings.TrimSpace(msg.Text)
	explicit = !msg.IsGroup || msg.Platform == transport.PlatformSlack
	if strings.HasPrefix(text, "/") {
		explicit = true
		text = strings.TrimPrefix(text, "/")
		head, rest, _ := strings.Cut(text, " ")
		if at := strings.IndexByte(head, '@'); at >= 0 {
			head = head[:at]
		}
		text = strings.TrimSpace(head + " " + rest)
	}
	return text, explicit
}

// Handle answers msg. Messages that match no command get the help text,
// except for unaddressed group chatter, which is ignored.
func (r *Router) Handle(ctx context.Context, msg *transport.Message) {
	if msg == nil {
		return
	}
	text, explicit := normalize(msg)
	if text == "" {
		return
	}
	req := &Request{
		Msg:   msg,
		ReqID: uuid.NewString()[:8],
	}
	req.Log = r.deps.Log.With(
		logx.String("req", req.ReqID),
		logx.String("chat", msg.Target().Key()),
		logx.String("from", msg.FromID),
	)

	var reply string
	for _, c := range r.commands {
		args, ok := c.match(text)
		if !ok {
			continue
		}
		req.Cmd, req.Args = c, args
		var err error
		reply, err = r.dispatch(ctx, req)
		if err != nil {
			reply = "Sorry, " + msg.Mention() + ", " + userError(err)
		}
		break
	}
	if req.Cmd == nil {
		if !explicit {
			return
		}
		reply = "Sorry, " + msg.Mention() + ", I don't know about that.\n\n" + r.helpText()
	}
	if reply == "" || r.sender == nil {
		return
	}
	opt := &transport.SendOptions{DisablePreview: true}
	if _, err := r.sender.SendText(ctx, msg.Target(), reply, opt); err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
	}
}

// userError renders err for chat; internal detail stays in the log.
func userError(err error) string {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "that took too long, please try again."
	}
	return "something went wrong on my side."
}

// UserError is an error whose message is safe to show in chat.
type UserError struct {
	Msg string
	Err error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *UserError) Unwrap() error { return e.Err }

func userErrorf(err error, msg string) error { return &UserError{Msg: msg, Err: err} }
