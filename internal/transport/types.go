package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNoAdapter = errors.New("transport: no adapter for platform")

// Platform names a chat transport.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           string
	Platform     Platform
	ChatID       string
	ThreadID     string // telegram forum topic / slack thread_ts ("" if none)
	FromID       string
	FromUsername string
	FromTimeZone string // IANA name when the platform exposes it
	Text         string
	IsGroup      bool
}

// Mention is how a reply addresses the sender.
func (m *Message) Mention() string {
	if m == nil {
		return ""
	}
	if m.Platform == PlatformSlack && m.FromID != "" {
		return "<@" + m.FromID + ">"
	}
	if m.FromUsername != "" {
		return m.FromUsername
	}
	return "there"
}

// Target returns where a reply to m should go.
func (m *Message) Target() ChatTarget {
	if m == nil {
		return ChatTarget{}
	}
	return ChatTarget{Platform: m.Platform, ChatID: m.ChatID, ThreadID: m.ThreadID}
}

type ChatTarget struct {
	Platform Platform
	ChatID   string
	ThreadID string
}

func (t ChatTarget) IsZero() bool { return strings.TrimSpace(t.ChatID) == "" }

// Key is a stable identifier for the chat channel (thread excluded).
func (t ChatTarget) Key() string {
	return string(t.Platform) + ":" + t.ChatID
}

type MessageRef struct {
	ChatID    string
	ThreadID  string
	MessageID string
}

// Text formats understood by the adapters.
const (
	ParseModeHTML     = "HTML"
	ParseModeMarkdown = "Markdown" // slack mrkdwn
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Priority int // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

type Adapter interface {
	Platform() Platform

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// Sender is the outbound half of an Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Mux routes outbound calls to the adapter registered for the target platform.
type Mux struct {
	adapters map[Platform]Adapter
}

func NewMux(adapters ...Adapter) *Mux {
	m := &Mux{adapters: map[Platform]Adapter{}}
	for _, a := range adapters {
		if a != nil {
			m.adapters[a.Platform()] = a
		}
	}
	return m
}

func (m *Mux) Adapter(p Platform) (Adapter, bool) {
	if m == nil {
		return nil, false
	}
	a, ok := m.adapters[p]
	return a, ok
}

func (m *Mux) Adapters() []Adapter {
	if m == nil {
		return nil
	}
	out := make([]Adapter, 0, len(m.adapters))
	for _, p := range []Platform{PlatformTelegram, PlatformSlack} {
		if a, ok := m.adapters[p]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (m *Mux) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	a, ok := m.Adapter(to.Platform)
	if !ok {
		return MessageRef{}, fmt.Errorf("%w %q", ErrNoAdapter, to.Platform)
	}
	return a.SendText(ctx, to, text, opt)
}
