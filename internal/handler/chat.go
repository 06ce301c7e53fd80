package handler

import (
	"context"
	"time"

	"owscholar/internal/query"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

// Notifier delivers chat notifications (internal/notifier.Service).
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// SeenStore remembers delivered event IDs (storage.Store dedup API).
type SeenStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// ChatOptions configures chat handlers built by the registry.
type ChatOptions struct {
	Notifier Notifier
	Seen     SeenStore
	// SeenWindow is how long a delivered event stays suppressed.
	SeenWindow time.Duration
	Log        logx.Logger
}

// Chat posts every event to a chat target.
type Chat struct {
	target  transport.ChatTarget
	onlyNew bool
	opt     ChatOptions
}

func NewChat(target transport.ChatTarget, onlyNew bool, opt ChatOptions) *Chat {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.SeenWindow <= 0 {
		opt.SeenWindow = 90 * 24 * time.Hour
	}
	return &Chat{target: target, onlyNew: onlyNew, opt: opt}
}

// ChatFactory rebuilds chat handlers after reload.
func ChatFactory(opt ChatOptions) Factory {
	return func(spec Spec) (Handler, error) {
		return NewChat(transport.ChatTarget{
			Platform: transport.Platform(spec.Platform),
			ChatID:   spec.ChatID,
			ThreadID: spec.ThreadID,
		}, spec.OnlyNew, opt), nil
	}
}

func (h *Chat) Spec() Spec {
	return Spec{
		Kind:     KindChat,
		Platform: string(h.target.Platform),
		ChatID:   h.target.ChatID,
		ThreadID: h.target.ThreadID,
		OnlyNew:  h.onlyNew,
	}
}

func (h *Chat) Target() transport.ChatTarget { return h.target }

func (h *Chat) Handle(ctx context.Context, ev query.Event) {
	if ev == nil {
		return
	}
	log := h.opt.Log.With(logx.String("chat", h.target.Key()), logx.String("event", ev.ID()))

	seenKey := "seen:" + h.target.Key() + ":" + ev.ID()
	if h.onlyNew && h.opt.Seen != nil {
		until, ok, err := h.opt.Seen.GetDedup(ctx, seenKey)
		if err != nil {
			log.Warn("seen lookup failed", logx.Err(err))
		} else if ok && time.Now().Before(until) {
			log.Trace("event already delivered")
			return
		}
	}

	if h.opt.Notifier == nil {
		log.Warn("no notifier configured; event dropped")
		return
	}
	text, mode := Format(h.target.Platform, ev)
	if err := h.opt.Notifier.Notify(ctx, transport.Notification{
		Target:  h.target,
		Text:    text,
		Options: &transport.SendOptions{ParseMode: mode},
	}); err != nil {
		log.Warn("notify failed", logx.Err(err))
		return
	}

	if h.onlyNew && h.opt.Seen != nil {
		if err := h.opt.Seen.PutDedup(ctx, seenKey, time.Now().Add(h.opt.SeenWindow)); err != nil {
			log.Warn("seen record failed", logx.Err(err))
		}
	}
}
