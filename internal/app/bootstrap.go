package app

import (
	"errors"
	"strings"
	"time"

	"owscholar/internal/command"
	"owscholar/internal/config"
	"owscholar/internal/transport"
	"owscholar/internal/transport/slack"
	"owscholar/internal/transport/telegram"
	logx "owscholar/pkg/logx"
)

// endpoint is a configured transport. Inbound is false for send-only
// adapters (Slack without an app-level token).
type endpoint struct {
	adapter transport.Adapter
	inbound bool
}

// buildAdapters creates one adapter per configured platform.
func buildAdapters(cfg *config.Config, log logx.Logger) ([]endpoint, map[transport.Platform]command.TimeZoner, error) {
	var (
		out   []endpoint
		zones = map[transport.Platform]command.TimeZoner{}
	)
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: tok, PollTimeout: poll}, log)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, endpoint{adapter: ad, inbound: true})
	}
	if tok := strings.TrimSpace(cfg.Slack.BotToken); tok != "" {
		ad, err := slack.New(slack.Config{BotToken: tok, AppToken: strings.TrimSpace(cfg.Slack.AppToken)}, log)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, endpoint{adapter: ad, inbound: strings.TrimSpace(cfg.Slack.AppToken) != ""})
		zones[transport.PlatformSlack] = ad
	}
	if len(out) == 0 {
		return nil, nil, config.ErrNoTransport
	}
	return out, zones, nil
}

func adaptersOf(eps []endpoint) []transport.Adapter {
	out := make([]transport.Adapter, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.adapter)
	}
	return out
}

var errNoInbound = errors.New("no transport can receive commands; searches can only be managed from stored state")
