package config

import (
	"strings"

	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

// Section names reported by SummarizeConfigChange.
const (
	SectionTelegram  = "telegram"
	SectionSlack     = "slack"
	SectionLogging   = "logging"
	SectionScheduler = "scheduler"
	SectionNotifier  = "notifier"
	SectionStorage   = "storage"
	SectionProviders = "providers"
	SectionDebug     = "debug"
)

// SummarizeConfigChange lists the top-level sections that differ and
// returns log fields describing the new values. Secrets are reported only
// as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
		)
	}
	if oldCfg.Slack != newCfg.Slack {
		changed = append(changed, SectionSlack)
		attrs = append(attrs,
			logx.Bool("slack.bot_token_set", set(newCfg.Slack.BotToken)),
			logx.Bool("slack.app_token_set", set(newCfg.Slack.AppToken)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if !sameScheduler(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, SectionScheduler)
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.default_schedule", newCfg.Scheduler.DefaultScheduleOrDaily()),
			logx.Bool("scheduler.only_new", newCfg.Scheduler.OnlyNewOrDefault()),
		)
	}
	if !samePtr(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, SectionNotifier)
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}
	if !samePtr(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs, logx.String("storage.driver", s.Driver), logx.String("storage.path", s.Path))
		}
	}
	if oldCfg.Providers != newCfg.Providers {
		changed = append(changed, SectionProviders)
		attrs = append(attrs,
			logx.Int("providers.arxiv.max_results", newCfg.Providers.Arxiv.MaxResults),
			logx.Int("providers.pubmed.max_results", newCfg.Providers.PubMed.MaxResults),
			logx.Bool("providers.pubmed.api_key_set", set(newCfg.Providers.PubMed.APIKey)),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, SectionDebug)
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", set(newCfg.Debug.Token)),
		)
	}
	return changed, attrs
}

func sameScheduler(a, b SchedulerConfig) bool {
	return a.PollInterval == b.PollInterval &&
		a.FireTimeout == b.FireTimeout &&
		a.Timezone == b.Timezone &&
		a.DefaultSchedule == b.DefaultSchedule &&
		a.SeenWindow == b.SeenWindow &&
		a.OnlyNewOrDefault() == b.OnlyNewOrDefault()
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RequiresRestart filters changed down to the sections that are only read
// at startup. Logging, notifier and debug changes are applied live.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionTelegram, SectionSlack, SectionStorage, SectionProviders, SectionScheduler:
			out = append(out, s)
		}
	}
	return out
}

// ToLogx converts the logging section into the logx service config.
func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Chat: logx.ChatConfig{
			Enabled: c.Chat.Enabled,
			Target: transport.ChatTarget{
				Platform: transport.Platform(c.Chat.Platform),
				ChatID:   c.Chat.ChatID,
				ThreadID: c.Chat.ThreadID,
			},
			MinLevel:   c.Chat.MinLevel,
			RatePerSec: c.Chat.RatePerSec,
		},
	}
}
