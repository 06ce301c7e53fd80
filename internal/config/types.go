package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Slack     SlackConfig     `json:"slack"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Providers ProvidersConfig `json:"providers"`
	Debug     DebugConfig     `json:"debug"`
}

// TelegramConfig enables the Telegram transport when Token is set.
type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// SlackConfig enables the Slack transport when BotToken is set. Socket Mode
// (inbound commands) also needs an app-level token.
type SlackConfig struct {
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards WARN+ lines to an operator chat.
//
//	"chat": { "enabled": true, "platform": "telegram", "chat_id": "-1001234", "min_level": "warn" }
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Platform   string `json:"platform"`
	ChatID     string `json:"chat_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls every per-chat search scheduler.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s"
//   - fire_timeout: "2m"
//   - timezone: local
//   - default_schedule: "daily"
//   - only_new: true
type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	FireTimeout     string `json:"fire_timeout,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	DefaultSchedule string `json:"default_schedule,omitempty"`
	// OnlyNew suppresses publications already posted to the same chat.
	OnlyNew *bool `json:"only_new,omitempty"`
	// SeenWindow is how long a posted publication stays suppressed.
	SeenWindow string `json:"seen_window,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
// If the section is omitted the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DebugConfig controls the status/pprof HTTP endpoint. Off by default.
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060" }
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects where schedules, audit entries and seen markers live.
//
//	"storage": { "driver": "sqlite", "path": "./owscholar.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type ProvidersConfig struct {
	Arxiv  ArxivConfig  `json:"arxiv"`
	PubMed PubMedConfig `json:"pubmed"`
}

type ArxivConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type PubMedConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Tool       string `json:"tool,omitempty"`
	Email      string `json:"email,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// OnlyNewOrDefault reports the effective only_new setting.
func (s SchedulerConfig) OnlyNewOrDefault() bool {
	return s.OnlyNew == nil || *s.OnlyNew
}

func (s SchedulerConfig) DefaultScheduleOrDaily() string {
	if v := strings.TrimSpace(s.DefaultSchedule); v != "" {
		return v
	}
	return "daily"
}

// Location resolves the configured timezone (local when empty).
func (s SchedulerConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(s.Timezone)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

var ErrNoTransport = errors.New("config: neither telegram.token nor slack.bot_token is set")

// Validate checks everything that can be checked without network access.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" && strings.TrimSpace(cfg.Slack.BotToken) == "" {
		errs = append(errs, ErrNoTransport)
	}
	durations := map[string]string{
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"scheduler.poll_interval":  cfg.Scheduler.PollInterval,
		"scheduler.fire_timeout":   cfg.Scheduler.FireTimeout,
		"scheduler.seen_window":    cfg.Scheduler.SeenWindow,
		"providers.arxiv.timeout":  cfg.Providers.Arxiv.Timeout,
		"providers.pubmed.timeout": cfg.Providers.PubMed.Timeout,
		"debug.read_timeout":       cfg.Debug.ReadTimeout,
		"debug.idle_timeout":       cfg.Debug.IdleTimeout,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.send_timeout"] = n.SendTimeout
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	if s := cfg.Storage; s != nil {
		durations["storage.busy_timeout"] = s.BusyTimeout
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := cfg.Scheduler.Location(); err != nil {
		errs = append(errs, err)
	}
	if c := cfg.Logging.Chat; c.Enabled {
		switch c.Platform {
		case "telegram", "slack":
		default:
			errs = append(errs, fmt.Errorf("logging.chat.platform: unknown platform %q", c.Platform))
		}
		if strings.TrimSpace(c.ChatID) == "" {
			errs = append(errs, errors.New("logging.chat.chat_id: required when enabled"))
		}
	}
	return errors.Join(errs...)
}
