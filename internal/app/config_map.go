package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"owscholar/internal/config"
	"owscholar/internal/notifier"
	"owscholar/internal/observability/debug"
	"owscholar/internal/query"
	"owscholar/internal/query/arxiv"
	"owscholar/internal/query/pubmed"
	"owscholar/internal/scheduler"
	"owscholar/internal/storage"
	logx "owscholar/pkg/logx"
)

// OpenStore opens the configured store. It returns a nil Store when
// storage is disabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))
	return st, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig enables the notifier with defaults when the section is
// omitted; alerts are the product, so it is never off by accident.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{Enabled: true, RetryMax: 3, DedupWindow: 10 * time.Minute}, nil
	}
	n := cfg.Notifier
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	for _, d := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.send_timeout", n.SendTimeout, &out.SendTimeout},
		{"notifier.dedup_window", n.DedupWindow, &out.DedupWindow},
	} {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

// schedulerSettings is the parsed scheduler section.
type schedulerSettings struct {
	Poll, FireTimeout, SeenWindow time.Duration
	Location                      *time.Location
	DefaultSchedule               string
	OnlyNew                       bool
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	var (
		out schedulerSettings
		err error
	)
	if out.Poll, err = config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, scheduler.DefaultPollInterval); err != nil {
		return out, err
	}
	if out.FireTimeout, err = config.ParseDurationOrDefault("scheduler.fire_timeout", sc.FireTimeout, scheduler.DefaultFireTimeout); err != nil {
		return out, err
	}
	if out.SeenWindow, err = config.ParseDurationField("scheduler.seen_window", sc.SeenWindow); err != nil {
		return out, err
	}
	if out.Location, err = sc.Location(); err != nil {
		return out, err
	}
	out.DefaultSchedule = sc.DefaultScheduleOrDaily()
	out.OnlyNew = sc.OnlyNewOrDefault()
	return out, nil
}

// buildQueries registers the literature providers.
func buildQueries(cfg *config.Config) (*query.Registry, error) {
	pc := cfg.Providers
	arxivTimeout, err := config.ParseDurationOrDefault("providers.arxiv.timeout", pc.Arxiv.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pubmedTimeout, err := config.ParseDurationOrDefault("providers.pubmed.timeout", pc.PubMed.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}

	reg := query.NewRegistry()
	reg.Register(arxiv.Name, arxiv.NewClient(arxiv.Options{
		BaseURL:    pc.Arxiv.BaseURL,
		MaxResults: pc.Arxiv.MaxResults,
		PageSize:   pc.Arxiv.PageSize,
		HTTPClient: &http.Client{Timeout: arxivTimeout},
	}).Factory())
	reg.Register(pubmed.Name, pubmed.NewClient(pubmed.Options{
		BaseURL:    pc.PubMed.BaseURL,
		APIKey:     pc.PubMed.APIKey,
		Tool:       pc.PubMed.Tool,
		Email:      pc.PubMed.Email,
		MaxResults: pc.PubMed.MaxResults,
		PageSize:   pc.PubMed.PageSize,
		HTTPClient: &http.Client{Timeout: pubmedTimeout},
	}).Factory())
	return reg, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = debug.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	return out, nil
}
