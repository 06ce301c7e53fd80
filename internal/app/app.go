// Package app wires configuration, transports, storage and the per-chat
// search schedulers into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"owscholar/internal/command"
	"owscholar/internal/config"
	"owscholar/internal/eventbus"
	"owscholar/internal/handler"
	"owscholar/internal/notifier"
	"owscholar/internal/observability/debug"
	"owscholar/internal/query"
	rtsup "owscholar/internal/runtime/supervisor"
	"owscholar/internal/scheduler"
	"owscholar/internal/storage"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	endpoints []endpoint
	mux       *transport.Mux

	notif    *notifier.Service
	queries  *query.Registry
	handlers *handler.Registry
	scheds   *Registry
	router   *command.Router
	debug    *debug.Server

	started time.Time
	updates chan transport.Update
}

// Status is the document served by the debug endpoint.
type Status struct {
	Started    time.Time         `json:"started"`
	Uptime     string            `json:"uptime"`
	Schedulers []SchedulerStatus `json:"schedulers"`
	Notifier   notifier.Counters `json:"notifier"`
	Sources    []string          `json:"sources"`
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the transports, which need a logger; start
	// without a sender and attach the mux once it exists.
	logSvc, root := logx.New(cfg.Logging.ToLogx(), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	st, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg, root)
	if err != nil {
		return nil, err
	}

	eps, zones, err := buildAdapters(cfg, root)
	if err != nil {
		return nil, err
	}
	mux := transport.NewMux(adaptersOf(eps)...)
	logSvc.SetSender(mux)

	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, mux, root, bus, store)

	queries, err := buildQueries(cfg)
	if err != nil {
		return nil, err
	}

	chatOpts := handler.ChatOptions{Notifier: notif, SeenWindow: st.SeenWindow, Log: root}
	if store != nil {
		chatOpts.Seen = store
	}
	handlers := handler.NewRegistry()
	handlers.Register(handler.KindChat, handler.ChatFactory(chatOpts))

	scheds := NewRegistry(store, scheduler.Resolver{Queries: queries, Handlers: handlers}, root,
		scheduler.WithLogger(root),
		scheduler.WithBus(bus),
		scheduler.WithPollInterval(st.Poll),
		scheduler.WithFireTimeout(st.FireTimeout),
	)

	deps := command.Deps{
		Schedulers: scheds,
		Queries:    queries,
		Handler: func(target transport.ChatTarget) handler.Handler {
			return handler.NewChat(target, st.OnlyNew, chatOpts)
		},
		TimeZones:       zones,
		Location:        st.Location,
		DefaultSchedule: st.DefaultSchedule,
		Log:             root,
	}
	if store != nil {
		deps.Audit = store
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		endpoints: eps,
		mux:       mux,
		notif:     notif,
		queries:   queries,
		handlers:  handlers,
		scheds:    scheds,
		router:    command.NewRouter(deps, mux),
		updates:   make(chan transport.Update, 256),
	}
	a.debug = debug.New(dcfg, func(context.Context) any { return a.Status() }, root)
	return a, nil
}

func (a *App) Status() Status {
	return Status{
		Started:    a.started,
		Uptime:     time.Since(a.started).Truncate(time.Second).String(),
		Schedulers: a.scheds.Status(),
		Notifier:   a.notif.Counters(),
		Sources:    a.queries.Names(),
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Schedulers exposes the per-chat registry.
func (a *App) Schedulers() *Registry { return a.scheds }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	runCtx := a.sup.Context()

	a.debug.Start(runCtx)

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	inbound := 0
	for _, ep := range a.endpoints {
		p := ep.adapter.Platform()
		if !ep.inbound {
			a.log.Info("transport is send-only", logx.String("platform", string(p)))
			continue
		}
		if err := ep.adapter.Start(runCtx, a.updates); err != nil {
			return fmt.Errorf("start %s: %w", p, err)
		}
		inbound++
		if mu, ok := ep.adapter.(transport.CommandMenuUpdater); ok {
			mctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
			if err := mu.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
				a.log.Warn("menu update failed", logx.String("platform", string(p)), logx.Err(err))
			}
			cancel()
		}
	}
	if inbound == 0 {
		a.log.Warn(errNoInbound.Error())
	}

	n, b, err := a.scheds.Start(runCtx)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	a.log.Info("schedules restored", logx.Int("schedulers", n), logx.Int("bindings", b))

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("transports", len(a.endpoints)), logx.Int("inbound", inbound))
	return nil
}

// logEvent keeps frequent scheduler signals at debug level; faults are
// worth a warning.
func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type)}
	switch d := e.Data.(type) {
	case eventbus.BindingData:
		fields = append(fields, logx.String("scheduler", d.Scheduler), logx.String("binding", d.BindingID), logx.String("query", d.Query))
		if d.Err != "" {
			fields = append(fields, logx.String("err", d.Err))
		}
	case eventbus.NotifyData:
		fields = append(fields, logx.String("platform", d.Platform), logx.String("chat", d.ChatID))
		if d.Err != "" {
			fields = append(fields, logx.String("err", d.Err))
		}
	}
	if e.Type == eventbus.TopicBindingFault || e.Type == eventbus.TopicNotifyFailed {
		a.log.Warn("event", fields...)
		return
	}
	a.log.Debug("event", fields...)
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(cfg.Logging.ToLogx())

	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(sctx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if dcfg, err := mapDebugConfig(cfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Stop inbound first so no command mutates a scheduler mid-shutdown,
	// then let in-flight fires finish before their alerts are drained.
	for _, ep := range a.endpoints {
		if !ep.inbound {
			continue
		}
		p := string(ep.adapter.Platform())
		a.step(ctx, "transport."+p, 3*time.Second, ep.adapter.Stop)
	}
	a.step(ctx, "schedulers", 5*time.Second, a.scheds.StopAll)
	a.step(ctx, "schedulers.save", 2*time.Second, a.scheds.SaveAll)
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by limit (never beyond ctx). A step
// that ignores its context is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
