package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"snapbot/internal/config"
	"snapbot/internal/eventbus"
	"snapbot/internal/notify"
	"snapbot/internal/observability/metrics"
	"snapbot/internal/remote"
	rtsup "snapbot/internal/runtime/supervisor"
	"snapbot/internal/snapshot"
	"snapbot/internal/storage"
	"snapbot/internal/transport"
	telegram "snapbot/internal/transport/telegram/adapter"
	"snapbot/internal/transport/telegram/router"
	"snapbot/internal/trigger"
	logx "snapbot/pkg/logx"
	"snapbot/pkg/systemd"
)

// App owns every long-lived component and their start/stop order.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	engine  *trigger.Engine
	coord   *snapshot.Coordinator
	snaps   *snapshot.Service
	notif   *notify.Service
	metrics *metrics.Server
	col     *metrics.Collector

	adapter transport.Adapter
	cmdm    *router.CommandManager

	updates chan transport.Message
}

// New loads cfgPath and builds the component graph. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	store, err := OpenStore(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	col := metrics.NewCollector(log)
	esCfg, err := mapESConfig(ctx, cfg, col.ObserveRemote)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	remotes := remote.NewESFactory(esCfg, log.With(logx.String("comp", "remote")))

	ccfg, err := mapCoordinatorConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := trigger.New(ccfg.Location, log.With(logx.String("comp", "trigger")))
	coord := snapshot.NewCoordinator(remotes, ccfg, log.With(logx.String("comp", "snapshot")), snapshot.WithEventBus(bus))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notify.New(ncfg, ad, log.With(logx.String("comp", "notify")), bus)
	snaps := snapshot.NewService(coord, engine, store, notif, log.With(logx.String("comp", "schedule")), bus)

	col.TrackGauges(
		func() int { return len(engine.Entries()) },
		func() int { return len(coord.Active()) },
	)

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, router.Options{})
	cmdm.SetRegistry(snapshot.Commands(snaps, notif))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validate)

	return &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engine,
		coord:   coord,
		snaps:   snaps,
		notif:   notif,
		metrics: metrics.NewServer(mapMetricsConfig(cfg), col, log),
		col:     col,
		adapter: ad,
		cmdm:    cmdm,
		updates: make(chan transport.Message, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.notif.Start(a.sup.Context())
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.metrics.Reconfigure(a.sup.Context(), mapMetricsConfig(cfg))
	a.engine.Start()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("metrics.events", func(c context.Context) {
		a.col.Run(c, a.bus)
	})
	a.sup.Go0("eventbus.log", a.logEvents)

	delay, _ := restoreDelay(cfg)
	a.sup.Go("schedules.restore", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-time.After(delay):
		}
		n, err := a.snaps.Restore(c)
		if err != nil {
			// A broken store leaves the bot usable for manual snapshots.
			a.log.Error("schedule restore failed", logx.Err(err))
			return nil
		}
		a.log.Info("schedules active", logx.Int("count", n))
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.Int64("broadcast_chat_id", cfg.Telegram.BroadcastChatID),
		logx.String("tz", a.engine.Location().String()),
		logx.Duration("restore_delay", delay),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes a validated config into the running components. Sections
// that need a rebuild are only reported.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		switch s {
		case "storage", "elasticsearch":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		a.log.Warn("telegram connection settings changed; restart required")
	}

	a.logs.Apply(mapLogConfig(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if ccfg, err := mapCoordinatorConfig(next); err != nil {
		a.log.Warn("invalid snapshot config; keeping previous", logx.Err(err))
	} else {
		a.coord.Apply(ccfg)
		a.engine.SetLocation(ccfg.Location)
	}

	a.metrics.Reconfigure(ctx, mapMetricsConfig(next))

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now()})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("snapshot", 2*time.Second, a.coord.Stop)
	step("metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("notify", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
