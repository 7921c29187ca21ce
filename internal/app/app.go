// Package app wires configuration, storage, the collection pipeline, the
// scheduler and the chat transport into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smmpulse/internal/client"
	"smmpulse/internal/clock"
	"smmpulse/internal/collector"
	"smmpulse/internal/config"
	"smmpulse/internal/eventbus"
	"smmpulse/internal/instagram"
	"smmpulse/internal/notifier"
	"smmpulse/internal/observability/httpserver"
	"smmpulse/internal/report"
	rtsup "smmpulse/internal/runtime/supervisor"
	"smmpulse/internal/session"
	"smmpulse/internal/storage"
	"smmpulse/internal/task/scheduler"
	kit "smmpulse/internal/transport"
	telegram "smmpulse/internal/transport/telegram/adapter"
	"smmpulse/internal/transport/telegram/router"
	logx "smmpulse/pkg/logx"
	"smmpulse/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	clk  clock.Clock
	loc  *time.Location

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.SQLite
	client  *client.Client
	coll    *collector.Collector
	sched   *scheduler.Service
	reports *report.Reporter

	// nil when telegram is not configured
	adapter *telegram.Adapter
	notif   *notifier.Service
	router  *router.Router

	// nil when http is disabled
	http *httpserver.Server

	updates chan kit.Message
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		clk:     clock.Real{},
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		updates: make(chan kit.Message, 64),
	}
	if err := a.build(cfg, root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	loc, err := scheduler.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}
	a.loc = loc

	st, err := storage.Open(mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st

	var sessions session.Store
	switch cfg.Instagram.SessionStore {
	case "sqlite":
		sessions = session.NewBlobStore(st, root.With(logx.String("comp", "session")))
	default:
		sessions = session.NewFileStore(cfg.Instagram.SessionDir, root.With(logx.String("comp", "session")))
	}

	api, err := instagram.NewHTTP(mapInstagramConfig(cfg), nil)
	if err != nil {
		return err
	}
	a.client = client.New(api, sessions, a.clk, root, mapClientConfig(cfg))

	ccfg, err := mapCollectorConfig(cfg, loc)
	if err != nil {
		return err
	}
	a.coll = collector.New(a.client, st, a.clk, root.With(logx.String("comp", "collector")), ccfg)

	a.sched, err = scheduler.New(mapSchedulerConfig(cfg), a.clk, root, a.bus)
	if err != nil {
		return err
	}
	if err := a.registerJobs(cfg); err != nil {
		return err
	}

	a.reports = report.New(st, loc, func() report.Targets {
		return mapReportTargets(a.cfgm.Get().Targets)
	})

	if cfg.Telegram.Enabled() {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
		}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.adapter = ad
		a.notif = notifier.New(mapNotifierConfig(cfg), ad, a.clk, root.With(logx.String("comp", "notifier")), a.bus)
		a.router = router.New(router.Config{OwnerChatID: cfg.Telegram.ChatID}, router.Deps{
			Sender: ad,
			Jobs:   a.sched,
			Status: a.coll,
			Audit:  st,
		}, root.With(logx.String("comp", "router")))
		a.logs.SetChatSender(a.notif)
	} else {
		a.log.Warn("telegram not configured; reports and alerts go to the log only")
	}

	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
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
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Triggers are rebuilt only on restart, but a broken one is still
		// rejected so the file on disk stays loadable.
		for _, j := range cfg.Scheduler.EffectiveJobs() {
			if _, err := mapTrigger(j); err != nil {
				return err
			}
		}
		return nil
	})

	if a.notif != nil {
		a.notif.Start(a.sup.Context())
	}
	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go0("commands.dispatch", func(c context.Context) { a.router.Run(c, a.updates) })
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.router.Commands()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	if cfg := a.cfgm.Get(); cfg.HTTP.Enabled {
		a.http = httpserver.New(mapHTTPConfig(cfg), a.sup, a.log)
		a.http.AddCheck("storage", a.store.Ping)
		a.http.AddCheck("instagram", a.loginCheck)
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.cfgm.Get().Scheduler.Enabled {
		a.sup.Go("scheduler", a.sched.Run)
		if ic := a.cfgm.Get().Scheduler.InitialCollect; ic == nil || *ic {
			if _, err := a.sched.RunManually(config.JobCollectData); err != nil && !errors.Is(err, scheduler.ErrUnknownJob) {
				a.log.Warn("initial collection not queued", logx.Err(err))
			}
		}
	} else {
		a.log.Info("scheduler disabled; jobs run only on demand")
	}

	a.startEventLoops()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("timezone", a.loc.String()),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("http", a.http != nil),
	)
	return nil
}

func (a *App) loginCheck(context.Context) error {
	if !a.client.LoggedIn() {
		return errors.New("not logged in")
	}
	return nil
}

// notify delivers through the notifier, or logs when the chat is not
// configured.
func (a *App) notify(ctx context.Context, n kit.Notification) error {
	if a.notif == nil {
		a.log.Info("notification", logx.String("key", n.Key), logx.Int("priority", int(n.Priority)), logx.String("text", n.Text))
		return nil
	}
	return a.notif.Notify(ctx, n)
}

// startEventLoops logs every bus event and turns job failures into alerts.
func (a *App) startEventLoops() {
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	failures, unsubFail := a.bus.SubscribeTypes(32, scheduler.EventJobFailed)
	a.sup.Go0("alerts.job_failed", func(c context.Context) {
		defer unsubFail()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-failures:
				if !ok {
					return
				}
				ev, ok := e.Data.(scheduler.JobEvent)
				if !ok {
					continue
				}
				if err := a.notify(c, failureAlert(ev)); err != nil {
					a.log.Warn("failure alert not queued", logx.String("job", ev.JobID), logx.Err(err))
				}
			}
		}
	})
}

func failureAlert(ev scheduler.JobEvent) kit.Notification {
	msg := ev.Error
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return kit.Notification{
		Key:      "job.failed:" + ev.JobID + ":" + msg,
		Priority: kit.PriorityAlert,
		Text:     fmt.Sprintf("Job %s failed after %s\n%s", ev.JobID, ev.Duration.Round(time.Millisecond), msg),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// The scheduler drains jobs before the supervisor context goes, so a
	// running collection can finish its writes.
	step := a.stepper(ctx)
	step("scheduler", 0, a.sched.Stop)
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("notifier", 3*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// stepper returns a runner that bounds each shutdown step. A max of 0
// leaves the step to its own deadline within ctx.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
}
