// Package app wires the habitbot runtime: storage, reminder delivery, the
// beat runner, the task engine, the ops server and the optional bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"habitbot/internal/beat"
	"habitbot/internal/config"
	"habitbot/internal/eventbus"
	"habitbot/internal/notifier"
	"habitbot/internal/observability/metrics"
	"habitbot/internal/observability/ops"
	"habitbot/internal/reminder"
	rtsup "habitbot/internal/runtime/supervisor"
	"habitbot/internal/schedule"
	"habitbot/internal/storage"
	"habitbot/internal/task/engine"
	"habitbot/internal/transport/bot"
	"habitbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	notif   *notifier.Telegram
	engine  *engine.Service
	beat    *beat.Service
	metrics *metrics.Collector
	ops     *ops.Service
	bot     *bot.Bot

	dispatcher *reminder.Dispatcher

	rec atomic.Pointer[reminder.Reconciler]

	closeOnce sync.Once
}

// New loads the config and builds every component without starting
// background work. One-shot commands use it directly and call Close.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	// The log sink needs the notifier and the notifier needs a logger.
	var notif *notifier.Telegram
	sink := func(ctx context.Context, chatID, text string) error {
		if notif == nil {
			return errors.New("notifier not ready")
		}
		return notif.LogSink()(ctx, chatID, text)
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), sink)
	notif = notifier.NewTelegram(ncfg, log.With(logx.String("comp", "notifier")))

	a := &App{
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		notif:   notif,
		metrics: metrics.New(),
	}
	if err := a.build(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver))
	if sc.Driver == "memory" || sc.Driver == "mem" {
		a.log.Warn("memory storage: registry and habits are lost on exit")
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, a.log.With(logx.String("comp", "taskengine")), a.bus)

	beatCfg, err := mapBeatConfig(cfg)
	if err != nil {
		return err
	}
	a.beat = beat.New(beatCfg, st, a.engine, a.log.With(logx.String("comp", "beat")), a.bus)

	a.dispatcher = reminder.NewDispatcher(st, a.notif, a.log.With(logx.String("comp", "reminder")), a.bus)
	a.beat.Register(schedule.DispatchTask, a.dispatcher.Job())
	a.rec.Store(a.newReconciler(cfg))

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(opsCfg, a.metrics.Handler(), a.ready, a.log.With(logx.String("comp", "ops")))

	if cfg.Telegram.BotEnabled {
		bc, err := mapBotConfig(cfg)
		if err != nil {
			return err
		}
		b, err := bot.New(bc, a.log.With(logx.String("comp", "telegram.bot")))
		if err != nil {
			return err
		}
		a.bot = b
	}
	return nil
}

func (a *App) newReconciler(cfg *config.Config) *reminder.Reconciler {
	adapter := schedule.NewAdapter(a.store,
		schedule.WithLegacyIntervalEntries(cfg.Scheduler.LegacyIntervalEntries),
		schedule.WithLogger(a.log.With(logx.String("comp", "schedule"))),
	)
	return reminder.NewReconciler(
		schedule.NewInterpreter(schedulerTimezone(cfg)),
		adapter,
		a.store,
		a.log.With(logx.String("comp", "reconcile")),
		a.bus,
	)
}

// ready backs /readyz: the last beat sync must have succeeded.
func (a *App) ready() error {
	if a.beat == nil || !a.beat.Enabled() {
		return nil
	}
	snap := a.beat.Snapshot()
	if snap.LastSyncErr != "" {
		return fmt.Errorf("beat sync: %s", snap.LastSyncErr)
	}
	if snap.LastSync.IsZero() {
		return errors.New("beat has not synced yet")
	}
	return nil
}

func (a *App) Logger() logx.Logger              { return a.log }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Dispatcher() *reminder.Dispatcher { return a.dispatcher }
func (a *App) Reconciler() *reminder.Reconciler { return a.rec.Load() }
func (a *App) Beat() *beat.Service              { return a.beat }
func (a *App) Metrics() *metrics.Collector      { return a.metrics }
func (a *App) Bus() eventbus.Bus                { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.sup.Go("metrics.collect", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.startEventLog()

	if cfg.Scheduler.ReconcileOnStart {
		rep, err := a.Reconciler().ResyncAll(c)
		fields := []logx.Field{
			logx.Int("reconciled", rep.Reconciled),
			logx.Int("removed", rep.Removed),
			logx.Int("failed", len(rep.Failed)),
		}
		if err != nil {
			a.log.Warn("startup reconcile incomplete", append(fields, logx.Err(err))...)
		} else {
			a.log.Info("startup reconcile done", fields...)
		}
	}

	// Engine first so the first beat firing has workers.
	if a.engine.Enabled() {
		a.engine.Start(c)
	}
	if a.beat.Enabled() {
		a.beat.Start(c)
	}
	a.ops.Start(c)
	if a.bot != nil {
		a.bot.Start(c)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("beat", a.beat.Enabled()),
		logx.Bool("bot", a.bot != nil),
		logx.Bool("legacy_interval_entries", cfg.Scheduler.LegacyIntervalEntries),
	)
	return nil
}

func (a *App) startEventLog() {
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
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RequiresRestart(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		ncfg.Token = oldCfg.Telegram.Token
		ncfg.BaseURL = strings.TrimSpace(oldCfg.Telegram.BaseURL)
		a.notif.Apply(ncfg)
	}

	a.rec.Store(a.newReconciler(newCfg))

	prevEng, prevBeat := a.engine.Enabled(), a.beat.Enabled()
	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}
	if bc, err := mapBeatConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.beat.Apply(bc)
	}

	// Beat stops before the engine; the engine starts before beat.
	if prevBeat && !a.beat.Enabled() {
		a.log.Info("beat disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.beat.Stop(stopCtx)
		cancel()
	}
	if prevEng && !a.engine.Enabled() {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && a.engine.Enabled() {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevBeat && a.beat.Enabled() {
		a.log.Info("beat enabled via config")
		a.beat.Start(c)
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("bot", 2*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("beat", 2*time.Second, func(c context.Context) error { a.beat.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.Close()
}

// Close releases the store and the logging service. It is idempotent.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.store != nil {
			err = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return err
}
