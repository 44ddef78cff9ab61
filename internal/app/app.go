package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"warden/internal/audit"
	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/moderation"
	"warden/internal/notifier"
	"warden/internal/observability/metrics"
	rtsup "warden/internal/runtime/supervisor"
	"warden/internal/storage"
	"warden/internal/task/dispatch"
	"warden/internal/task/lease"
	"warden/internal/task/scheduler"
	logx "warden/pkg/logx"
	"warden/pkg/systemd"
)

// Options carries collaborators that live outside this module.
type Options struct {
	// Platform performs moderation actions. nil means a logging dry run.
	Platform moderation.Platform
	// LogChannel receives forwarded WARN+ log lines and case notifications.
	LogChannel logx.LineSender
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	m      *metrics.Metrics
	stores Stores

	reg    *dispatch.Registry
	sched  *scheduler.Service
	guard  *lease.Guard
	notif  *notifier.Service
	ledger *audit.Ledger
	mod    *moderation.Service

	// guarded by mu; swapped on reload
	mu         sync.Mutex
	recon      *scheduler.Reconciler
	reconCfg   scheduler.ReconcilerConfig
	metricsSrv *metrics.Server
	metricsCfg metrics.ServerConfig

	stopOnce sync.Once
	stopErr  error
}

func New(ctx context.Context, cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg), opt.LogChannel)
	log = log.With(logx.String("comp", "app"))

	m := metrics.New()
	bus := eventbus.New()

	stores, err := OpenStores(ctx, cfg, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = stores.Close()
		logSvc.Close()
		return nil, err
	}

	dc, err := mapDeferredConfig(cfg)
	if err != nil {
		return fail(err)
	}
	reg := dispatch.NewRegistry(dispatch.Options{
		HandlerTimeout: dc.handlerTimeout,
		Bus:            bus,
		Metrics:        m,
		Log:            log,
	})

	// An untyped nil keeps the scheduler ephemeral-only without a store.
	var timers storage.TimerStore
	cases := stores.Store
	if stores.Store != nil {
		timers = stores.Store
	} else {
		log.Warn("storage disabled: cases are kept in memory and long deferred actions are refused")
		cases = storage.NewMemory()
	}
	sched := scheduler.New(dc.sched, timers, reg, scheduler.Options{Log: log, Metrics: m})

	var recon *scheduler.Reconciler
	if timers != nil {
		recon = scheduler.NewReconciler(dc.recon, timers, reg, scheduler.Options{Log: log, Metrics: m})
	}

	ncfg, err := mapAuditConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sinks := notifier.MultiSink{notifier.BusSink{Bus: bus}}
	if opt.LogChannel != nil {
		sinks = append(sinks, notifier.LineSink{Sender: opt.LogChannel})
	}
	notif := notifier.New(ncfg, sinks, notifier.Options{Metrics: m, Log: log})

	ledger := audit.NewLedger(cases, cases, audit.Options{
		BotUserID: cfg.Bot.UserID,
		Publisher: notif,
		Metrics:   m,
		Log:       log,
	})

	guard := lease.NewGuard(lease.Options{
		CancelCommand: cfg.Bulk.CancelCommand,
		Bus:           bus,
		Metrics:       m,
		Log:           log,
	})

	platform := opt.Platform
	if platform == nil {
		platform = newDryRunPlatform(log)
	}
	mod, err := moderation.New(mapBulkConfig(cfg), moderation.Deps{
		Platform:  platform,
		Ledger:    ledger,
		Scheduler: sched,
		Guard:     guard,
		Metrics:   m,
		Bus:       bus,
		Log:       log,
	})
	if err != nil {
		return fail(err)
	}
	mod.RegisterHandlers(reg)
	if err := reg.Validate(moderation.Events()...); err != nil {
		return fail(err)
	}

	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return fail(err)
	}

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		m:          m,
		stores:     stores,
		reg:        reg,
		sched:      sched,
		guard:      guard,
		notif:      notif,
		ledger:     ledger,
		mod:        mod,
		recon:      recon,
		reconCfg:   dc.recon,
		metricsSrv: metrics.NewServer(mcfg, m, log),
		metricsCfg: mcfg,
	}, nil
}

func (a *App) Moderation() *moderation.Service { return a.mod }
func (a *App) Ledger() *audit.Ledger           { return a.ledger }
func (a *App) Scheduler() *scheduler.Service   { return a.sched }
func (a *App) Registry() *dispatch.Registry    { return a.reg }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Metrics() *metrics.Metrics       { return a.m }
func (a *App) Logger() logx.Logger             { return a.log }

func (a *App) reconciler() *scheduler.Reconciler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recon
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
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

// Start refuses to run if stored deferred actions name an event nothing
// handles; otherwise it starts every background loop and signals readiness.
func (a *App) Start(ctx context.Context) error {
	if r := a.reconciler(); r != nil {
		vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := r.ValidatePending(vctx)
		cancel()
		if err != nil {
			return err
		}
	}

	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithRestartHook(a.m.Restarted),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if r := a.reconciler(); r != nil {
		if err := r.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	a.mu.Lock()
	a.metricsSrv.Start(a.sup.Context())
	a.mu.Unlock()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.Bool("durable", a.stores.Store != nil),
		logx.Bool("redis_sequence", a.stores.Redis != nil),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// Stop shuts components down in dependency order: no new timers fire, the
// in-process timers are discarded, queued case notifications are flushed,
// and only then is the store closed. It is safe to call more than once and
// after a failed Start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.stores.Close()
		a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("reconciler", 5*time.Second, func(c context.Context) error {
		if r := a.reconciler(); r != nil {
			r.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error {
		a.mu.Lock()
		srv := a.metricsSrv
		a.mu.Unlock()
		srv.Stop(c)
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.stores.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return errors.Join(errs...)
}
