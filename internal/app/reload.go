package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/observability/metrics"
	"warden/internal/task/scheduler"
	logx "warden/pkg/logx"
)

// restartOnly sections are read once in New.
var restartOnly = []string{"bot", "storage", "redis"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest pending config matters.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					next = newer
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if slices.Contains(sections, "deferred") {
		a.applyDeferred(ctx, prev, next)
	}
	if slices.Contains(sections, "audit") {
		a.applyAudit(ctx, next)
	}
	if slices.Contains(sections, "bulk") {
		a.mod.Apply(mapBulkConfig(next))
		if strings.TrimSpace(prev.Bulk.CancelCommand) != strings.TrimSpace(next.Bulk.CancelCommand) {
			a.log.Warn("bulk.cancel_command changed; restart required for it to take effect")
		}
	}
	if slices.Contains(sections, "metrics") {
		a.applyMetrics(ctx, next)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyDeferred(ctx context.Context, prev, next *config.Config) {
	dc, err := mapDeferredConfig(next)
	if err != nil {
		a.log.Warn("invalid deferred config; keeping previous", logx.Err(err))
		return
	}
	a.sched.Apply(dc.sched)
	if strings.TrimSpace(prev.Deferred.HandlerTimeout) != strings.TrimSpace(next.Deferred.HandlerTimeout) {
		a.log.Warn("deferred.handler_timeout changed; restart required for it to take effect")
	}

	a.mu.Lock()
	old := a.recon
	same := a.reconCfg == dc.recon
	a.mu.Unlock()
	if old == nil || same {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	old.Stop(stopCtx)
	cancel()
	r := scheduler.NewReconciler(dc.recon, a.stores.Store, a.reg, scheduler.Options{Log: a.log, Metrics: a.m})
	if err := r.Start(ctx); err != nil {
		a.log.Error("reconciler restart failed; restoring previous schedule", logx.Err(err))
		a.mu.Lock()
		r = scheduler.NewReconciler(a.reconCfg, a.stores.Store, a.reg, scheduler.Options{Log: a.log, Metrics: a.m})
		a.recon = r
		a.mu.Unlock()
		_ = r.Start(ctx)
		return
	}
	a.mu.Lock()
	a.recon = r
	a.reconCfg = dc.recon
	a.mu.Unlock()
	a.log.Info("reconciler restarted", logx.String("poll_schedule", dc.recon.PollSchedule))
}

func (a *App) applyAudit(ctx context.Context, next *config.Config) {
	ncfg, err := mapAuditConfig(next)
	if err != nil {
		a.log.Warn("invalid audit config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("case notifications disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("case notifications enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) applyMetrics(ctx context.Context, next *config.Config) {
	mcfg, err := mapMetricsConfig(next)
	if err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
		return
	}
	a.mu.Lock()
	old := a.metricsSrv
	if a.metricsCfg == mcfg {
		a.mu.Unlock()
		return
	}
	srv := metrics.NewServer(mcfg, a.m, a.log)
	a.metricsSrv = srv
	a.metricsCfg = mcfg
	a.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	old.Stop(stopCtx)
	cancel()
	srv.Start(ctx)
}
