package app

import (
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"warden/internal/config"
	"warden/internal/moderation"
	"warden/internal/notifier"
	"warden/internal/observability/metrics"
	"warden/internal/storage"
	"warden/internal/task/scheduler"
	logx "warden/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    lc.Forward.Enabled,
			MinLevel:   lc.Forward.MinLevel,
			RatePerSec: lc.Forward.RatePerSec,
		},
	}
}

// mapStorageConfig returns enabled=false when no durable store is
// configured; only ephemeral actions can be scheduled in that case.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, true, nil
}

// mapRedisOptions returns nil when case IDs should come from the store.
func mapRedisOptions(cfg *config.Config) *goredis.Options {
	if cfg.Redis == nil || strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil
	}
	return &goredis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

type deferredConfig struct {
	sched          scheduler.Config
	recon          scheduler.ReconcilerConfig
	handlerTimeout time.Duration
}

func mapDeferredConfig(cfg *config.Config) (deferredConfig, error) {
	dc := cfg.Deferred
	threshold, err := config.ParseDurationOrDefault("deferred.ephemeral_threshold", dc.EphemeralThreshold, scheduler.DefaultEphemeralThreshold)
	if err != nil {
		return deferredConfig{}, err
	}
	handlerTimeout, err := config.ParseDurationField("deferred.handler_timeout", dc.HandlerTimeout)
	if err != nil {
		return deferredConfig{}, err
	}
	tickTimeout, err := config.ParseDurationField("deferred.tick_timeout", dc.TickTimeout)
	if err != nil {
		return deferredConfig{}, err
	}
	if _, err := scheduler.ParsePollSchedule(dc.PollSchedule); err != nil {
		return deferredConfig{}, err
	}
	return deferredConfig{
		sched: scheduler.Config{EphemeralThreshold: threshold},
		recon: scheduler.ReconcilerConfig{
			PollSchedule: strings.TrimSpace(dc.PollSchedule),
			BatchSize:    dc.BatchSize,
			TickTimeout:  tickTimeout,
		},
		handlerTimeout: handlerTimeout,
	}, nil
}

// mapAuditConfig treats an omitted audit section as enabled with defaults.
func mapAuditConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Audit == nil {
		return notifier.Config{Enabled: true}, nil
	}
	ac := cfg.Audit
	flush, err := config.ParseDurationField("audit.flush_interval", ac.FlushInterval)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       ac.Enabled,
		QueueSize:     ac.QueueSize,
		BatchSize:     ac.BatchSize,
		FlushInterval: flush,
		RatePerSec:    ac.RatePerSec,
	}, nil
}

func mapBulkConfig(cfg *config.Config) moderation.Config {
	return moderation.Config{
		MaxConsecutiveFailures: cfg.Bulk.MaxConsecutiveFailures,
		RatePerSec:             cfg.Bulk.RatePerSec,
		MassBanMaxFailures:     cfg.Bulk.MassBanMaxFailures,
		QueueWaiters:           cfg.Bulk.QueueWaiters,
	}
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	mc := cfg.Metrics
	read, err := config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	write, err := config.ParseDurationField("metrics.write_timeout", mc.WriteTimeout)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	return metrics.ServerConfig{
		Enabled:       mc.Enabled,
		Addr:          strings.TrimSpace(mc.Addr),
		Token:         strings.TrimSpace(mc.Token),
		AllowInsecure: mc.AllowInsecure,
		Pprof:         mc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

// ValidateConfig runs every mapper so a reload is rejected before any
// component sees it.
func ValidateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var errs []error
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDeferredConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapAuditConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapMetricsConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
