package config

import (
	"reflect"
	"strings"

	logx "warden/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets (DSN, Redis
// password, metrics token) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Bot != newCfg.Bot {
		changed = append(changed, "bot")
		attrs = append(attrs, logx.Int64("bot.user_id", newCfg.Bot.UserID))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		s := newCfg.Storage
		if s == nil {
			s = &StorageConfig{}
		}
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.String("storage.path", strings.TrimSpace(s.Path)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(s.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		r := newCfg.Redis
		if r == nil {
			r = &RedisConfig{}
		}
		attrs = append(attrs,
			logx.String("redis.addr", strings.TrimSpace(r.Addr)),
			logx.Int("redis.db", r.DB),
			logx.Bool("redis.password_set", r.Password != ""),
		)
	}

	if oldCfg.Deferred != newCfg.Deferred {
		changed = append(changed, "deferred")
		attrs = append(attrs,
			logx.String("deferred.ephemeral_threshold", strings.TrimSpace(newCfg.Deferred.EphemeralThreshold)),
			logx.String("deferred.poll_schedule", strings.TrimSpace(newCfg.Deferred.PollSchedule)),
			logx.Int("deferred.batch_size", newCfg.Deferred.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Audit, newCfg.Audit) {
		changed = append(changed, "audit")
		enabled := newCfg.Audit == nil || newCfg.Audit.Enabled
		attrs = append(attrs, logx.Bool("audit.enabled", enabled))
		if newCfg.Audit != nil {
			attrs = append(attrs,
				logx.String("audit.flush_interval", strings.TrimSpace(newCfg.Audit.FlushInterval)),
				logx.Int("audit.batch_size", newCfg.Audit.BatchSize),
			)
		}
	}

	if oldCfg.Bulk != newCfg.Bulk {
		changed = append(changed, "bulk")
		attrs = append(attrs,
			logx.Int("bulk.max_consecutive_failures", newCfg.Bulk.MaxConsecutiveFailures),
			logx.Any("bulk.rate_per_sec", newCfg.Bulk.RatePerSec),
			logx.Int("bulk.queue_waiters", newCfg.Bulk.QueueWaiters),
		)
	}

	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om.Enabled != nm.Enabled ||
		strings.TrimSpace(om.Addr) != strings.TrimSpace(nm.Addr) ||
		om.AllowInsecure != nm.AllowInsecure ||
		om.Pprof != nm.Pprof ||
		strings.TrimSpace(om.ReadTimeout) != strings.TrimSpace(nm.ReadTimeout) ||
		strings.TrimSpace(om.WriteTimeout) != strings.TrimSpace(nm.WriteTimeout) ||
		om.Token != nm.Token {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(nm.Token) != ""),
			logx.Bool("metrics.pprof", nm.Pprof),
		)
	}

	return changed, attrs
}
