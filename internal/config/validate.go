package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks bounds and durations that do not depend on other
// packages. Driver-specific checks happen when the config is mapped.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if c.Bot.UserID < 0 {
		add(errors.New("bot.user_id must be >= 0"))
	}
	if c.Logging.Forward.RatePerSec < 0 {
		add(errors.New("logging.forward.rate_per_sec must be >= 0"))
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required for sqlite"))
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				add(errors.New("storage.dsn is required for postgres"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}
	if r := c.Redis; r != nil && r.DB < 0 {
		add(errors.New("redis.db must be >= 0"))
	}

	dur("deferred.ephemeral_threshold", c.Deferred.EphemeralThreshold)
	dur("deferred.handler_timeout", c.Deferred.HandlerTimeout)
	dur("deferred.tick_timeout", c.Deferred.TickTimeout)
	if c.Deferred.BatchSize < 0 {
		add(errors.New("deferred.batch_size must be >= 0"))
	}

	if a := c.Audit; a != nil {
		dur("audit.flush_interval", a.FlushInterval)
		if a.BatchSize < 0 || a.QueueSize < 0 || a.RatePerSec < 0 {
			add(errors.New("audit.batch_size, audit.queue_size and audit.rate_per_sec must be >= 0"))
		}
	}

	if c.Bulk.RatePerSec < 0 {
		add(errors.New("bulk.rate_per_sec must be >= 0"))
	}
	if c.Bulk.QueueWaiters < 0 {
		add(errors.New("bulk.queue_waiters must be >= 0"))
	}
	if c.Bulk.MassBanMaxFailures < 0 {
		add(errors.New("bulk.mass_ban_max_failures must be >= 0"))
	}
	if cmd := strings.TrimSpace(c.Bulk.CancelCommand); cmd != "" && !strings.HasPrefix(cmd, "/") {
		add(fmt.Errorf("bulk.cancel_command: %q must start with /", cmd))
	}

	dur("metrics.read_timeout", c.Metrics.ReadTimeout)
	dur("metrics.write_timeout", c.Metrics.WriteTimeout)

	return errors.Join(errs...)
}
