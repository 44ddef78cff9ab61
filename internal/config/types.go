package config

// Config is the on-disk configuration. Every duration is a Go duration
// string ("500ms", "10s", "24h").
type Config struct {
	Bot      BotConfig      `json:"bot"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Redis    *RedisConfig   `json:"redis,omitempty"`
	Deferred DeferredConfig `json:"deferred"`
	Audit    *AuditConfig   `json:"audit,omitempty"`
	Bulk     BulkConfig     `json:"bulk"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type BotConfig struct {
	// UserID is recorded as moderator on cases the bot opens itself.
	UserID int64 `json:"user_id"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward mirrors WARN+ lines to the moderation log channel.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./warden.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RedisConfig moves case ID allocation to Redis so several processes can
// share one ledger. When Addr is empty the store allocates IDs itself.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// DeferredConfig controls the deferred action scheduler and reconciler.
//
// Defaults (when fields are omitted or zero):
//   - ephemeral_threshold: "120s"
//   - poll_schedule: "@every 5s"
//   - batch_size: 100
//   - handler_timeout: "0s" (no timeout)
//   - tick_timeout: "0s" (no timeout)
type DeferredConfig struct {
	EphemeralThreshold string `json:"ephemeral_threshold,omitempty"`
	PollSchedule       string `json:"poll_schedule,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	HandlerTimeout     string `json:"handler_timeout,omitempty"`
	TickTimeout        string `json:"tick_timeout,omitempty"`
}

// AuditConfig controls case notifications. If the whole section is
// omitted, notifications are enabled with defaults.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	FlushInterval string `json:"flush_interval,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

type BulkConfig struct {
	// MaxConsecutiveFailures trips the breaker after that many failures in
	// a row plus one. 0 uses the default; a negative value disables it.
	MaxConsecutiveFailures int     `json:"max_consecutive_failures,omitempty"`
	RatePerSec             float64 `json:"rate_per_sec,omitempty"`
	QueueWaiters           int     `json:"queue_waiters,omitempty"`
	CancelCommand          string  `json:"cancel_command,omitempty"`
	MassBanMaxFailures     int     `json:"mass_ban_max_failures,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
