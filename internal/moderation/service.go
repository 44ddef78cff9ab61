package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"warden/internal/audit"
	"warden/internal/eventbus"
	"warden/internal/observability/metrics"
	"warden/internal/task/bulk"
	"warden/internal/task/lease"
	"warden/internal/task/scheduler"
	logx "warden/pkg/logx"
)

// Scheduler is the part of scheduler.Service moderation needs.
type Scheduler interface {
	Schedule(ctx context.Context, event string, expiresAt time.Time, args []any, kwargs map[string]any) (scheduler.Action, error)
}

// Recorder is the part of audit.Ledger moderation needs.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (audit.Case, error)
}

type Config struct {
	// MaxConsecutiveFailures trips the bulk breaker; 0 means bulk's default.
	MaxConsecutiveFailures int
	// RatePerSec paces bulk loops; 0 means unpaced.
	RatePerSec float64
	// MassBanMaxFailures is used when a request does not set its own.
	MassBanMaxFailures int
	// QueueWaiters lets that many mass bans wait for a busy guild instead
	// of being rejected.
	QueueWaiters int
}

type Deps struct {
	Platform  Platform
	Ledger    Recorder
	Scheduler Scheduler
	Guard     *lease.Guard
	Metrics   *metrics.Metrics
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

type Service struct {
	p     Platform
	cases Recorder
	sched Scheduler
	guard *lease.Guard
	m     *metrics.Metrics
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Platform == nil || d.Ledger == nil || d.Scheduler == nil || d.Guard == nil {
		return nil, errors.New("moderation: platform, ledger, scheduler and guard are required")
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		p:     d.Platform,
		cases: d.Ledger,
		sched: d.Scheduler,
		guard: d.Guard,
		m:     d.Metrics,
		bus:   d.Bus,
		log:   log.With(logx.String("comp", "moderation")),
		now:   now,
		cfg:   withDefaults(cfg),
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.MassBanMaxFailures <= 0 {
		cfg.MassBanMaxFailures = 5
	}
	return cfg
}

// Apply swaps the bulk settings. Operations already running keep theirs.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = withDefaults(cfg)
	s.mu.Unlock()
}

// Config returns the bulk settings currently in effect.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// GuildKey is the lease key for guild-wide bulk operations.
func GuildKey(guildID int64) string { return "guild:" + strconv.FormatInt(guildID, 10) }

// Cancel stops whatever bulk operation currently holds the guild.
func (s *Service) Cancel(guildID int64) bool {
	return s.guard.Cancel(GuildKey(guildID))
}

func (s *Service) runOptions(op string, l *lease.Lease) bulk.RunOptions {
	cfg := s.Config()
	opt := bulk.RunOptions{
		Op:                     op,
		Lease:                  l,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Metrics:                s.m,
		Log:                    s.log,
		Bus:                    s.bus,
	}
	if cfg.RatePerSec > 0 {
		opt.Limiter = newLimiter(cfg.RatePerSec)
	}
	return opt
}

func notFound(what string, id int64, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, err)
	}
	return fmt.Errorf("resolve %s %d: %w", what, id, err)
}
