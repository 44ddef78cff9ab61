package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/observability/metrics"
	"warden/internal/storage"
	"warden/internal/task/dispatch"
	logx "warden/pkg/logx"
)

const defaultBatchSize = 100

type ReconcilerConfig struct {
	// PollSchedule is parsed by ParsePollSchedule. Empty means DefaultPollSchedule.
	PollSchedule string
	BatchSize    int
	// TickTimeout bounds one tick, including every handler it fires. 0 means none.
	TickTimeout time.Duration
}

// Reconciler fires durable timers whose expiry has passed.
//
// Each due row is claimed by deleting it; only the caller whose delete
// removed the row fires its handler. A row is therefore consumed whatever
// the handler outcome, and two reconcilers sharing a database never fire the
// same row twice.
type Reconciler struct {
	cfg   ReconcilerConfig
	store storage.TimerStore
	reg   *dispatch.Registry
	log   logx.Logger
	m     *metrics.Metrics
	now   func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	c    *cron.Cron
	last TickReport
}

// TickReport summarizes one reconciliation pass.
type TickReport struct {
	At       time.Time
	Skipped  bool // a previous tick was still running
	Due      int
	Fired    int
	Lost     int // claimed by another reconciler
	Poisoned int // payload could not be decoded
	Outcomes map[dispatch.Outcome]int
}

func NewReconciler(cfg ReconcilerConfig, store storage.TimerStore, reg *dispatch.Registry, opt Options) *Reconciler {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reconciler{
		cfg:   cfg,
		store: store,
		reg:   reg,
		log:   log.With(logx.String("comp", "reconciler")),
		m:     opt.Metrics,
		now:   now,
	}
}

// ValidatePending fails if any event still waiting in the store has no
// registered handler. Run it before Start so a renamed or removed handler
// is caught at boot rather than when the row expires.
func (r *Reconciler) ValidatePending(ctx context.Context) error {
	events, err := r.store.PendingEvents(ctx)
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}
	if err := r.reg.Validate(events...); err != nil {
		return fmt.Errorf("pending deferred actions reference unregistered events: %w", err)
	}
	return nil
}

// Start begins polling on the configured schedule.
func (r *Reconciler) Start(ctx context.Context) error {
	sched, err := ParsePollSchedule(r.cfg.PollSchedule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	now := r.now()
	sched = withStartupSpread(sched, now, rand.New(rand.NewSource(now.UnixNano())))

	r.c = cron.New()
	r.c.Schedule(sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Tick(ctx, r.now()); err != nil {
			r.log.Warn("reconcile tick failed", logx.Err(err))
		}
	}))
	r.c.Start()
	r.log.Info("reconciler started", logx.String("schedule", r.cfg.PollSchedule), logx.Int("batch", r.cfg.BatchSize))
	return nil
}

// Stop halts polling and waits for a running tick, bounded by ctx.
func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("reconciler stopped")
}

// LastTick returns the report of the most recent completed tick.
func (r *Reconciler) LastTick() TickReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Tick fires every row due at now. Overlapping calls return immediately
// with Skipped set.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	rep := TickReport{At: now, Outcomes: map[dispatch.Outcome]int{}}
	if !r.running.CompareAndSwap(false, true) {
		rep.Skipped = true
		r.log.Debug("reconcile tick skipped: previous tick still running")
		return rep, nil
	}
	defer r.running.Store(false)

	if r.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TickTimeout)
		defer cancel()
	}

	for {
		rows, err := r.store.DueTimers(ctx, now, r.cfg.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("load due timers: %w", err)
		}
		rep.Due += len(rows)

		claimed := 0
		for _, row := range rows {
			ok, err := r.consume(ctx, row, &rep)
			if err != nil {
				return rep, err
			}
			if ok {
				claimed++
			}
		}
		// A short batch means the table is drained. A batch where nothing
		// could be claimed would be returned again, so stop there too.
		if len(rows) < r.cfg.BatchSize || claimed == 0 {
			break
		}
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	if rep.Due > 0 {
		r.log.Debug("reconcile tick done", logx.Int("due", rep.Due), logx.Int("fired", rep.Fired), logx.Int("lost", rep.Lost), logx.Int("poisoned", rep.Poisoned))
	}
	return rep, nil
}

func (r *Reconciler) consume(ctx context.Context, row storage.TimerRow, rep *TickReport) (bool, error) {
	ok, err := r.store.DeleteTimer(ctx, row.ID)
	if err != nil {
		return false, fmt.Errorf("claim timer %d: %w", row.ID, err)
	}
	if !ok {
		rep.Lost++
		r.m.Reconciled("lost")
		return false, nil
	}

	p, err := dispatch.DecodePayload(row.Payload)
	if err != nil {
		rep.Poisoned++
		r.m.Reconciled("poisoned")
		r.log.Error("deferred action dropped: bad payload", logx.Int64("id", row.ID), logx.String("event", row.Event), logx.Err(err))
		return true, nil
	}

	res := r.reg.Fire(ctx, dispatch.DispatchEvent(row.Event), p)
	rep.Fired++
	rep.Outcomes[res.Outcome]++
	r.m.Reconciled(string(res.Outcome))
	if late := r.now().Sub(row.ExpiresAt); late > time.Minute {
		r.log.Info("deferred action fired late", logx.Int64("id", row.ID), logx.String("event", row.Event), logx.Duration("late", late))
	}
	return true, nil
}
