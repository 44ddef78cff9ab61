package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"warden/internal/eventbus"
	"warden/internal/observability/metrics"
	"warden/internal/task/lease"
	logx "warden/pkg/logx"
)

// DefaultMaxConsecutiveFailures is the local breaker limit for bulk loops.
const DefaultMaxConsecutiveFailures = 6

type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopBreaker   StopReason = "breaker"
	StopThreshold StopReason = "threshold"
	StopCancelled StopReason = "cancelled"
	StopContext   StopReason = "context"
	StopError     StopReason = "error"
)

type RunOptions struct {
	// Op names the operation in logs, metrics and the finished event.
	Op string

	// Lease, when set, is checked before every item. Cancelling it through
	// the guard stops the loop.
	Lease   *lease.Lease
	Limiter *rate.Limiter

	// MaxConsecutiveFailures trips the breaker once exceeded. Zero means the
	// default; a negative value disables the breaker.
	MaxConsecutiveFailures int

	// Session, when set, also counts failures across the whole run and stops
	// it at the session threshold or on an unexpected error.
	Session *Session

	Metrics *metrics.Metrics
	Log     logx.Logger
	Bus     eventbus.Bus
}

type Report struct {
	ID        string
	Op        string
	Total     int
	Attempted int
	Succeeded int
	Failed    int
	Stopped   StopReason
	Err       error
	Duration  time.Duration
}

// Early reports whether the loop ended before visiting every item.
func (r Report) Early() bool { return r.Stopped != StopCompleted }

// Summary is a one-line result suitable for replying to the operator. An
// early stop reports successes over attempted items, not over the total.
func (r Report) Summary() string {
	if !r.Early() {
		return fmt.Sprintf("%s: %d/%d succeeded", r.Op, r.Succeeded, r.Total)
	}
	return fmt.Sprintf("%s: %d/%d succeeded (stopped: %s, %d total)",
		r.Op, r.Succeeded, r.Attempted, r.Stopped, r.Total)
}

// Run applies fn to each item in order and stops early when the breaker
// trips, the session gives up, the lease is cancelled, or ctx ends. It never
// returns an error; the reason and any terminal error are in the Report.
func Run[T any](ctx context.Context, items []T, opt RunOptions, fn func(ctx context.Context, item T) error) Report {
	start := time.Now()
	op := opt.Op
	if op == "" {
		op = "bulk"
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	runID := uuid.NewString()
	log = log.With(logx.String("comp", "bulk"), logx.String("op", op), logx.String("run", runID))

	// A cancelled lease interrupts the pacing wait only; the item in flight
	// keeps ctx and finishes before the Held check ends the loop.
	waitCtx := ctx
	if opt.Lease != nil && opt.Limiter != nil {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-opt.Lease.Done():
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	limit := opt.MaxConsecutiveFailures
	if limit == 0 {
		limit = DefaultMaxConsecutiveFailures
	}
	var cb *gobreaker.CircuitBreaker
	if limit > 0 {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: op,
			// Never half-open within a run; an open breaker ends it.
			Timeout: 24 * time.Hour,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures > uint32(limit)
			},
		})
	}

	rep := Report{ID: runID, Op: op, Total: len(items), Stopped: StopCompleted}
	stop := func(reason StopReason, err error) {
		rep.Stopped = reason
		rep.Err = err
	}

	for i, item := range items {
		if opt.Lease != nil && !opt.Lease.Held() {
			stop(StopCancelled, nil)
			break
		}
		if err := ctx.Err(); err != nil {
			stop(StopContext, err)
			break
		}
		if opt.Limiter != nil {
			if err := opt.Limiter.Wait(waitCtx); err != nil {
				if opt.Lease != nil && !opt.Lease.Held() {
					stop(StopCancelled, nil)
				} else {
					stop(StopContext, err)
				}
				break
			}
		}

		rep.Attempted++
		itemErr := execute(cb, func() error { return fn(ctx, item) })
		if itemErr == nil {
			rep.Succeeded++
			opt.Metrics.BulkItem(op, "ok")
		} else {
			rep.Failed++
			opt.Metrics.BulkItem(op, "failed")
			log.Debug("bulk item failed", logx.Int("index", i), logx.Err(itemErr))
		}

		if opt.Session != nil {
			if err := opt.Session.Record(itemErr); err != nil {
				if errors.Is(err, ErrThresholdExceeded) {
					stop(StopThreshold, err)
				} else {
					stop(StopError, err)
				}
				break
			}
		}
		if cb != nil && cb.State() == gobreaker.StateOpen {
			stop(StopBreaker, fmt.Errorf("%w after %d consecutive failures: %v", gobreaker.ErrOpenState, limit+1, itemErr))
			break
		}
	}

	rep.Duration = time.Since(start)
	if rep.Early() {
		opt.Metrics.BulkStop(op, string(rep.Stopped))
		log.Warn("bulk operation stopped early",
			logx.String("reason", string(rep.Stopped)),
			logx.Int("attempted", rep.Attempted),
			logx.Int("succeeded", rep.Succeeded),
			logx.Int("total", rep.Total),
			logx.Err(rep.Err),
		)
	} else {
		log.Info("bulk operation finished",
			logx.Int("succeeded", rep.Succeeded),
			logx.Int("failed", rep.Failed),
			logx.Int("total", rep.Total),
			logx.Duration("took", rep.Duration),
		)
	}
	if opt.Bus != nil {
		opt.Bus.Publish(eventbus.Event{Type: eventbus.TypeBulkFinished, Time: time.Now(), Data: rep})
	}
	return rep
}

func execute(cb *gobreaker.CircuitBreaker, call func() error) error {
	if cb == nil {
		return call()
	}
	var itemErr error
	_, err := cb.Execute(func() (interface{}, error) {
		itemErr = call()
		return nil, itemErr
	})
	if itemErr == nil && err != nil {
		// Rejected by an open breaker; the item never ran.
		return err
	}
	return itemErr
}
