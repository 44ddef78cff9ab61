package bulk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"warden/internal/eventbus"
	"warden/internal/observability/metrics"
	"warden/internal/task/lease"
)

func members(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestRunBreakerStopsRoleGrant(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	var granted []int64
	rep := Run(context.Background(), members(50), RunOptions{Op: "grant_role", Metrics: m, Bus: bus},
		func(_ context.Context, member int64) error {
			if member >= 10 && member <= 16 {
				return errForbidden
			}
			granted = append(granted, member)
			return nil
		})

	require.Equal(t, StopBreaker, rep.Stopped)
	require.Equal(t, 9, rep.Succeeded)
	require.Equal(t, 16, rep.Attempted)
	require.Equal(t, 7, rep.Failed)
	require.Equal(t, 50, rep.Total)
	require.ErrorIs(t, rep.Err, gobreaker.ErrOpenState)
	require.Len(t, granted, 9)
	require.Equal(t, "grant_role: 9/16 succeeded (stopped: breaker, 50 total)", rep.Summary())

	require.Equal(t, 1.0, testutil.ToFloat64(m.BulkStops.WithLabelValues("grant_role", "breaker")))
	require.Equal(t, 9.0, testutil.ToFloat64(m.BulkItems.WithLabelValues("grant_role", "ok")))

	select {
	case ev := <-events:
		require.Equal(t, eventbus.TypeBulkFinished, ev.Type)
		require.Equal(t, 16, ev.Data.(Report).Attempted)
	case <-time.After(time.Second):
		t.Fatal("no finished event")
	}
}

func TestRunBreakerResetsOnSuccess(t *testing.T) {
	t.Parallel()
	// Failing every other member never builds a streak.
	rep := Run(context.Background(), members(40), RunOptions{}, func(_ context.Context, member int64) error {
		if member%2 == 0 {
			return errNotFound
		}
		return nil
	})
	require.Equal(t, StopCompleted, rep.Stopped)
	require.Equal(t, 40, rep.Attempted)
	require.Equal(t, 20, rep.Succeeded)
	require.Equal(t, "bulk: 20/40 succeeded", rep.Summary())
}

func TestRunBreakerDisabled(t *testing.T) {
	t.Parallel()
	rep := Run(context.Background(), members(30), RunOptions{MaxConsecutiveFailures: -1},
		func(context.Context, int64) error { return errOther })
	require.Equal(t, StopCompleted, rep.Stopped)
	require.Equal(t, 30, rep.Failed)
}

func TestRunSessionThreshold(t *testing.T) {
	t.Parallel()
	s := NewSession(3, errNotFound)
	rep := Run(context.Background(), members(20), RunOptions{Session: s, MaxConsecutiveFailures: -1},
		func(_ context.Context, member int64) error {
			if member%4 == 0 {
				return errNotFound
			}
			return nil
		})
	require.Equal(t, StopThreshold, rep.Stopped)
	require.Equal(t, 12, rep.Attempted)
	require.ErrorIs(t, rep.Err, ErrThresholdExceeded)
}

func TestRunSessionUnexpectedError(t *testing.T) {
	t.Parallel()
	s := NewSession(10, errNotFound)
	rep := Run(context.Background(), members(20), RunOptions{Session: s},
		func(_ context.Context, member int64) error {
			if member == 3 {
				return errOther
			}
			return nil
		})
	require.Equal(t, StopError, rep.Stopped)
	require.Equal(t, 3, rep.Attempted)
	require.ErrorIs(t, rep.Err, errOther)
}

func TestRunStopsWhenLeaseCancelled(t *testing.T) {
	t.Parallel()
	g := lease.NewGuard(lease.Options{})
	l, err := g.Acquire(context.Background(), "guild:1", lease.RejectIfBusy())
	require.NoError(t, err)
	defer l.Release()

	rep := Run(context.Background(), members(50), RunOptions{Lease: l}, func(_ context.Context, member int64) error {
		if member == 5 {
			g.Cancel("guild:1")
		}
		return nil
	})
	require.Equal(t, StopCancelled, rep.Stopped)
	require.Equal(t, 5, rep.Attempted)
	require.NoError(t, rep.Err)
	require.False(t, g.Busy("guild:1"))
}

func TestRunLeaseCancelLetsItemInFlightFinish(t *testing.T) {
	t.Parallel()
	g := lease.NewGuard(lease.Options{})
	l, err := g.Acquire(context.Background(), "guild:1", lease.RejectIfBusy())
	require.NoError(t, err)
	defer l.Release()

	started := make(chan struct{})
	var itemErr error
	go func() {
		<-started
		g.Cancel("guild:1")
	}()
	rep := Run(context.Background(), members(3), RunOptions{Lease: l}, func(ctx context.Context, member int64) error {
		if member != 1 {
			return nil
		}
		close(started)
		select {
		case <-ctx.Done():
			itemErr = ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		return itemErr
	})
	require.NoError(t, itemErr, "item context was cancelled by the lease")
	require.Equal(t, StopCancelled, rep.Stopped)
	require.Equal(t, 1, rep.Attempted)
	require.Equal(t, 1, rep.Succeeded)
	require.Equal(t, "bulk: 1/1 succeeded (stopped: cancelled, 3 total)", rep.Summary())
}

func TestRunLeaseCancelInterruptsPacing(t *testing.T) {
	t.Parallel()
	g := lease.NewGuard(lease.Options{})
	l, err := g.Acquire(context.Background(), "guild:1", lease.RejectIfBusy())
	require.NoError(t, err)
	defer l.Release()

	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	start := time.Now()
	rep := Run(context.Background(), members(3), RunOptions{Lease: l, Limiter: lim}, func(context.Context, int64) error {
		go func() {
			time.Sleep(20 * time.Millisecond)
			g.Cancel("guild:1")
		}()
		return nil
	})
	require.Equal(t, StopCancelled, rep.Stopped)
	require.Equal(t, 1, rep.Attempted)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	rep := Run(ctx, members(10), RunOptions{}, func(_ context.Context, member int64) error {
		if member == 2 {
			cancel()
		}
		return nil
	})
	require.Equal(t, StopContext, rep.Stopped)
	require.Equal(t, 2, rep.Attempted)
	require.True(t, errors.Is(rep.Err, context.Canceled))
}

func TestRunRateLimited(t *testing.T) {
	t.Parallel()
	lim := rate.NewLimiter(rate.Every(10*time.Millisecond), 1)
	start := time.Now()
	rep := Run(context.Background(), members(5), RunOptions{Limiter: lim}, func(context.Context, int64) error { return nil })
	require.Equal(t, 5, rep.Succeeded)
	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestRunEmpty(t *testing.T) {
	t.Parallel()
	rep := Run[int64](context.Background(), nil, RunOptions{Op: "mass_ban"}, func(context.Context, int64) error {
		t.Fatal("called for no items")
		return nil
	})
	require.False(t, rep.Early())
	require.Equal(t, "mass_ban: 0/0 succeeded", rep.Summary())
}
