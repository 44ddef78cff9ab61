package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("boom", func(ctx context.Context) error { panic("bad") })

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor context not canceled after panic")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatalf("Wait returned nil, want panic error")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	var restarts atomic.Int32
	sup := NewSupervisor(context.Background(), WithRestartHook(func(string) { restarts.Add(1) }))

	var runs atomic.Int32
	done := make(chan struct{})
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("restart loop did not reach a clean run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := restarts.Load(); got != 2 {
		t.Fatalf("restarts = %d, want 2", got)
	}
	for _, st := range sup.Stats() {
		if st.Name == "flaky" && st.Restarts != 2 {
			t.Fatalf("stats restarts = %d, want 2", st.Restarts)
		}
	}
}

func TestGoIgnoresContextCanceled(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
