package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warden/internal/storage"
	"warden/internal/task/dispatch"
)

// countingStore wraps the memory store and counts timer writes.
type countingStore struct {
	storage.Store

	mu      sync.Mutex
	inserts int
	failErr error
}

func (c *countingStore) InsertTimer(ctx context.Context, event string, expiresAt, createdAt time.Time, payload []byte) (int64, error) {
	c.mu.Lock()
	c.inserts++
	fail := c.failErr
	c.mu.Unlock()
	if fail != nil {
		return 0, fail
	}
	return c.Store.InsertTimer(ctx, event, expiresAt, createdAt, payload)
}

func (c *countingStore) Inserts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inserts
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, events ...string) (*Service, *countingStore, *dispatch.Registry, *fixedClock, chan dispatch.Payload) {
	t.Helper()
	reg := dispatch.NewRegistry(dispatch.Options{})
	fired := make(chan dispatch.Payload, 16)
	for _, ev := range events {
		reg.Register(ev, func(ctx context.Context, p dispatch.Payload) error {
			fired <- p
			return nil
		})
	}
	st := &countingStore{Store: storage.NewMemory()}
	clock := &fixedClock{t: t0}
	svc := New(Config{}, st, reg, Options{Now: clock.Now})
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc, st, reg, clock, fired
}

func TestScheduleEphemeralWritesNothing(t *testing.T) {
	t.Parallel()
	svc, st, _, _, fired := newTestScheduler(t, "temp_role")

	a, err := svc.Schedule(context.Background(), "temp_role", t0.Add(30*time.Millisecond), nil, map[string]any{"role_id": int64(5)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if a.Durable() || a.ID != 0 {
		t.Fatalf("expected ephemeral action, got %+v", a)
	}
	if got := len(svc.Pending()); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	select {
	case p := <-fired:
		if id, _ := p.Kwargs.Int64("role_id"); id != 5 {
			t.Fatalf("role_id = %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ephemeral action did not fire")
	}
	if st.Inserts() != 0 {
		t.Fatalf("store writes = %d, want 0", st.Inserts())
	}
	if got := len(svc.Pending()); got != 0 {
		t.Fatalf("Pending after fire = %d", got)
	}
}

func TestScheduleThresholdBoundary(t *testing.T) {
	t.Parallel()
	svc, st, _, _, _ := newTestScheduler(t, "mute")

	// Exactly at the threshold stays in process.
	a, err := svc.Schedule(context.Background(), "mute", t0.Add(DefaultEphemeralThreshold), nil, nil)
	if err != nil || a.Durable() {
		t.Fatalf("at threshold: %+v, %v", a, err)
	}
	b, err := svc.Schedule(context.Background(), "mute", t0.Add(DefaultEphemeralThreshold+time.Second), nil, nil)
	if err != nil || !b.Durable() {
		t.Fatalf("past threshold: %+v, %v", b, err)
	}
	if st.Inserts() != 1 {
		t.Fatalf("store writes = %d, want 1", st.Inserts())
	}
}

func TestScheduleDurableInsertsOnce(t *testing.T) {
	t.Parallel()
	svc, st, _, _, _ := newTestScheduler(t, "scheduled_ban")

	a, err := svc.Schedule(context.Background(), "scheduled_ban", t0.Add(600*time.Second), nil, map[string]any{"guild_id": 42, "user_id": 7})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if a.ID == 0 || !a.ExpiresAt.Equal(t0.Add(600*time.Second)) {
		t.Fatalf("unexpected action %+v", a)
	}
	if a.DispatchEvent() != "scheduled_ban_timer_complete" {
		t.Fatalf("DispatchEvent = %q", a.DispatchEvent())
	}
	if st.Inserts() != 1 {
		t.Fatalf("store writes = %d, want 1", st.Inserts())
	}
	if n, _ := st.CountTimers(context.Background()); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestScheduleDurableThenReconcile(t *testing.T) {
	t.Parallel()
	svc, st, reg, clock, fired := newTestScheduler(t, "scheduled_ban")
	ctx := context.Background()

	if _, err := svc.Schedule(ctx, "scheduled_ban", t0.Add(600*time.Second), nil, map[string]any{"guild_id": 42, "user_id": 7}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	rec := NewReconciler(ReconcilerConfig{}, st, reg, Options{Now: clock.Now})
	rep, err := rec.Tick(ctx, t0.Add(599*time.Second))
	if err != nil || rep.Due != 0 {
		t.Fatalf("early tick: %+v, %v", rep, err)
	}

	clock.Set(t0.Add(600 * time.Second))
	rep, err = rec.Tick(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Fired != 1 || rep.Outcomes[dispatch.OutcomeOK] != 1 {
		t.Fatalf("report = %+v", rep)
	}

	select {
	case p := <-fired:
		g, _ := p.Kwargs.Int64("guild_id")
		u, _ := p.Kwargs.Int64("user_id")
		if g != 42 || u != 7 || len(p.Kwargs) != 2 {
			t.Fatalf("kwargs = %v", p.Kwargs)
		}
	default:
		t.Fatalf("handler not invoked")
	}
	select {
	case p := <-fired:
		t.Fatalf("handler invoked twice: %v", p)
	default:
	}

	rep, _ = rec.Tick(ctx, clock.Now())
	if rep.Fired != 0 {
		t.Fatalf("second tick fired %d", rep.Fired)
	}
}

func TestScheduleStoreErrorPropagates(t *testing.T) {
	t.Parallel()
	svc, st, _, _, _ := newTestScheduler(t, "scheduled_ban")
	boom := errors.New("database is locked")
	st.failErr = boom

	_, err := svc.Schedule(context.Background(), "scheduled_ban", t0.Add(time.Hour), nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestScheduleRejects(t *testing.T) {
	t.Parallel()
	svc, _, _, _, _ := newTestScheduler(t, "mute")
	ctx := context.Background()

	if _, err := svc.Schedule(ctx, "mute", t0, nil, nil); !errors.Is(err, ErrNotInFuture) {
		t.Fatalf("now: err = %v", err)
	}
	if _, err := svc.Schedule(ctx, "mute", t0.Add(-time.Second), nil, nil); !errors.Is(err, ErrNotInFuture) {
		t.Fatalf("past: err = %v", err)
	}
	if _, err := svc.Schedule(ctx, "unknown", t0.Add(time.Hour), nil, nil); !errors.Is(err, dispatch.ErrNoHandler) {
		t.Fatalf("unknown: err = %v", err)
	}
	if _, err := svc.Schedule(ctx, "mute", t0.Add(time.Hour), nil, map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatalf("unencodable payload accepted")
	}
}

func TestScheduleDurableWithoutStore(t *testing.T) {
	t.Parallel()
	reg := dispatch.NewRegistry(dispatch.Options{})
	reg.Register("mute", func(context.Context, dispatch.Payload) error { return nil })
	svc := New(Config{}, nil, reg, Options{Now: func() time.Time { return t0 }})
	defer svc.Stop(context.Background())

	if _, err := svc.Schedule(context.Background(), "mute", t0.Add(time.Hour), nil, nil); !errors.Is(err, ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestStopDiscardsEphemeral(t *testing.T) {
	t.Parallel()
	svc, _, _, _, fired := newTestScheduler(t, "temp_role")

	if _, err := svc.Schedule(context.Background(), "temp_role", t0.Add(100*time.Millisecond), nil, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	svc.Stop(context.Background())

	if got := len(svc.Pending()); got != 0 {
		t.Fatalf("Pending after Stop = %d", got)
	}
	select {
	case <-fired:
		t.Fatalf("discarded action fired")
	case <-time.After(250 * time.Millisecond):
	}
	if _, err := svc.Schedule(context.Background(), "temp_role", t0.Add(time.Second), nil, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Schedule after Stop: err = %v", err)
	}
}

func TestCustomThreshold(t *testing.T) {
	t.Parallel()
	svc, st, _, _, _ := newTestScheduler(t, "mute")
	svc.Apply(Config{EphemeralThreshold: 10 * time.Second})

	a, err := svc.Schedule(context.Background(), "mute", t0.Add(30*time.Second), nil, nil)
	if err != nil || !a.Durable() || st.Inserts() != 1 {
		t.Fatalf("a=%+v err=%v inserts=%d", a, err, st.Inserts())
	}
}
