package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/internal/observability/metrics"
	"warden/internal/storage"
	"warden/internal/task/dispatch"
	logx "warden/pkg/logx"
)

type Options struct {
	Log     logx.Logger
	Metrics *metrics.Metrics
	// Now overrides the clock used to classify and stamp actions.
	Now func() time.Time
}

// Service accepts deferred actions and routes them to the ephemeral or the
// durable path.
type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	m     *metrics.Metrics
	now   func() time.Time
	store storage.TimerStore
	reg   *dispatch.Registry

	seq     uint64
	pending map[uint64]*ephemeralAction
	stopped bool
	fires   sync.WaitGroup
}

type ephemeralAction struct {
	action Action
	timer  *time.Timer
}

// New builds a scheduler. store may be nil, in which case only actions
// within the ephemeral threshold can be scheduled.
func New(cfg Config, store storage.TimerStore, reg *dispatch.Registry, opt Options) *Service {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		m:       opt.Metrics,
		now:     now,
		store:   store,
		reg:     reg,
		pending: map[uint64]*ephemeralAction{},
	}
}

// Apply swaps the config. Already-scheduled actions keep their path.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Schedule defers event until expiresAt.
//
// If the action is due within the ephemeral threshold it is kept in process
// and no store write happens. Otherwise one row is inserted and the returned
// Action carries the store-assigned ID. Store errors are returned wrapped and
// are not retried.
func (s *Service) Schedule(ctx context.Context, event string, expiresAt time.Time, args []any, kwargs map[string]any) (Action, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Action{}, fmt.Errorf("event name required")
	}
	if s.reg != nil && !s.reg.Has(event) {
		return Action{}, fmt.Errorf("schedule %q: %w", event, dispatch.ErrNoHandler)
	}

	s.mu.Lock()
	now := s.now()
	threshold := s.cfg.threshold()
	s.mu.Unlock()

	if !expiresAt.After(now) {
		return Action{}, fmt.Errorf("schedule %q at %s: %w", event, expiresAt.Format(time.RFC3339), ErrNotInFuture)
	}
	a := Action{
		Event:     event,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		Args:      args,
		Kwargs:    dispatch.Kwargs(kwargs),
	}
	if a.Kwargs == nil {
		a.Kwargs = dispatch.Kwargs{}
	}

	remaining := expiresAt.Sub(now)
	if remaining <= threshold {
		if err := s.scheduleEphemeral(a, remaining); err != nil {
			return Action{}, err
		}
		s.m.Scheduled(metrics.PathEphemeral)
		s.log.Debug("deferred action scheduled", logx.String("event", event), logx.String("path", metrics.PathEphemeral), logx.Duration("in", remaining))
		return a, nil
	}

	if s.store == nil {
		return Action{}, fmt.Errorf("schedule %q: %w", event, ErrNoStore)
	}
	payload, err := dispatch.EncodePayload(a.payload())
	if err != nil {
		return Action{}, fmt.Errorf("schedule %q: %w", event, err)
	}
	id, err := s.store.InsertTimer(ctx, event, expiresAt, now, payload)
	if err != nil {
		return Action{}, fmt.Errorf("persist deferred action %q: %w", event, err)
	}
	a.ID = id
	s.m.Scheduled(metrics.PathDurable)
	s.log.Debug("deferred action scheduled",
		logx.String("event", event),
		logx.String("path", metrics.PathDurable),
		logx.Int64("id", id),
		logx.Time("expires_at", expiresAt),
	)
	return a, nil
}

func (s *Service) scheduleEphemeral(a Action, after time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.seq++
	key := s.seq
	e := &ephemeralAction{action: a}
	s.pending[key] = e
	e.timer = time.AfterFunc(after, func() { s.fireEphemeral(key) })
	s.m.SetEphemeralPending(len(s.pending))
	return nil
}

func (s *Service) fireEphemeral(key uint64) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.fires.Add(1)
	s.m.SetEphemeralPending(len(s.pending))
	s.mu.Unlock()
	defer s.fires.Done()

	if s.reg == nil {
		return
	}
	s.reg.Fire(context.Background(), e.action.DispatchEvent(), e.action.payload())
}

// Pending returns the in-process actions that have not fired yet, soonest first.
func (s *Service) Pending() []Action {
	s.mu.Lock()
	out := make([]Action, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.action)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Stop discards every pending in-process action and waits (bounded by ctx)
// for handlers already running. Durable actions are untouched.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := make([]Action, 0, len(s.pending))
	for k, e := range s.pending {
		e.timer.Stop()
		dropped = append(dropped, e.action)
		delete(s.pending, k)
	}
	s.m.SetEphemeralPending(0)
	s.mu.Unlock()

	for _, a := range dropped {
		s.log.Warn("ephemeral action discarded on shutdown", logx.String("event", a.Event), logx.Time("expires_at", a.ExpiresAt))
	}

	done := make(chan struct{})
	go func() {
		s.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running handlers")
	}
}
