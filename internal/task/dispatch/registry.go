package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/internal/eventbus"
	"warden/internal/observability/metrics"
	logx "warden/pkg/logx"
)

// CompletionSuffix is appended to an event name to form its dispatch key.
const CompletionSuffix = "_timer_complete"

var (
	ErrNoHandler = errors.New("no completion handler registered")

	// ErrGone is wrapped by handlers when an entity the action refers to no
	// longer exists. The fire is treated as a silent no-op.
	ErrGone = errors.New("referenced entity is gone")
)

// DispatchEvent returns the key a completion handler is registered under.
func DispatchEvent(event string) string { return event + CompletionSuffix }

// Handler runs when a deferred action expires. It is invoked at most once
// per action and is never retried.
type Handler func(ctx context.Context, p Payload) error

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeGone    Outcome = "gone"
	OutcomeFailed  Outcome = "failed"
	OutcomePanic   Outcome = "panic"
	OutcomeUnknown Outcome = "unknown"
)

type FireResult struct {
	Event    string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// FiredEvent is published on the event bus after every fire.
type FiredEvent struct {
	Event    string        `json:"event"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Options struct {
	// HandlerTimeout bounds each handler call. 0 means no timeout.
	HandlerTimeout time.Duration
	Bus            eventbus.Bus
	Metrics        *metrics.Metrics
	Log            logx.Logger
}

// Registry maps dispatch events to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	timeout time.Duration
	bus     eventbus.Bus
	m       *metrics.Metrics
	log     logx.Logger
}

func NewRegistry(opt Options) *Registry {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		handlers: map[string]Handler{},
		timeout:  opt.HandlerTimeout,
		bus:      opt.Bus,
		m:        opt.Metrics,
		log:      log.With(logx.String("comp", "dispatch")),
	}
}

// Register binds h to DispatchEvent(event). Registering an empty event, a
// nil handler, or the same event twice is a wiring bug and panics.
func (r *Registry) Register(event string, h Handler) {
	event = strings.TrimSpace(event)
	if event == "" {
		panic("dispatch: empty event name")
	}
	if h == nil {
		panic("dispatch: nil handler for " + event)
	}
	key := DispatchEvent(event)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[key]; dup {
		panic("dispatch: duplicate handler for " + event)
	}
	r.handlers[key] = h
}

// Has reports whether a handler exists for the event name (not the dispatch key).
func (r *Registry) Has(event string) bool {
	r.mu.RLock()
	_, ok := r.handlers[DispatchEvent(event)]
	r.mu.RUnlock()
	return ok
}

// Events lists registered event names, sorted.
func (r *Registry) Events() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, strings.TrimSuffix(k, CompletionSuffix))
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Validate returns an error naming every event that has no handler.
func (r *Registry) Validate(events ...string) error {
	var errs []error
	for _, ev := range events {
		if !r.Has(ev) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoHandler, ev))
		}
	}
	return errors.Join(errs...)
}

// Fire invokes the handler registered under dispatchEvent exactly once.
// Panics are recovered. Errors are logged and reported, never retried.
func (r *Registry) Fire(ctx context.Context, dispatchEvent string, p Payload) FireResult {
	start := time.Now()
	event := strings.TrimSuffix(dispatchEvent, CompletionSuffix)
	res := FireResult{Event: event}
	if p.Kwargs == nil {
		p.Kwargs = Kwargs{}
	}

	r.mu.RLock()
	h := r.handlers[dispatchEvent]
	r.mu.RUnlock()

	if h == nil {
		res.Outcome = OutcomeUnknown
		res.Err = fmt.Errorf("%w: %s", ErrNoHandler, dispatchEvent)
		r.log.Error("completion dropped: no handler", logx.String("dispatch", dispatchEvent))
		r.finish(&res, start)
		return res
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				res.Outcome = OutcomePanic
				res.Err = fmt.Errorf("panic: %v", rec)
				r.log.Error("completion handler panicked", logx.String("event", event), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			}
		}()
		res.Err = h(runCtx, p)
	}()

	if res.Outcome == "" {
		switch {
		case res.Err == nil:
			res.Outcome = OutcomeOK
		case errors.Is(res.Err, ErrGone):
			res.Outcome = OutcomeGone
			r.log.Debug("completion skipped: target gone", logx.String("event", event), logx.Err(res.Err))
		default:
			res.Outcome = OutcomeFailed
			r.log.Warn("completion handler failed", logx.String("event", event), logx.Err(res.Err))
		}
	}
	r.finish(&res, start)
	return res
}

func (r *Registry) finish(res *FireResult, start time.Time) {
	res.Duration = time.Since(start)
	r.m.Fired(res.Event, string(res.Outcome))
	if r.bus == nil {
		return
	}
	ev := FiredEvent{Event: res.Event, Outcome: res.Outcome, Duration: res.Duration}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeDeferredFired, Data: ev})
}
