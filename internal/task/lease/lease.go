package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"warden/internal/eventbus"
	"warden/internal/observability/metrics"
	logx "warden/pkg/logx"
)

// DefaultCancelCommand is named in busy messages when none is configured.
const DefaultCancelCommand = "/cancel"

var ErrBusy = errors.New("operation already in progress")

// BusyError is returned when a key is held and the caller may not wait.
// It is a user-facing condition, not a fault.
type BusyError struct {
	Key           string
	CancelCommand string
}

func (e *BusyError) Error() string { return fmt.Sprintf("lease %q: %s", e.Key, ErrBusy) }

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// UserMessage is the text shown to whoever tried to start the second operation.
func (e *BusyError) UserMessage() string {
	cmd := e.CancelCommand
	if cmd == "" {
		cmd = DefaultCancelCommand
	}
	return fmt.Sprintf("Another bulk operation is already running here. Wait for it to finish, or stop it with %s.", cmd)
}

// Mode decides what Acquire does when the key is held.
type Mode struct {
	waiters int // 0 rejects immediately
}

// RejectIfBusy fails fast with *BusyError.
func RejectIfBusy() Mode { return Mode{} }

// QueueBounded lets up to n callers wait for the key; the next one is rejected.
func QueueBounded(n int) Mode {
	if n < 0 {
		n = 0
	}
	return Mode{waiters: n}
}

func (m Mode) String() string {
	if m.waiters == 0 {
		return "reject"
	}
	return "queue"
}

// Guard hands out at most one Lease per key at a time. It is process-local.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*slot

	cancelCommand string
	bus           eventbus.Bus
	m             *metrics.Metrics
	log           logx.Logger
}

type slot struct {
	sem     chan struct{} // capacity 1; a value in it means "held"
	waiters int
	holder  *Lease
}

type Options struct {
	CancelCommand string
	Bus           eventbus.Bus
	Metrics       *metrics.Metrics
	Log           logx.Logger
}

func NewGuard(opt Options) *Guard {
	cmd := strings.TrimSpace(opt.CancelCommand)
	if cmd == "" {
		cmd = DefaultCancelCommand
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{
		slots:         map[string]*slot{},
		cancelCommand: cmd,
		bus:           opt.Bus,
		m:             opt.Metrics,
		log:           log.With(logx.String("comp", "lease")),
	}
}

// Lease is proof of holding a key. Held turns false once the lease is
// released or cancelled by an operator; long loops should check it between
// steps.
type Lease struct {
	g     *Guard
	key   string
	token string

	mu       sync.Mutex
	released bool
	done     chan struct{}
}

func (l *Lease) Key() string   { return l.key }
func (l *Lease) Token() string { return l.token }

func (l *Lease) Held() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

// Done is closed when the lease is released or cancelled.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Release frees the key. Calling it more than once, or after Cancel, is a no-op.
func (l *Lease) Release() {
	if l == nil || l.g == nil {
		return
	}
	l.g.release(l)
}

func (l *Lease) markReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false
	}
	l.released = true
	close(l.done)
	return true
}

// Acquire takes key. With RejectIfBusy, or when the wait queue is full, a
// held key yields *BusyError. Otherwise the caller waits until the key is
// free or ctx ends.
func (g *Guard) Acquire(ctx context.Context, key string, mode Mode) (*Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lease key required")
	}

	g.mu.Lock()
	s := g.slots[key]
	if s == nil {
		s = &slot{sem: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	select {
	case s.sem <- struct{}{}:
		l := g.grantLocked(s, key)
		g.mu.Unlock()
		return l, nil
	default:
	}
	if s.waiters >= mode.waiters {
		g.mu.Unlock()
		g.m.Busy(mode.String())
		return nil, &BusyError{Key: key, CancelCommand: g.cancelCommand}
	}
	s.waiters++
	g.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		g.mu.Lock()
		s.waiters--
		l := g.grantLocked(s, key)
		g.mu.Unlock()
		return l, nil
	case <-ctx.Done():
		g.mu.Lock()
		s.waiters--
		g.dropIfIdleLocked(key, s)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (g *Guard) grantLocked(s *slot, key string) *Lease {
	l := &Lease{g: g, key: key, token: uuid.NewString(), done: make(chan struct{})}
	s.holder = l
	return l
}

func (g *Guard) release(l *Lease) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !l.markReleased() {
		return
	}
	s := g.slots[l.key]
	if s == nil || s.holder == nil || s.holder.token != l.token {
		return
	}
	s.holder = nil
	<-s.sem
	g.dropIfIdleLocked(l.key, s)
}

func (g *Guard) dropIfIdleLocked(key string, s *slot) {
	if s.holder == nil && s.waiters == 0 && len(s.sem) == 0 {
		delete(g.slots, key)
	}
}

// Cancel force-releases the current holder of key so the next waiter may
// proceed. The holder sees Held() == false. Reports whether anything was held.
func (g *Guard) Cancel(key string) bool {
	key = strings.TrimSpace(key)
	g.mu.Lock()
	s := g.slots[key]
	var l *Lease
	if s != nil {
		l = s.holder
	}
	g.mu.Unlock()
	if l == nil {
		return false
	}
	l.Release()
	g.log.Info("lease cancelled", logx.String("key", key))
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: eventbus.TypeLeaseCancelled, Data: key})
	}
	return true
}

// Busy reports whether key is currently held.
func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slots[strings.TrimSpace(key)]
	return s != nil && s.holder != nil
}
