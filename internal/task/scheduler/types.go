package scheduler

import (
	"errors"
	"time"

	"warden/internal/task/dispatch"
)

// DefaultEphemeralThreshold is the cutoff at or below which an action is
// kept in process instead of being persisted.
const DefaultEphemeralThreshold = 120 * time.Second

var (
	ErrNotInFuture = errors.New("deferred action must expire in the future")
	ErrStopped     = errors.New("scheduler stopped")
	ErrNoStore     = errors.New("durable timer store not configured")
)

type Config struct {
	EphemeralThreshold time.Duration
}

func (c Config) threshold() time.Duration {
	if c.EphemeralThreshold <= 0 {
		return DefaultEphemeralThreshold
	}
	return c.EphemeralThreshold
}

// Action is one scheduled deferred action. ID is 0 for in-process actions
// and the store-assigned row ID for durable ones.
type Action struct {
	ID        int64
	Event     string
	ExpiresAt time.Time
	CreatedAt time.Time
	Args      []any
	Kwargs    dispatch.Kwargs
}

func (a Action) DispatchEvent() string { return dispatch.DispatchEvent(a.Event) }

func (a Action) Durable() bool { return a.ID != 0 }

func (a Action) payload() dispatch.Payload {
	return dispatch.Payload{Args: a.Args, Kwargs: a.Kwargs}
}
