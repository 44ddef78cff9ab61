package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite":   SQLite database file (Path)
//   - "postgres": PostgreSQL (DSN)
//   - "memory":   process-local maps; tests and dry runs only
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TimerRow is one not-yet-fired deferred action.
type TimerRow struct {
	ID        int64
	Event     string
	ExpiresAt time.Time
	CreatedAt time.Time
	Payload   []byte
}

// CaseRow is the stored form of an audit case. Target and kind are kept as
// plain strings here; the audit package owns their typed forms.
type CaseRow struct {
	GuildID          int64
	ID               int64
	TargetKind       string
	TargetID         int64
	ModeratorID      int64
	Reason           string
	Kind             string
	ActionExpiration *time.Time
	CreatedAt        time.Time
	UpdatedAt        *time.Time
}

// CaseFilter narrows ListCases. Zero fields match everything.
type CaseFilter struct {
	TargetKind string
	TargetID   int64
	Kind       string
	Limit      int
}

type TimerStore interface {
	InsertTimer(ctx context.Context, event string, expiresAt, createdAt time.Time, payload []byte) (int64, error)
	DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRow, error)
	DeleteTimer(ctx context.Context, id int64) (bool, error)
	PendingEvents(ctx context.Context) ([]string, error)
	CountTimers(ctx context.Context) (int, error)
}

type CaseStore interface {
	InsertCase(ctx context.Context, c CaseRow) error
	GetCase(ctx context.Context, guildID, id int64) (CaseRow, error)
	LatestCase(ctx context.Context, guildID int64) (CaseRow, error)
	MaxCaseID(ctx context.Context, guildID int64) (int64, error)
	// CaseIDFloor is the highest ID the guild has been given, stored or
	// deleted: the larger of MaxCaseID and the sequence table.
	CaseIDFloor(ctx context.Context, guildID int64) (int64, error)
	// AdvanceCaseSequence raises the sequence table to at least id, so the
	// store's own NextCaseID never goes back below an ID issued elsewhere.
	AdvanceCaseSequence(ctx context.Context, guildID, id int64) error
	UpdateCaseReason(ctx context.Context, guildID, id int64, reason string, at time.Time) error
	DeleteCase(ctx context.Context, guildID, id int64) error
	ListCases(ctx context.Context, guildID int64, f CaseFilter) ([]CaseRow, error)
}

// Sequence hands out case IDs. NextCaseID must be atomic across concurrent
// callers and processes: N calls for one guild yield N distinct, strictly
// increasing values, and guilds never share a counter.
type Sequence interface {
	NextCaseID(ctx context.Context, guildID int64) (int64, error)
}

// Store is the full persistence API used by the app.
type Store interface {
	TimerStore
	CaseStore
	Sequence
	Close() error
}
