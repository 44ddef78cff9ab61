package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/observability/metrics"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// DefaultReason is stored when an action is recorded without one.
const DefaultReason = "No reason provided"

// Publisher receives every recorded case. Publish must not block; the ledger
// never waits on it and ignores what happens afterwards.
type Publisher interface {
	Publish(c Case)
}

type Options struct {
	// BotUserID is recorded as the moderator for system-initiated actions.
	BotUserID int64
	Publisher Publisher
	Metrics   *metrics.Metrics
	Log       logx.Logger
	Now       func() time.Time
}

// Ledger is the per-guild moderation case log.
type Ledger struct {
	store storage.CaseStore
	seq   storage.Sequence
	pub   Publisher
	bot   int64
	m     *metrics.Metrics
	log   logx.Logger
	now   func() time.Time
}

func NewLedger(store storage.CaseStore, seq storage.Sequence, opt Options) *Ledger {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store: store,
		seq:   seq,
		pub:   opt.Publisher,
		bot:   opt.BotUserID,
		m:     opt.Metrics,
		log:   log.With(logx.String("comp", "audit")),
		now:   now,
	}
}

// Record allocates the next case ID for the guild and stores the case. The
// record exists once Record returns, whatever the publisher does with it.
func (l *Ledger) Record(ctx context.Context, e Entry) (Case, error) {
	if e.GuildID == 0 {
		return Case{}, errors.New("record case: guild id required")
	}
	if e.Target == nil {
		return Case{}, errors.New("record case: target required")
	}
	if !e.Kind.Valid() {
		return Case{}, fmt.Errorf("record case: unknown action kind %q", e.Kind)
	}

	id, err := l.seq.NextCaseID(ctx, e.GuildID)
	if err != nil {
		return Case{}, fmt.Errorf("allocate case id for guild %d: %w", e.GuildID, err)
	}

	c := Case{
		ID:               id,
		GuildID:          e.GuildID,
		Target:           e.Target,
		ModeratorID:      e.ModeratorID,
		Reason:           strings.TrimSpace(e.Reason),
		Kind:             e.Kind,
		ActionExpiration: e.Expiration,
		CreatedAt:        l.now().UTC(),
	}
	if c.ModeratorID == 0 {
		c.ModeratorID = l.bot
	}
	if c.Reason == "" {
		c.Reason = DefaultReason
	}
	if err := l.store.InsertCase(ctx, toRow(c)); err != nil {
		return Case{}, fmt.Errorf("insert case #%d for guild %d: %w", id, e.GuildID, err)
	}

	l.m.CaseRecorded(string(c.Kind))
	l.log.Debug("case recorded",
		logx.Int64("guild", c.GuildID),
		logx.Int64("case", c.ID),
		logx.String("kind", string(c.Kind)),
	)
	if l.pub != nil {
		l.pub.Publish(c)
	}
	return c, nil
}

// Lookup returns case id of guild. A missing case yields *NotFoundError;
// any other error comes from the store.
func (l *Ledger) Lookup(ctx context.Context, guildID, id int64) (Case, error) {
	row, err := l.store.GetCase(ctx, guildID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Case{}, &NotFoundError{GuildID: guildID, CaseID: id}
	}
	if err != nil {
		return Case{}, fmt.Errorf("lookup case #%d in guild %d: %w", id, guildID, err)
	}
	return fromRow(row)
}

// MostRecent returns the guild's highest-numbered case, or ErrNoCases.
func (l *Ledger) MostRecent(ctx context.Context, guildID int64) (Case, error) {
	row, err := l.store.LatestCase(ctx, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		return Case{}, fmt.Errorf("guild %d: %w", guildID, ErrNoCases)
	}
	if err != nil {
		return Case{}, fmt.Errorf("latest case in guild %d: %w", guildID, err)
	}
	return fromRow(row)
}

func (l *Ledger) UpdateReason(ctx context.Context, guildID, id int64, reason string) (Case, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Case{}, errors.New("reason required")
	}
	err := l.store.UpdateCaseReason(ctx, guildID, id, reason, l.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return Case{}, &NotFoundError{GuildID: guildID, CaseID: id}
	}
	if err != nil {
		return Case{}, fmt.Errorf("update case #%d in guild %d: %w", id, guildID, err)
	}
	return l.Lookup(ctx, guildID, id)
}

// Delete removes a case. Only operators delete cases; nothing in the bot
// calls this on its own.
func (l *Ledger) Delete(ctx context.Context, guildID, id int64) error {
	err := l.store.DeleteCase(ctx, guildID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{GuildID: guildID, CaseID: id}
	}
	if err != nil {
		return fmt.Errorf("delete case #%d in guild %d: %w", id, guildID, err)
	}
	l.log.Info("case deleted", logx.Int64("guild", guildID), logx.Int64("case", id))
	return nil
}

// List returns the guild's cases newest first.
func (l *Ledger) List(ctx context.Context, guildID int64, f ListFilter) ([]Case, error) {
	cf := storage.CaseFilter{Kind: string(f.Kind), Limit: f.Limit}
	if f.Target != nil {
		cf.TargetKind = string(f.Target.TargetKind())
		cf.TargetID = f.Target.TargetID()
	}
	rows, err := l.store.ListCases(ctx, guildID, cf)
	if err != nil {
		return nil, fmt.Errorf("list cases in guild %d: %w", guildID, err)
	}
	out := make([]Case, 0, len(rows))
	for _, r := range rows {
		c, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func toRow(c Case) storage.CaseRow {
	return storage.CaseRow{
		GuildID:          c.GuildID,
		ID:               c.ID,
		TargetKind:       string(c.Target.TargetKind()),
		TargetID:         c.Target.TargetID(),
		ModeratorID:      c.ModeratorID,
		Reason:           c.Reason,
		Kind:             string(c.Kind),
		ActionExpiration: c.ActionExpiration,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func fromRow(r storage.CaseRow) (Case, error) {
	t, err := ParseTarget(r.TargetKind, r.TargetID)
	if err != nil {
		return Case{}, fmt.Errorf("case #%d in guild %d: %w", r.ID, r.GuildID, err)
	}
	k, err := ParseActionKind(r.Kind)
	if err != nil {
		return Case{}, fmt.Errorf("case #%d in guild %d: %w", r.ID, r.GuildID, err)
	}
	return Case{
		ID:               r.ID,
		GuildID:          r.GuildID,
		Target:           t,
		ModeratorID:      r.ModeratorID,
		Reason:           r.Reason,
		Kind:             k,
		ActionExpiration: r.ActionExpiration,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}
