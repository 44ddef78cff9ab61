package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in process memory. It satisfies the same
// contracts as the SQL store (atomic sequence, guild-scoped lookups) but
// nothing survives a restart.
type memStore struct {
	mu sync.Mutex

	timerSeq int64
	timers   map[int64]TimerRow

	seq   map[int64]int64
	cases map[int64]map[int64]CaseRow // guild -> id -> row
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memStore{
		timers: map[int64]TimerRow{},
		seq:    map[int64]int64{},
		cases:  map[int64]map[int64]CaseRow{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) InsertTimer(ctx context.Context, event string, expiresAt, createdAt time.Time, payload []byte) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerSeq++
	id := s.timerSeq
	s.timers[id] = TimerRow{
		ID:        id,
		Event:     event,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
		Payload:   append([]byte(nil), payload...),
	}
	return id, nil
}

func (s *memStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRow, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	out := make([]TimerRow, 0, len(s.timers))
	for _, r := range s.timers {
		if !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteTimer(ctx context.Context, id int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; !ok {
		return false, nil
	}
	delete(s.timers, id)
	return true, nil
}

func (s *memStore) PendingEvents(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	seen := map[string]struct{}{}
	for _, r := range s.timers {
		seen[r.Event] = struct{}{}
	}
	s.mu.Unlock()
	out := make([]string, 0, len(seen))
	for ev := range seen {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) CountTimers(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers), nil
}

func (s *memStore) NextCaseID(ctx context.Context, guildID int64) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.seq[guildID] + 1
	for id := range s.cases[guildID] {
		if id >= next {
			next = id + 1
		}
	}
	s.seq[guildID] = next
	return next, nil
}

func (s *memStore) InsertCase(ctx context.Context, c CaseRow) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.cases[c.GuildID]
	if g == nil {
		g = map[int64]CaseRow{}
		s.cases[c.GuildID] = g
	}
	g[c.ID] = c
	return nil
}

func (s *memStore) GetCase(ctx context.Context, guildID, id int64) (CaseRow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[guildID][id]
	if !ok {
		return CaseRow{}, ErrNotFound
	}
	return c, nil
}

func (s *memStore) LatestCase(ctx context.Context, guildID int64) (CaseRow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  CaseRow
		found bool
	)
	for id, c := range s.cases[guildID] {
		if !found || id > best.ID {
			best, found = c, true
		}
	}
	if !found {
		return CaseRow{}, ErrNotFound
	}
	return best, nil
}

func (s *memStore) MaxCaseID(ctx context.Context, guildID int64) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for id := range s.cases[guildID] {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *memStore) CaseIDFloor(ctx context.Context, guildID int64) (int64, error) {
	stored, _ := s.MaxCaseID(ctx, guildID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(stored, s.seq[guildID]), nil
}

func (s *memStore) AdvanceCaseSequence(ctx context.Context, guildID, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.seq[guildID] {
		s.seq[guildID] = id
	}
	return nil
}

func (s *memStore) UpdateCaseReason(ctx context.Context, guildID, id int64, reason string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[guildID][id]
	if !ok {
		return ErrNotFound
	}
	c.Reason = reason
	c.UpdatedAt = &at
	s.cases[guildID][id] = c
	return nil
}

func (s *memStore) DeleteCase(ctx context.Context, guildID, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[guildID][id]; !ok {
		return ErrNotFound
	}
	delete(s.cases[guildID], id)
	return nil
}

func (s *memStore) ListCases(ctx context.Context, guildID int64, f CaseFilter) ([]CaseRow, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]CaseRow, 0, len(s.cases[guildID]))
	for _, c := range s.cases[guildID] {
		if f.TargetKind != "" && (c.TargetKind != f.TargetKind || c.TargetID != f.TargetID) {
			continue
		}
		if f.Kind != "" && c.Kind != f.Kind {
			continue
		}
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
