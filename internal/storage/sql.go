package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "warden/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites "?" placeholders as $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- timers ----

func (s *sqlStore) InsertTimer(ctx context.Context, event string, expiresAt, createdAt time.Time, payload []byte) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO deferred_timers(event, expires_at, created_at, payload)
		 VALUES(?,?,?,?) RETURNING id`),
		event, expiresAt.UnixMilli(), createdAt.UnixMilli(), string(payload),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert timer: %w", err)
	}
	return id, nil
}

func (s *sqlStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, event, expires_at, created_at, payload FROM deferred_timers
		 WHERE expires_at <= ? ORDER BY expires_at, id LIMIT ?`),
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due timers: %w", err)
	}
	defer rows.Close()

	out := make([]TimerRow, 0, limit)
	for rows.Next() {
		var (
			r          TimerRow
			exp, crt   int64
			payloadStr string
		)
		if err := rows.Scan(&r.ID, &r.Event, &exp, &crt, &payloadStr); err != nil {
			return nil, fmt.Errorf("scan timer row: %w", err)
		}
		r.ExpiresAt = time.UnixMilli(exp)
		r.CreatedAt = time.UnixMilli(crt)
		r.Payload = []byte(payloadStr)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timer rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeleteTimer(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM deferred_timers WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete timer %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) PendingEvents(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT event FROM deferred_timers ORDER BY event`)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ev string
		if err := rows.Scan(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountTimers(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_timers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count timers: %w", err)
	}
	return n, nil
}

// ---- cases ----

func (s *sqlStore) NextCaseID(ctx context.Context, guildID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	// Single statement: the database serializes concurrent increments. The
	// counter never drops below the stored cases, which may have been
	// numbered by another sequence.
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO case_sequences(guild_id, last_id)
		 VALUES(?, COALESCE((SELECT MAX(id) FROM cases WHERE guild_id = ?), 0) + 1)
		 ON CONFLICT(guild_id) DO UPDATE SET last_id = CASE
			WHEN case_sequences.last_id + 1 > excluded.last_id THEN case_sequences.last_id + 1
			ELSE excluded.last_id END
		 RETURNING last_id`), guildID, guildID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next case id for guild %d: %w", guildID, err)
	}
	return id, nil
}

func (s *sqlStore) InsertCase(ctx context.Context, c CaseRow) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO cases(guild_id, id, target_kind, target_id, moderator_id, reason, kind, action_expiration, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`),
		c.GuildID, c.ID, c.TargetKind, c.TargetID, c.ModeratorID, c.Reason, c.Kind,
		nullMillis(c.ActionExpiration), c.CreatedAt.UnixMilli(), nullMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert case %d/%d: %w", c.GuildID, c.ID, err)
	}
	return nil
}

const caseColumns = `guild_id, id, target_kind, target_id, moderator_id, reason, kind, action_expiration, created_at, updated_at`

func (s *sqlStore) GetCase(ctx context.Context, guildID, id int64) (CaseRow, error) {
	if s == nil || s.db == nil {
		return CaseRow{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+caseColumns+` FROM cases WHERE guild_id = ? AND id = ?`), guildID, id)
	return scanCase(row)
}

func (s *sqlStore) LatestCase(ctx context.Context, guildID int64) (CaseRow, error) {
	if s == nil || s.db == nil {
		return CaseRow{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+caseColumns+` FROM cases WHERE guild_id = ? ORDER BY id DESC LIMIT 1`), guildID)
	return scanCase(row)
}

func (s *sqlStore) MaxCaseID(ctx context.Context, guildID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT MAX(id) FROM cases WHERE guild_id = ?`), guildID).Scan(&max); err != nil {
		return 0, fmt.Errorf("max case id: %w", err)
	}
	return max.Int64, nil
}

func (s *sqlStore) CaseIDFloor(ctx context.Context, guildID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var stored, issued int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COALESCE((SELECT MAX(id) FROM cases WHERE guild_id = ?), 0),
		        COALESCE((SELECT last_id FROM case_sequences WHERE guild_id = ?), 0)`),
		guildID, guildID,
	).Scan(&stored, &issued)
	if err != nil {
		return 0, fmt.Errorf("case id floor for guild %d: %w", guildID, err)
	}
	return max(stored, issued), nil
}

func (s *sqlStore) AdvanceCaseSequence(ctx context.Context, guildID, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO case_sequences(guild_id, last_id) VALUES(?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET last_id = excluded.last_id
		 WHERE case_sequences.last_id < excluded.last_id`), guildID, id)
	if err != nil {
		return fmt.Errorf("advance case sequence for guild %d to %d: %w", guildID, id, err)
	}
	return nil
}

func (s *sqlStore) UpdateCaseReason(ctx context.Context, guildID, id int64, reason string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE cases SET reason = ?, updated_at = ? WHERE guild_id = ? AND id = ?`),
		reason, at.UnixMilli(), guildID, id)
	if err != nil {
		return fmt.Errorf("update case %d/%d: %w", guildID, id, err)
	}
	return requireAffected(res)
}

func (s *sqlStore) DeleteCase(ctx context.Context, guildID, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM cases WHERE guild_id = ? AND id = ?`), guildID, id)
	if err != nil {
		return fmt.Errorf("delete case %d/%d: %w", guildID, id, err)
	}
	return requireAffected(res)
}

func (s *sqlStore) ListCases(ctx context.Context, guildID int64, f CaseFilter) ([]CaseRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	where := []string{"guild_id = ?"}
	args := []any{guildID}
	if f.TargetKind != "" {
		where = append(where, "target_kind = ?", "target_id = ?")
		args = append(args, f.TargetKind, f.TargetID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+caseColumns+` FROM cases WHERE `+strings.Join(where, " AND ")+` ORDER BY id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []CaseRow
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(r rowScanner) (CaseRow, error) {
	var (
		c            CaseRow
		exp, updated sql.NullInt64
		created      int64
	)
	err := r.Scan(&c.GuildID, &c.ID, &c.TargetKind, &c.TargetID, &c.ModeratorID, &c.Reason, &c.Kind, &exp, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return CaseRow{}, ErrNotFound
	}
	if err != nil {
		return CaseRow{}, fmt.Errorf("scan case: %w", err)
	}
	c.CreatedAt = time.UnixMilli(created)
	c.ActionExpiration = millisPtr(exp)
	c.UpdatedAt = millisPtr(updated)
	return c, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
