package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "warden/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": openTestSQLite(t),
		"memory": NewMemory(),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "bogus"}, logx.Nop())
	require.Error(t, err)
}

func TestTimerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			late, err := st.InsertTimer(ctx, "scheduled_ban", t0.Add(10*time.Minute), t0, []byte(`{"kwargs":{"guild_id":1}}`))
			require.NoError(t, err)
			require.NotZero(t, late)
			early, err := st.InsertTimer(ctx, "mute", t0.Add(5*time.Minute), t0, []byte(`{}`))
			require.NoError(t, err)
			require.NotEqual(t, late, early)

			due, err := st.DueTimers(ctx, t0.Add(time.Minute), 10)
			require.NoError(t, err)
			require.Empty(t, due)

			due, err = st.DueTimers(ctx, t0.Add(10*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			require.Equal(t, early, due[0].ID)
			require.Equal(t, "scheduled_ban", due[1].Event)
			require.JSONEq(t, `{"kwargs":{"guild_id":1}}`, string(due[1].Payload))
			require.True(t, due[1].ExpiresAt.Equal(t0.Add(10*time.Minute)))

			events, err := st.PendingEvents(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"mute", "scheduled_ban"}, events)

			ok, err := st.DeleteTimer(ctx, early)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = st.DeleteTimer(ctx, early)
			require.NoError(t, err)
			require.False(t, ok)

			n, err := st.CountTimers(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		})
	}
}

func TestNextCaseIDConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			const n = 40
			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				ids []int64
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, err := st.NextCaseID(ctx, 42)
					if err != nil {
						t.Errorf("NextCaseID: %v", err)
						return
					}
					mu.Lock()
					ids = append(ids, id)
					mu.Unlock()
				}()
			}
			wg.Wait()

			require.Len(t, ids, n)
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for i, id := range ids {
				require.Equal(t, int64(i+1), id)
			}

			// Guilds never share a counter.
			other, err := st.NextCaseID(ctx, 7)
			require.NoError(t, err)
			require.Equal(t, int64(1), other)
		})
	}
}

func seqCase(guildID, id int64) CaseRow {
	return CaseRow{GuildID: guildID, ID: id, TargetKind: "user", TargetID: 9, Kind: "ban", CreatedAt: time.UnixMilli(1_700_000_000_000)}
}

func TestNextCaseIDNeverReusesStoredIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			// Numbered by another sequence; the table has no row for the guild.
			for id := int64(1); id <= 3; id++ {
				require.NoError(t, st.InsertCase(ctx, seqCase(42, id)))
			}
			id, err := st.NextCaseID(ctx, 42)
			require.NoError(t, err)
			require.Equal(t, int64(4), id)
			require.NoError(t, st.InsertCase(ctx, seqCase(42, id)))

			require.NoError(t, st.AdvanceCaseSequence(ctx, 42, 10))
			require.NoError(t, st.AdvanceCaseSequence(ctx, 42, 6), "advance never lowers")
			floor, err := st.CaseIDFloor(ctx, 42)
			require.NoError(t, err)
			require.Equal(t, int64(10), floor)

			id, err = st.NextCaseID(ctx, 42)
			require.NoError(t, err)
			require.Equal(t, int64(11), id)

			// Deleting the newest case does not lower the floor.
			require.NoError(t, st.InsertCase(ctx, seqCase(42, 11)))
			require.NoError(t, st.DeleteCase(ctx, 42, 11))
			floor, err = st.CaseIDFloor(ctx, 42)
			require.NoError(t, err)
			require.Equal(t, int64(11), floor)

			floor, err = st.CaseIDFloor(ctx, 99)
			require.NoError(t, err)
			require.Zero(t, floor)
		})
	}
}

func TestCaseCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)
	exp := created.Add(time.Hour)

	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.LatestCase(ctx, 1)
			require.ErrorIs(t, err, ErrNotFound)

			for id := int64(1); id <= 3; id++ {
				require.NoError(t, st.InsertCase(ctx, CaseRow{
					GuildID: 1, ID: id, TargetKind: "member", TargetID: 100 + id,
					ModeratorID: 9, Reason: "r", Kind: "mute", ActionExpiration: &exp, CreatedAt: created,
				}))
			}
			require.NoError(t, st.InsertCase(ctx, CaseRow{
				GuildID: 2, ID: 1, TargetKind: "user", TargetID: 5, Kind: "ban", CreatedAt: created,
			}))

			got, err := st.GetCase(ctx, 1, 2)
			require.NoError(t, err)
			require.Equal(t, int64(102), got.TargetID)
			require.NotNil(t, got.ActionExpiration)
			require.True(t, got.ActionExpiration.Equal(exp))
			require.Nil(t, got.UpdatedAt)

			_, err = st.GetCase(ctx, 2, 3)
			require.ErrorIs(t, err, ErrNotFound)

			latest, err := st.LatestCase(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, int64(3), latest.ID)

			max, err := st.MaxCaseID(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, int64(3), max)
			max, err = st.MaxCaseID(ctx, 99)
			require.NoError(t, err)
			require.Zero(t, max)

			at := created.Add(2 * time.Hour)
			require.NoError(t, st.UpdateCaseReason(ctx, 1, 2, "edited", at))
			got, err = st.GetCase(ctx, 1, 2)
			require.NoError(t, err)
			require.Equal(t, "edited", got.Reason)
			require.NotNil(t, got.UpdatedAt)
			require.ErrorIs(t, st.UpdateCaseReason(ctx, 2, 2, "x", at), ErrNotFound)

			list, err := st.ListCases(ctx, 1, CaseFilter{TargetKind: "member", TargetID: 103})
			require.NoError(t, err)
			require.Len(t, list, 1)
			list, err = st.ListCases(ctx, 1, CaseFilter{Limit: 2})
			require.NoError(t, err)
			require.Len(t, list, 2)
			require.Equal(t, int64(3), list[0].ID)

			require.NoError(t, st.DeleteCase(ctx, 1, 3))
			require.ErrorIs(t, st.DeleteCase(ctx, 1, 3), ErrNotFound)
		})
	}
}

func TestRebindDollar(t *testing.T) {
	t.Parallel()
	got := rebindDollar("SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?")
	if want := "SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3"; got != want {
		t.Fatalf("rebindDollar = %q, want %q", got, want)
	}
}

func TestDisabledStore(t *testing.T) {
	t.Parallel()
	var s *sqlStore
	_, err := s.NextCaseID(context.Background(), 1)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
