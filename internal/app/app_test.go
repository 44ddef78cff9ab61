package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"warden/internal/audit"
	"warden/internal/config"
	"warden/internal/moderation"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

func writeConfig(t *testing.T, cfg config.Config) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "warden.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func baseConfig() config.Config {
	return config.Config{
		Bot:     config.BotConfig{UserID: 1000},
		Logging: config.LoggingConfig{Level: "error"},
		Storage: &config.StorageConfig{Driver: "memory"},
		Audit:   &config.AuditConfig{Enabled: true, FlushInterval: "20ms"},
	}
}

func startApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, cfg), Options{})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})
	return a
}

func TestAppTempMuteRoundTrip(t *testing.T) {
	a := startApp(t, baseConfig())
	ctx := context.Background()

	mute, action, err := a.Moderation().TempMute(ctx, moderation.MuteRequest{
		GuildID:  1,
		UserID:   42,
		RoleID:   7,
		Duration: 50 * time.Millisecond,
		Reason:   "spam",
	})
	require.NoError(t, err)
	require.False(t, action.Durable())
	require.Equal(t, int64(1), mute.ID)
	require.Equal(t, int64(1000), mute.ModeratorID)

	require.Eventually(t, func() bool {
		c, err := a.Ledger().MostRecent(ctx, 1)
		return err == nil && c.Kind == audit.KindUnmute
	}, 3*time.Second, 10*time.Millisecond)

	c, err := a.Ledger().MostRecent(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), c.ID)
	require.Contains(t, c.Reason, "#1")
}

func TestAppRefusesUnknownPendingEvent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	now := time.Now()
	_, err = st.InsertTimer(context.Background(), "renamed_event", now.Add(time.Hour), now, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg := baseConfig()
	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: dbPath}
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, cfg), Options{})
	require.NoError(t, err)

	err = a.Start(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "renamed_event")
	require.NoError(t, a.Stop(ctx, StopFatalError))
}

func TestAppWithoutStorageIsEphemeralOnly(t *testing.T) {
	cfg := baseConfig()
	cfg.Storage = nil
	a := startApp(t, cfg)
	ctx := context.Background()

	_, err := a.Moderation().ScheduleBan(ctx, 1, 42, 9, time.Now().Add(time.Hour), "later")
	require.Error(t, err)

	_, err = a.Moderation().ScheduleBan(ctx, 1, 42, 9, time.Now().Add(30*time.Millisecond), "soon")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, err := a.Ledger().MostRecent(ctx, 1)
		return err == nil && c.Kind == audit.KindBan && c.ModeratorID == 9
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOpenStoresUsesRedisSequence(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.Redis = &config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"}

	stores, err := OpenStores(context.Background(), &cfg, logx.Nop())
	require.NoError(t, err)
	defer stores.Close()
	require.NotNil(t, stores.Redis)

	for want := int64(1); want <= 3; want++ {
		id, err := stores.Store.NextCaseID(context.Background(), 5)
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	v, err := mr.Get("test:case_seq:5")
	require.NoError(t, err)
	require.Equal(t, "3", v)

	// Issued IDs are written back to the store's own sequence.
	floor, err := stores.Store.CaseIDFloor(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), floor)
}

func TestOpenStoresRedisUnreachable(t *testing.T) {
	cfg := baseConfig()
	cfg.Redis = &config.RedisConfig{Addr: "127.0.0.1:1"}
	_, err := OpenStores(context.Background(), &cfg, logx.Nop())
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "redis 127.0.0.1:1"))
}

func TestApplyConfigRestartsReconciler(t *testing.T) {
	a := startApp(t, baseConfig())
	prev := a.cfgm.Get()

	next := *prev
	next.Deferred.PollSchedule = "@every 1s"
	next.Bulk.MassBanMaxFailures = 2
	a.applyConfig(a.sup.Context(), prev, &next)

	a.mu.Lock()
	got := a.reconCfg.PollSchedule
	a.mu.Unlock()
	require.Equal(t, "@every 1s", got)
	require.Equal(t, 2, a.mod.Config().MassBanMaxFailures)
}

func TestApplyConfigDisablesNotifier(t *testing.T) {
	a := startApp(t, baseConfig())
	require.True(t, a.notif.Enabled())

	prev := a.cfgm.Get()
	next := *prev
	next.Audit = &config.AuditConfig{Enabled: false}
	a.applyConfig(a.sup.Context(), prev, &next)
	require.False(t, a.notif.Enabled())
}

func TestValidateConfigRejectsBadPollSchedule(t *testing.T) {
	cfg := baseConfig()
	cfg.Deferred.PollSchedule = "every now and then"
	require.Error(t, ValidateConfig(&cfg))

	cfg = baseConfig()
	require.NoError(t, ValidateConfig(&cfg))
}

func TestMapAuditConfigDefaultsToEnabled(t *testing.T) {
	ncfg, err := mapAuditConfig(&config.Config{})
	require.NoError(t, err)
	require.True(t, ncfg.Enabled)

	_, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	require.False(t, enabled)
}
