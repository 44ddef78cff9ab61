package app

import (
	"context"
	"sync"

	"warden/internal/moderation"
	logx "warden/pkg/logx"
)

// dryRunPlatform is used when no platform adapter is supplied. Every entity
// exists, role changes are tracked in memory so deferred reversals behave,
// and every action is logged instead of performed.
type dryRunPlatform struct {
	log logx.Logger

	mu    sync.Mutex
	roles map[[2]int64]map[int64]bool // (guild, user) -> roles
}

func newDryRunPlatform(log logx.Logger) *dryRunPlatform {
	return &dryRunPlatform{
		log:   log.With(logx.String("comp", "platform"), logx.Bool("dry_run", true)),
		roles: map[[2]int64]map[int64]bool{},
	}
}

func (p *dryRunPlatform) Guild(_ context.Context, guildID int64) (moderation.Guild, error) {
	return moderation.Guild{ID: guildID}, nil
}

func (p *dryRunPlatform) Member(_ context.Context, guildID, userID int64) (moderation.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := moderation.Member{GuildID: guildID, UserID: userID}
	for r := range p.roles[[2]int64{guildID, userID}] {
		m.Roles = append(m.Roles, r)
	}
	return m, nil
}

func (p *dryRunPlatform) Role(_ context.Context, guildID, roleID int64) (moderation.Role, error) {
	return moderation.Role{GuildID: guildID, ID: roleID}, nil
}

func (p *dryRunPlatform) Channel(_ context.Context, guildID, channelID int64) (moderation.Channel, error) {
	return moderation.Channel{GuildID: guildID, ID: channelID}, nil
}

func (p *dryRunPlatform) User(_ context.Context, userID int64) (moderation.User, error) {
	return moderation.User{ID: userID}, nil
}

func (p *dryRunPlatform) Ban(_ context.Context, guildID, userID int64, reason string) error {
	p.log.Info("ban", logx.Int64("guild", guildID), logx.Int64("user", userID), logx.String("reason", reason))
	return nil
}

func (p *dryRunPlatform) Unban(_ context.Context, guildID, userID int64, reason string) error {
	p.log.Info("unban", logx.Int64("guild", guildID), logx.Int64("user", userID), logx.String("reason", reason))
	return nil
}

func (p *dryRunPlatform) AddRole(_ context.Context, guildID, userID, roleID int64, reason string) error {
	p.mu.Lock()
	key := [2]int64{guildID, userID}
	if p.roles[key] == nil {
		p.roles[key] = map[int64]bool{}
	}
	p.roles[key][roleID] = true
	p.mu.Unlock()
	p.log.Info("add role", logx.Int64("guild", guildID), logx.Int64("user", userID), logx.Int64("role", roleID), logx.String("reason", reason))
	return nil
}

func (p *dryRunPlatform) RemoveRole(_ context.Context, guildID, userID, roleID int64, reason string) error {
	p.mu.Lock()
	delete(p.roles[[2]int64{guildID, userID}], roleID)
	p.mu.Unlock()
	p.log.Info("remove role", logx.Int64("guild", guildID), logx.Int64("user", userID), logx.Int64("role", roleID), logx.String("reason", reason))
	return nil
}

func (p *dryRunPlatform) DeleteChannel(_ context.Context, guildID, channelID int64, reason string) error {
	p.log.Info("delete channel", logx.Int64("guild", guildID), logx.Int64("channel", channelID), logx.String("reason", reason))
	return nil
}
