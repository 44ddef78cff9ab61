package moderation

import (
	"context"
	"errors"

	"warden/internal/audit"
)

// Errors a platform adapter maps its API failures onto.
var (
	ErrNotFound    = errors.New("entity not found")
	ErrForbidden   = errors.New("missing permissions")
	ErrRateLimited = errors.New("rate limited")
)

type Guild struct {
	ID   int64
	Name string
}

type Member struct {
	GuildID int64
	UserID  int64
	Roles   []int64
}

func (m Member) HasRole(roleID int64) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

type Role struct {
	GuildID int64
	ID      int64
	Name    string
}

type Channel struct {
	GuildID int64
	ID      int64
	Name    string
}

type User struct {
	ID   int64
	Name string
}

// Resolver looks up live entities. Every lookup of something that no longer
// exists returns an error wrapping ErrNotFound.
type Resolver interface {
	Guild(ctx context.Context, guildID int64) (Guild, error)
	Member(ctx context.Context, guildID, userID int64) (Member, error)
	Role(ctx context.Context, guildID, roleID int64) (Role, error)
	Channel(ctx context.Context, guildID, channelID int64) (Channel, error)
	User(ctx context.Context, userID int64) (User, error)
}

// Actions performs side effects on the platform.
type Actions interface {
	Ban(ctx context.Context, guildID, userID int64, reason string) error
	Unban(ctx context.Context, guildID, userID int64, reason string) error
	AddRole(ctx context.Context, guildID, userID, roleID int64, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID int64, reason string) error
	DeleteChannel(ctx context.Context, guildID, channelID int64, reason string) error
}

// Platform is both halves of the remote API.
type Platform interface {
	Resolver
	Actions
}

// ResolveTarget fetches the live entity a case target points at. The result
// is one of Guild, Role, Channel, Member or User.
func ResolveTarget(ctx context.Context, r Resolver, guildID int64, t audit.Target) (any, error) {
	return audit.Match(t, audit.TargetCases[any]{
		Guild: func(g audit.GuildTarget) (any, error) {
			return r.Guild(ctx, g.ID)
		},
		Role: func(ro audit.RoleTarget) (any, error) {
			return r.Role(ctx, guildID, ro.ID)
		},
		Channel: func(c audit.ChannelTarget) (any, error) {
			return r.Channel(ctx, guildID, c.ID)
		},
		Member: func(m audit.MemberTarget) (any, error) {
			return r.Member(ctx, guildID, m.ID)
		},
		User: func(u audit.UserTarget) (any, error) {
			return r.User(ctx, u.ID)
		},
	})
}
