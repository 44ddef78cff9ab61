package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCaseNotFound = errors.New("case not found")
	ErrNoCases      = errors.New("guild has no cases")
)

// NotFoundError names the guild-scoped ID that did not resolve. Case IDs
// are per guild, so a valid ID in one guild is NotFound in every other.
type NotFoundError struct {
	GuildID int64
	CaseID  int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("case #%d not found in guild %d", e.CaseID, e.GuildID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrCaseNotFound }

type TargetKind string

const (
	TargetGuild   TargetKind = "guild"
	TargetRole    TargetKind = "role"
	TargetChannel TargetKind = "channel"
	TargetMember  TargetKind = "member"
	TargetUser    TargetKind = "user"
)

// Target is what a case acted on. The variants below are the only
// implementations.
type Target interface {
	TargetKind() TargetKind
	TargetID() int64
	isTarget()
}

type (
	GuildTarget   struct{ ID int64 }
	RoleTarget    struct{ ID int64 }
	ChannelTarget struct{ ID int64 }
	MemberTarget  struct{ ID int64 }
	UserTarget    struct{ ID int64 }
)

func (GuildTarget) TargetKind() TargetKind   { return TargetGuild }
func (RoleTarget) TargetKind() TargetKind    { return TargetRole }
func (ChannelTarget) TargetKind() TargetKind { return TargetChannel }
func (MemberTarget) TargetKind() TargetKind  { return TargetMember }
func (UserTarget) TargetKind() TargetKind    { return TargetUser }

func (t GuildTarget) TargetID() int64   { return t.ID }
func (t RoleTarget) TargetID() int64    { return t.ID }
func (t ChannelTarget) TargetID() int64 { return t.ID }
func (t MemberTarget) TargetID() int64  { return t.ID }
func (t UserTarget) TargetID() int64    { return t.ID }

func (GuildTarget) isTarget()   {}
func (RoleTarget) isTarget()    {}
func (ChannelTarget) isTarget() {}
func (MemberTarget) isTarget()  {}
func (UserTarget) isTarget()    {}

// ParseTarget rebuilds a Target from its stored form.
func ParseTarget(kind string, id int64) (Target, error) {
	switch TargetKind(strings.ToLower(strings.TrimSpace(kind))) {
	case TargetGuild:
		return GuildTarget{ID: id}, nil
	case TargetRole:
		return RoleTarget{ID: id}, nil
	case TargetChannel:
		return ChannelTarget{ID: id}, nil
	case TargetMember:
		return MemberTarget{ID: id}, nil
	case TargetUser:
		return UserTarget{ID: id}, nil
	default:
		return nil, fmt.Errorf("unknown target kind %q", kind)
	}
}

// TargetCases holds one function per Target variant.
type TargetCases[R any] struct {
	Guild   func(GuildTarget) (R, error)
	Role    func(RoleTarget) (R, error)
	Channel func(ChannelTarget) (R, error)
	Member  func(MemberTarget) (R, error)
	User    func(UserTarget) (R, error)
}

// Match calls the case for t's variant. A missing case is an error rather
// than a silent zero value.
func Match[R any](t Target, cases TargetCases[R]) (R, error) {
	var zero R
	missing := func() (R, error) {
		return zero, fmt.Errorf("no case for %s target", t.TargetKind())
	}
	switch v := t.(type) {
	case GuildTarget:
		if cases.Guild == nil {
			return missing()
		}
		return cases.Guild(v)
	case RoleTarget:
		if cases.Role == nil {
			return missing()
		}
		return cases.Role(v)
	case ChannelTarget:
		if cases.Channel == nil {
			return missing()
		}
		return cases.Channel(v)
	case MemberTarget:
		if cases.Member == nil {
			return missing()
		}
		return cases.Member(v)
	case UserTarget:
		if cases.User == nil {
			return missing()
		}
		return cases.User(v)
	case nil:
		return zero, errors.New("nil target")
	default:
		return zero, fmt.Errorf("unsupported target %T", t)
	}
}

type ActionKind string

const (
	KindBan        ActionKind = "ban"
	KindUnban      ActionKind = "unban"
	KindSoftban    ActionKind = "softban"
	KindKick       ActionKind = "kick"
	KindMute       ActionKind = "mute"
	KindUnmute     ActionKind = "unmute"
	KindJail       ActionKind = "jail"
	KindUnjail     ActionKind = "unjail"
	KindTimeout    ActionKind = "timeout"
	KindUntimeout  ActionKind = "untimeout"
	KindWarn       ActionKind = "warn"
	KindLockdown   ActionKind = "lockdown"
	KindUnlock     ActionKind = "unlock"
	KindNuke       ActionKind = "nuke"
	KindRoleAdd    ActionKind = "role_add"
	KindRoleRemove ActionKind = "role_remove"
	KindMassBan    ActionKind = "massban"
)

var kinds = map[ActionKind]ActionKind{
	KindBan:        KindUnban,
	KindUnban:      "",
	KindSoftban:    "",
	KindKick:       "",
	KindMute:       KindUnmute,
	KindUnmute:     "",
	KindJail:       KindUnjail,
	KindUnjail:     "",
	KindTimeout:    KindUntimeout,
	KindUntimeout:  "",
	KindWarn:       "",
	KindLockdown:   KindUnlock,
	KindUnlock:     "",
	KindNuke:       "",
	KindRoleAdd:    KindRoleRemove,
	KindRoleRemove: "",
	KindMassBan:    "",
}

func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

func (k ActionKind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Reversal is the kind recorded when a timed action runs out, if any.
func (k ActionKind) Reversal() (ActionKind, bool) {
	r := kinds[k]
	return r, r != ""
}

// Case is one entry in a guild's moderation log.
type Case struct {
	ID               int64
	GuildID          int64
	Target           Target
	ModeratorID      int64
	Reason           string
	Kind             ActionKind
	ActionExpiration *time.Time
	CreatedAt        time.Time
	UpdatedAt        *time.Time
}

// Entry is the input to Ledger.Record.
type Entry struct {
	GuildID int64
	Target  Target
	Kind    ActionKind
	Reason  string
	// ModeratorID 0 means the bot acted on its own.
	ModeratorID int64
	Expiration  *time.Time
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Target Target
	Kind   ActionKind
	Limit  int
}
