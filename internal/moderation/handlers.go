package moderation

import (
	"context"
	"errors"
	"fmt"

	"warden/internal/audit"
	"warden/internal/task/dispatch"
)

// Deferred events owned by this package.
const (
	EventScheduledBan     = "scheduled_ban"
	EventMute             = "mute"
	EventTempRole         = "temp_role"
	EventEphemeralChannel = "ephemeral_channel"
)

// Events lists every event RegisterHandlers binds.
func Events() []string {
	return []string{EventScheduledBan, EventMute, EventTempRole, EventEphemeralChannel}
}

// RegisterHandlers binds the completion handler for each moderation event.
func (s *Service) RegisterHandlers(reg *dispatch.Registry) {
	reg.Register(EventScheduledBan, s.completeScheduledBan)
	reg.Register(EventMute, s.completeMute)
	reg.Register(EventTempRole, s.completeTempRole)
	reg.Register(EventEphemeralChannel, s.completeEphemeralChannel)
}

// gone turns a not-found lookup into a silent no-op for the dispatcher.
func gone(what string, id int64, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s %d", dispatch.ErrGone, what, id)
	}
	return fmt.Errorf("resolve %s %d: %w", what, id, err)
}

func (s *Service) completeScheduledBan(ctx context.Context, p dispatch.Payload) error {
	guildID, err := p.Kwargs.Int64("guild_id")
	if err != nil {
		return err
	}
	userID, err := p.Kwargs.Int64("user_id")
	if err != nil {
		return err
	}
	moderatorID, err := p.Kwargs.Int64Or("moderator_id", 0)
	if err != nil {
		return err
	}
	reason, _ := p.Kwargs.String("reason")

	if _, err := s.p.Guild(ctx, guildID); err != nil {
		return gone("guild", guildID, err)
	}
	if _, err := s.p.User(ctx, userID); err != nil {
		return gone("user", userID, err)
	}
	if err := s.p.Ban(ctx, guildID, userID, reason); err != nil {
		return fmt.Errorf("scheduled ban of %d in %d: %w", userID, guildID, err)
	}
	_, err = s.cases.Record(ctx, audit.Entry{
		GuildID:     guildID,
		Target:      audit.UserTarget{ID: userID},
		Kind:        audit.KindBan,
		Reason:      reason,
		ModeratorID: moderatorID,
	})
	return err
}

func (s *Service) completeMute(ctx context.Context, p dispatch.Payload) error {
	guildID, err := p.Kwargs.Int64("guild_id")
	if err != nil {
		return err
	}
	userID, err := p.Kwargs.Int64("user_id")
	if err != nil {
		return err
	}
	roleID, err := p.Kwargs.Int64("role_id")
	if err != nil {
		return err
	}
	caseID, err := p.Kwargs.Int64Or("case_id", 0)
	if err != nil {
		return err
	}

	if _, err := s.p.Guild(ctx, guildID); err != nil {
		return gone("guild", guildID, err)
	}
	member, err := s.p.Member(ctx, guildID, userID)
	if err != nil {
		return gone("member", userID, err)
	}
	if _, err := s.p.Role(ctx, guildID, roleID); err != nil {
		return gone("role", roleID, err)
	}
	if !member.HasRole(roleID) {
		// Unmuted by hand already.
		return fmt.Errorf("%w: member %d no longer muted", dispatch.ErrGone, userID)
	}

	reason := "Mute expired"
	if caseID > 0 {
		reason = fmt.Sprintf("Mute expired (case #%d)", caseID)
	}
	if err := s.p.RemoveRole(ctx, guildID, userID, roleID, reason); err != nil {
		return fmt.Errorf("unmute %d in %d: %w", userID, guildID, err)
	}
	_, err = s.cases.Record(ctx, audit.Entry{
		GuildID: guildID,
		Target:  audit.MemberTarget{ID: userID},
		Kind:    audit.KindUnmute,
		Reason:  reason,
	})
	return err
}

func (s *Service) completeTempRole(ctx context.Context, p dispatch.Payload) error {
	guildID, err := p.Kwargs.Int64("guild_id")
	if err != nil {
		return err
	}
	userID, err := p.Kwargs.Int64("user_id")
	if err != nil {
		return err
	}
	roleID, err := p.Kwargs.Int64("role_id")
	if err != nil {
		return err
	}

	member, err := s.p.Member(ctx, guildID, userID)
	if err != nil {
		return gone("member", userID, err)
	}
	if !member.HasRole(roleID) {
		return fmt.Errorf("%w: member %d no longer has role %d", dispatch.ErrGone, userID, roleID)
	}
	return s.p.RemoveRole(ctx, guildID, userID, roleID, "Temporary role expired")
}

func (s *Service) completeEphemeralChannel(ctx context.Context, p dispatch.Payload) error {
	guildID, err := p.Kwargs.Int64("guild_id")
	if err != nil {
		return err
	}
	channelID, err := p.Kwargs.Int64("channel_id")
	if err != nil {
		return err
	}
	if _, err := s.p.Channel(ctx, guildID, channelID); err != nil {
		return gone("channel", channelID, err)
	}
	return s.p.DeleteChannel(ctx, guildID, channelID, "Temporary channel expired")
}
