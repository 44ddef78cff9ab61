package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/audit"
	"warden/internal/task/bulk"
	"warden/internal/task/lease"
	"warden/internal/task/scheduler"
	logx "warden/pkg/logx"
)

func newLimiter(perSec float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

type MuteRequest struct {
	GuildID     int64
	UserID      int64
	RoleID      int64
	ModeratorID int64
	Duration    time.Duration
	Reason      string
}

// TempMute gives the member the mute role, records a mute case that expires
// after Duration, and schedules the unmute. If scheduling fails the mute and
// its case stay in place and the error is returned.
func (s *Service) TempMute(ctx context.Context, req MuteRequest) (audit.Case, scheduler.Action, error) {
	if req.Duration <= 0 {
		return audit.Case{}, scheduler.Action{}, errors.New("mute duration must be positive")
	}
	if _, err := s.p.Member(ctx, req.GuildID, req.UserID); err != nil {
		return audit.Case{}, scheduler.Action{}, notFound("member", req.UserID, err)
	}
	if _, err := s.p.Role(ctx, req.GuildID, req.RoleID); err != nil {
		return audit.Case{}, scheduler.Action{}, notFound("role", req.RoleID, err)
	}
	if err := s.p.AddRole(ctx, req.GuildID, req.UserID, req.RoleID, req.Reason); err != nil {
		return audit.Case{}, scheduler.Action{}, fmt.Errorf("mute %d: %w", req.UserID, err)
	}

	until := s.now().Add(req.Duration)
	c, err := s.cases.Record(ctx, audit.Entry{
		GuildID:     req.GuildID,
		Target:      audit.MemberTarget{ID: req.UserID},
		Kind:        audit.KindMute,
		Reason:      req.Reason,
		ModeratorID: req.ModeratorID,
		Expiration:  &until,
	})
	if err != nil {
		return audit.Case{}, scheduler.Action{}, err
	}

	a, err := s.sched.Schedule(ctx, EventMute, until, nil, map[string]any{
		"guild_id": req.GuildID,
		"user_id":  req.UserID,
		"role_id":  req.RoleID,
		"case_id":  c.ID,
	})
	if err != nil {
		return c, scheduler.Action{}, fmt.Errorf("schedule unmute for case #%d: %w", c.ID, err)
	}
	return c, a, nil
}

// ScheduleBan bans userID at the given time. Nothing is recorded until the
// ban actually happens.
func (s *Service) ScheduleBan(ctx context.Context, guildID, userID, moderatorID int64, at time.Time, reason string) (scheduler.Action, error) {
	return s.sched.Schedule(ctx, EventScheduledBan, at, nil, map[string]any{
		"guild_id":     guildID,
		"user_id":      userID,
		"moderator_id": moderatorID,
		"reason":       reason,
	})
}

// TempRole adds a role that is taken away again after d.
func (s *Service) TempRole(ctx context.Context, guildID, userID, roleID int64, d time.Duration, reason string) (scheduler.Action, error) {
	if err := s.p.AddRole(ctx, guildID, userID, roleID, reason); err != nil {
		return scheduler.Action{}, fmt.Errorf("add role %d to %d: %w", roleID, userID, err)
	}
	return s.sched.Schedule(ctx, EventTempRole, s.now().Add(d), nil, map[string]any{
		"guild_id": guildID,
		"user_id":  userID,
		"role_id":  roleID,
	})
}

// ExpireChannel deletes an existing channel after d.
func (s *Service) ExpireChannel(ctx context.Context, guildID, channelID int64, d time.Duration) (scheduler.Action, error) {
	if _, err := s.p.Channel(ctx, guildID, channelID); err != nil {
		return scheduler.Action{}, notFound("channel", channelID, err)
	}
	return s.sched.Schedule(ctx, EventEphemeralChannel, s.now().Add(d), nil, map[string]any{
		"guild_id":   guildID,
		"channel_id": channelID,
	})
}

type GrantRequest struct {
	GuildID     int64
	RoleID      int64
	ModeratorID int64
	Members     []int64
	Reason      string
}

// GrantRole adds a role to every listed member, one at a time. A second
// bulk operation on the same guild is rejected with *lease.BusyError. The
// report is returned even when the loop stopped early; one role_add case
// is recorded if any member got the role.
func (s *Service) GrantRole(ctx context.Context, req GrantRequest) (bulk.Report, error) {
	if _, err := s.p.Role(ctx, req.GuildID, req.RoleID); err != nil {
		return bulk.Report{}, notFound("role", req.RoleID, err)
	}
	l, err := s.guard.Acquire(ctx, GuildKey(req.GuildID), lease.RejectIfBusy())
	if err != nil {
		return bulk.Report{}, err
	}
	defer l.Release()

	rep := bulk.Run(ctx, req.Members, s.runOptions("grant_role", l), func(ctx context.Context, userID int64) error {
		return s.p.AddRole(ctx, req.GuildID, userID, req.RoleID, req.Reason)
	})
	if rep.Succeeded == 0 {
		return rep, nil
	}
	reason := rep.Summary()
	if r := strings.TrimSpace(req.Reason); r != "" {
		reason = r + " (" + reason + ")"
	}
	if _, err := s.cases.Record(ctx, audit.Entry{
		GuildID:     req.GuildID,
		Target:      audit.RoleTarget{ID: req.RoleID},
		Kind:        audit.KindRoleAdd,
		Reason:      reason,
		ModeratorID: req.ModeratorID,
	}); err != nil {
		return rep, err
	}
	return rep, nil
}

type MassBanRequest struct {
	GuildID     int64
	ModeratorID int64
	UserIDs     []int64
	Reason      string
	// MaxFailures bounds forbidden, rate-limited and unknown-user errors
	// before the whole ban stops. 0 uses the service default.
	MaxFailures int
}

type MassBanResult struct {
	Total     int
	Tally     bulk.Tally
	Cancelled bool
	Case      *audit.Case
}

func (r MassBanResult) Summary() string {
	s := fmt.Sprintf("banned %d/%d", r.Tally.Succeeded, r.Total)
	if r.Tally.Attempts < r.Total {
		s += fmt.Sprintf(" (stopped after %d)", r.Tally.Attempts)
	}
	return s
}

var errLeaseLost = errors.New("bulk operation cancelled")

// MassBan bans every listed user. Expected platform refusals are tolerated
// up to MaxFailures; the failure that reaches the limit, or any unexpected
// error, ends the loop and is returned along with the partial result.
func (s *Service) MassBan(ctx context.Context, req MassBanRequest) (MassBanResult, error) {
	cfg := s.Config()
	mode := lease.RejectIfBusy()
	if cfg.QueueWaiters > 0 {
		mode = lease.QueueBounded(cfg.QueueWaiters)
	}
	l, err := s.guard.Acquire(ctx, GuildKey(req.GuildID), mode)
	if err != nil {
		return MassBanResult{}, err
	}
	defer l.Release()

	maxFailures := req.MaxFailures
	if maxFailures <= 0 {
		maxFailures = cfg.MassBanMaxFailures
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = newLimiter(cfg.RatePerSec)
	}

	res := MassBanResult{Total: len(req.UserIDs)}
	tally, err := bulk.WithSession(ctx, maxFailures, []error{ErrForbidden, ErrRateLimited, ErrNotFound},
		func(ctx context.Context, sess *bulk.Session) error {
			for _, userID := range req.UserIDs {
				if !l.Held() {
					return errLeaseLost
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				}
				err := sess.Attempt(ctx, func(ctx context.Context) error {
					return s.p.Ban(ctx, req.GuildID, userID, req.Reason)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	res.Tally = tally
	if errors.Is(err, errLeaseLost) {
		res.Cancelled = true
		err = nil
	}
	if err != nil {
		s.log.Warn("mass ban stopped", logx.Int64("guild", req.GuildID), logx.String("result", res.Summary()), logx.Err(err))
	}

	if tally.Succeeded > 0 {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = audit.DefaultReason
		}
		c, recErr := s.cases.Record(ctx, audit.Entry{
			GuildID:     req.GuildID,
			Target:      audit.GuildTarget{ID: req.GuildID},
			Kind:        audit.KindMassBan,
			Reason:      fmt.Sprintf("%s (%s)", reason, res.Summary()),
			ModeratorID: req.ModeratorID,
		})
		if recErr != nil {
			return res, errors.Join(err, recErr)
		}
		res.Case = &c
	}
	return res, err
}
