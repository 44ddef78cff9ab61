package moderation

import (
	"context"
	"fmt"
	"sync"
)

// fakePlatform is an in-memory guild with hooks for injecting failures.
type fakePlatform struct {
	mu       sync.Mutex
	guilds   map[int64]bool
	users    map[int64]bool
	roles    map[int64]bool
	channels map[int64]bool
	members  map[int64]map[int64]bool // user -> role set

	banned  []int64
	removed []int64

	addRoleErr func(userID int64) error
	banErr     func(userID int64) error
	onAddRole  func(userID int64)
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		guilds:   map[int64]bool{1: true},
		users:    map[int64]bool{},
		roles:    map[int64]bool{},
		channels: map[int64]bool{},
		members:  map[int64]map[int64]bool{},
	}
}

func (f *fakePlatform) addMember(userID int64, roles ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = true
	set := map[int64]bool{}
	for _, r := range roles {
		set[r] = true
	}
	f.members[userID] = set
}

func (f *fakePlatform) Guild(_ context.Context, id int64) (Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.guilds[id] {
		return Guild{}, fmt.Errorf("guild %d: %w", id, ErrNotFound)
	}
	return Guild{ID: id}, nil
}

func (f *fakePlatform) Member(_ context.Context, guildID, userID int64) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.members[userID]
	if !ok {
		return Member{}, fmt.Errorf("member %d: %w", userID, ErrNotFound)
	}
	m := Member{GuildID: guildID, UserID: userID}
	for r := range set {
		m.Roles = append(m.Roles, r)
	}
	return m, nil
}

func (f *fakePlatform) Role(_ context.Context, guildID, roleID int64) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.roles[roleID] {
		return Role{}, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	return Role{GuildID: guildID, ID: roleID}, nil
}

func (f *fakePlatform) Channel(_ context.Context, guildID, channelID int64) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.channels[channelID] {
		return Channel{}, fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
	}
	return Channel{GuildID: guildID, ID: channelID}, nil
}

func (f *fakePlatform) User(_ context.Context, userID int64) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.users[userID] {
		return User{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return User{ID: userID}, nil
}

func (f *fakePlatform) Ban(_ context.Context, _, userID int64, _ string) error {
	if f.banErr != nil {
		if err := f.banErr(userID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned = append(f.banned, userID)
	return nil
}

func (f *fakePlatform) Unban(context.Context, int64, int64, string) error { return nil }

func (f *fakePlatform) AddRole(ctx context.Context, _, userID, roleID int64, _ string) error {
	if f.onAddRole != nil {
		f.onAddRole(userID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.addRoleErr != nil {
		if err := f.addRoleErr(userID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[userID] == nil {
		f.members[userID] = map[int64]bool{}
	}
	f.members[userID][roleID] = true
	return nil
}

func (f *fakePlatform) RemoveRole(_ context.Context, _, userID, roleID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[userID], roleID)
	f.removed = append(f.removed, userID)
	return nil
}

func (f *fakePlatform) DeleteChannel(_ context.Context, _, channelID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, channelID)
	return nil
}

func (f *fakePlatform) hasRole(userID, roleID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[userID][roleID]
}

func (f *fakePlatform) bannedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.banned)
}
