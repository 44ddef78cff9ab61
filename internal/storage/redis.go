package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// nextCaseScript seeds the counter from ARGV[1] the first time a guild is
// seen, then increments. Runs atomically on the Redis server.
var nextCaseScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('SET', KEYS[1], ARGV[1])
end
return redis.call('INCR', KEYS[1])
`)

// FloorFunc reports the highest case ID a guild has been given, so a fresh
// or evicted Redis counter never hands out an ID again.
type FloorFunc func(ctx context.Context, guildID int64) (int64, error)

// WriteBackFunc records an ID issued by Redis in the database's own
// sequence, so the database can take over allocation later.
type WriteBackFunc func(ctx context.Context, guildID, id int64) error

// RedisSequence is a Sequence kept in the key/value cache.
type RedisSequence struct {
	client    goredis.UniversalClient
	prefix    string
	floor     FloorFunc
	writeBack WriteBackFunc
}

func NewRedisSequence(client goredis.UniversalClient, prefix string, floor FloorFunc) *RedisSequence {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "warden"
	}
	return &RedisSequence{client: client, prefix: prefix, floor: floor}
}

// WithWriteBack makes every issued ID also advance the database sequence.
func (r *RedisSequence) WithWriteBack(fn WriteBackFunc) *RedisSequence {
	r.writeBack = fn
	return r
}

func (r *RedisSequence) key(guildID int64) string {
	return r.prefix + ":case_seq:" + strconv.FormatInt(guildID, 10)
}

func (r *RedisSequence) NextCaseID(ctx context.Context, guildID int64) (int64, error) {
	if r == nil || r.client == nil {
		return 0, errors.New("redis client is nil")
	}
	key := r.key(guildID)

	var floor int64
	if r.floor != nil {
		// Only consult the database while the key is missing.
		n, err := r.client.Exists(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("check case sequence key: %w", err)
		}
		if n == 0 {
			floor, err = r.floor(ctx, guildID)
			if err != nil {
				return 0, fmt.Errorf("read case id floor: %w", err)
			}
		}
	}

	id, err := nextCaseScript.Run(ctx, r.client, []string{key}, floor).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment case sequence: %w", err)
	}
	if r.writeBack != nil {
		if err := r.writeBack(ctx, guildID, id); err != nil {
			return 0, fmt.Errorf("write back case id %d: %w", id, err)
		}
	}
	return id, nil
}

// sequencedStore overrides the Sequence of a Store.
type sequencedStore struct {
	Store
	seq Sequence
}

func (s sequencedStore) NextCaseID(ctx context.Context, guildID int64) (int64, error) {
	return s.seq.NextCaseID(ctx, guildID)
}

// WithSequence returns st with case IDs allocated by seq instead of the
// database's own sequence table.
func WithSequence(st Store, seq Sequence) Store {
	if st == nil || seq == nil {
		return st
	}
	return sequencedStore{Store: st, seq: seq}
}
