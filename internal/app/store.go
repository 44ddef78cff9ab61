package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"warden/internal/config"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// Stores bundles the configured store with the Redis client backing its
// case sequence, if any.
type Stores struct {
	Store storage.Store
	Redis *goredis.Client
}

func (s Stores) Close() error {
	var err error
	if s.Redis != nil {
		err = s.Redis.Close()
	}
	if s.Store != nil {
		if cerr := s.Store.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// OpenStores opens the configured store and, when redis.addr is set, moves
// case ID allocation to Redis. The Redis counter is seeded from the highest
// ID the store has issued and writes every ID back, so either side can take
// over without reusing one.
// Store is nil when storage is disabled.
func OpenStores(ctx context.Context, cfg *config.Config, log logx.Logger) (Stores, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return Stores{}, err
	}
	var out Stores
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return Stores{}, err
		}
		out.Store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	opts := mapRedisOptions(cfg)
	if opts == nil || out.Store == nil {
		if opts != nil {
			log.Warn("redis.addr ignored: case sequence needs a store to seed from")
		}
		return out, nil
	}

	client := goredis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		_ = out.Store.Close()
		return Stores{}, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	seq := storage.NewRedisSequence(client, cfg.Redis.KeyPrefix, out.Store.CaseIDFloor).
		WithWriteBack(out.Store.AdvanceCaseSequence)
	out.Store = storage.WithSequence(out.Store, seq)
	out.Redis = client
	log.Info("case ids allocated by redis", logx.String("addr", opts.Addr))
	return out, nil
}
