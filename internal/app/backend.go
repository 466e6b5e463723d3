// Package app wires configuration to concrete backends for the binaries.
package app

import (
	"context"
	"fmt"

	"duoplay/internal/config"
	"duoplay/internal/rendezvous"
	"duoplay/internal/rendezvous/memstore"
	"duoplay/internal/rendezvous/redisstore"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backend hands out rendezvous connections. With the memory backend every
// connection shares one in-process tree, which is only useful when all
// peers live in the same process.
type Backend struct {
	cfg config.StoreConfig
	mem *memstore.Server
	rdb *redis.Client
}

func OpenBackend(ctx context.Context, cfg config.StoreConfig) (*Backend, error) {
	b := &Backend{cfg: cfg}
	switch cfg.Backend {
	case config.BackendMemory:
		b.mem = memstore.NewServer()
	case config.BackendRedis:
		b.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			_ = b.rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	log.Info().Str("backend", cfg.Backend).Msg("rendezvous backend ready")
	return b, nil
}

func (b *Backend) Kind() string { return b.cfg.Backend }

// Connect opens a new connection. Closing it commits its onDisconnect writes.
func (b *Backend) Connect(ctx context.Context) (rendezvous.Store, error) {
	if b.mem != nil {
		return b.mem.Connect(), nil
	}
	return b.ConnectRedis(ctx)
}

// ConnectRedis is Connect for callers that need the reaper of a Redis
// connection.
func (b *Backend) ConnectRedis(ctx context.Context) (*redisstore.Store, error) {
	if b.rdb == nil {
		return nil, fmt.Errorf("%w: backend %s has no redis client", rendezvous.ErrUnsupported, b.cfg.Backend)
	}
	return redisstore.New(ctx, b.rdb, redisstore.Options{
		Prefix:       b.cfg.Prefix,
		HeartbeatTTL: b.cfg.HeartbeatTTL,
	})
}

func (b *Backend) Close() error {
	if b.mem != nil {
		b.mem.Close()
	}
	if b.rdb != nil {
		return b.rdb.Close()
	}
	return nil
}
