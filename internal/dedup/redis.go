package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the cluster-scoped dedup backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix namespaces the dedup hash; stores sharing a prefix share a scope.
	Prefix string

	// Owner identifies this store inside the shared scope.
	Owner string

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address, owner string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "memlog:dedup",
		Owner:   owner,
		Timeout: 5 * time.Second,
	}
}

// RedisBackend records ids in one Redis hash mapping event id to the
// store that accepted it. An id owned by this store is governed by the
// local applied set; an id owned by another store is a duplicate.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("redis dedup backend requires an owner id")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBackend{cfg: cfg, client: client}, nil
}

func (b *RedisBackend) key() string {
	return b.cfg.Prefix + ":ids"
}

func (b *RedisBackend) Load(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		kv, next, err := b.client.HScan(ctx, b.key(), cursor, "*", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan dedup hash: %w", err)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			if kv[i+1] == b.cfg.Owner {
				ids = append(ids, kv[i])
			}
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

func (b *RedisBackend) Persist(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pipe := b.client.Pipeline()
	setCmds := make([]*redis.BoolCmd, len(ids))
	getCmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		setCmds[i] = pipe.HSetNX(ctx, b.key(), id, b.cfg.Owner)
		getCmds[i] = pipe.HGet(ctx, b.key(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to persist dedup records: %w", err)
	}

	var claimed []string
	for i, id := range ids {
		if setCmds[i].Val() {
			continue
		}
		if owner := getCmds[i].Val(); owner != "" && owner != b.cfg.Owner {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

func (b *RedisBackend) Contains(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	owner, err := b.client.HGet(ctx, b.key(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query dedup hash: %w", err)
	}
	return owner != b.cfg.Owner, nil
}

func (b *RedisBackend) Shared() bool { return true }

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
