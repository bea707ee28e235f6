package graphcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
)

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis stores follower/following sets as JSON blobs with an expiry.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis creates a redis-backed cache. It does not connect until first use;
// call Ping to check connectivity.
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{rdb: rdb, logger: logger}
}

// Ping checks that the server is reachable.
func (c *Redis) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Redis) Close() error {
	return c.rdb.Close()
}

// Get returns the profiles stored under key. An expired key is a miss.
func (c *Redis) Get(ctx context.Context, key string) ([]domain.ProfileSummary, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}

	var profiles []domain.ProfileSummary
	if err := json.Unmarshal(b, &profiles); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return profiles, true, nil
}

// Set replaces the profiles stored under key.
func (c *Redis) Set(ctx context.Context, key string, profiles []domain.ProfileSummary, ttl time.Duration) error {
	if profiles == nil {
		profiles = []domain.ProfileSummary{}
	}
	b, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	c.logger.Debug("graph cache set", "key", key, "count", len(profiles), "ttl", ttl)
	return nil
}
