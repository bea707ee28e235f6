package graphcache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
)

// Memory is an in-process cache for single-instance deployments.
type Memory struct {
	c *cache.Cache
}

// NewMemory creates an in-memory cache that sweeps expired entries every
// cleanupInterval.
func NewMemory(cleanupInterval time.Duration) *Memory {
	return &Memory{c: cache.New(cache.NoExpiration, cleanupInterval)}
}

// Get returns a copy of the profiles stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]domain.ProfileSummary, bool, error) {
	v, found := m.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return clone(v.([]domain.ProfileSummary)), true, nil
}

// Set stores a copy of profiles under key.
func (m *Memory) Set(_ context.Context, key string, profiles []domain.ProfileSummary, ttl time.Duration) error {
	m.c.Set(key, clone(profiles), ttl)
	return nil
}

func clone(in []domain.ProfileSummary) []domain.ProfileSummary {
	out := make([]domain.ProfileSummary, len(in))
	copy(out, in)
	return out
}
