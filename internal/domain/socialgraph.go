package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// GraphCacheTTL is how long a fetched follower/following set is served
	// from cache before being fetched again in full.
	GraphCacheTTL = time.Hour

	graphPageSize = 100
	maxGraphPages = 1000
)

type listFunc func(ctx context.Context, actor, cursor string, limit int) (GraphPage, error)

// SocialGraph serves an actor's followers and follows, fetching them
// exhaustively from the AppView on a cache miss. Concurrent misses for the
// same actor each fetch; the last write wins.
type SocialGraph struct {
	client GraphClient
	cache  GraphCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewSocialGraph creates a SocialGraph. A zero ttl uses GraphCacheTTL.
func NewSocialGraph(client GraphClient, cache GraphCache, ttl time.Duration, logger *slog.Logger) *SocialGraph {
	if ttl <= 0 {
		ttl = GraphCacheTTL
	}
	return &SocialGraph{client: client, cache: cache, ttl: ttl, logger: logger}
}

// Followers returns the accounts following did.
func (g *SocialGraph) Followers(ctx context.Context, did string) ([]ProfileSummary, error) {
	return g.load(ctx, did, "followers", FollowersCacheKey(did), g.client.ListFollowers)
}

// Following returns the accounts did follows.
func (g *SocialGraph) Following(ctx context.Context, did string) ([]ProfileSummary, error) {
	return g.load(ctx, did, "following", FollowingCacheKey(did), g.client.ListFollowing)
}

func (g *SocialGraph) load(ctx context.Context, did, direction, key string, list listFunc) ([]ProfileSummary, error) {
	if err := ValidateDID(did); err != nil {
		return nil, err
	}

	cached, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn("graph cache read failed, fetching from upstream", "key", key, "error", err)
	} else if ok {
		g.logger.Debug("graph cache hit", "did", did, "direction", direction, "count", len(cached))
		return cached, nil
	}

	g.logger.Info("fetching social graph", "did", did, "direction", direction)
	profiles, err := fetchAll(ctx, did, list)
	if err != nil {
		return nil, fmt.Errorf("fetch %s for %s: %w", direction, did, err)
	}

	if err := g.cache.Set(ctx, key, profiles, g.ttl); err != nil {
		g.logger.Warn("graph cache write failed", "key", key, "error", err)
	}

	g.logger.Info("fetched social graph", "did", did, "direction", direction, "count", len(profiles))
	return profiles, nil
}

// fetchAll follows the upstream cursor until it runs out. Nothing is
// returned unless every page was read.
func fetchAll(ctx context.Context, did string, list listFunc) ([]ProfileSummary, error) {
	var (
		profiles []ProfileSummary
		cursor   string
		seen     = make(map[string]struct{})
	)
	for page := 0; ; page++ {
		if page >= maxGraphPages {
			return nil, fmt.Errorf("%w: more than %d pages", ErrUpstreamDataMissing, maxGraphPages)
		}

		result, err := list(ctx, did, cursor, graphPageSize)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, result.Profiles...)

		if result.Cursor == "" {
			return profiles, nil
		}
		if _, ok := seen[result.Cursor]; ok {
			return nil, fmt.Errorf("%w: cursor %q repeated", ErrUpstreamDataMissing, result.Cursor)
		}
		seen[result.Cursor] = struct{}{}
		cursor = result.Cursor
	}
}
