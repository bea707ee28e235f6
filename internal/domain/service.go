package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// LikeRetention is how long a like stays visible after it was indexed.
	LikeRetention = 24 * time.Hour

	pageCacheTTL = time.Minute
)

// FeedService is the core domain service. It applies firehose mutations to
// the like store and serves feed skeletons for the registered strategies.
type FeedService struct {
	feeds   map[string]RetrieveFunc // keyed by feed URI
	uris    []string
	likes   LikeRepository
	cursors CursorRepository
	pages   *cache.Cache
	logger  *slog.Logger
}

// NewFeedService registers one feed per strategy under publisherDID.
func NewFeedService(
	publisherDID string,
	strategies []Strategy,
	likes LikeRepository,
	cursors CursorRepository,
	graph *SocialGraph,
	logger *slog.Logger,
) (*FeedService, error) {
	if err := ValidateDID(publisherDID); err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}

	engine := NewQueryEngine(likes, logger)
	feeds := make(map[string]RetrieveFunc, len(strategies))
	uris := make([]string, 0, len(strategies))
	for _, s := range strategies {
		uri := FeedURI(publisherDID, s.RKey)
		if _, dup := feeds[uri]; dup {
			return nil, fmt.Errorf("feed %s: registered twice", uri)
		}
		feeds[uri] = s.Retriever(graph, engine)
		uris = append(uris, uri)
	}

	return &FeedService{
		feeds:   feeds,
		uris:    uris,
		likes:   likes,
		cursors: cursors,
		pages:   cache.New(pageCacheTTL, 2*pageCacheTTL),
		logger:  logger,
	}, nil
}

// FeedURIs returns the AT-URIs of all registered feeds in registration order.
func (s *FeedService) FeedURIs() []string {
	out := make([]string, len(s.uris))
	copy(out, s.uris)
	return out
}

// HasFeed reports whether feedURI is registered.
func (s *FeedService) HasFeed(feedURI string) bool {
	_, ok := s.feeds[feedURI]
	return ok
}

// Describe lists the registered feeds served under serviceDID.
func (s *FeedService) Describe(serviceDID string) GeneratorDescription {
	desc := GeneratorDescription{DID: serviceDID, Feeds: make([]FeedDescription, 0, len(s.uris))}
	for _, uri := range s.uris {
		desc.Feeds = append(desc.Feeds, FeedDescription{URI: uri})
	}
	return desc
}

// ProcessLike stores a like from the firehose. Returns true if it was new.
func (s *FeedService) ProcessLike(ctx context.Context, actor, rkey string, like Like) (bool, error) {
	if !like.Valid() {
		return false, fmt.Errorf("%w: subject=%q createdAt=%v", ErrInvalidLike, like.SubjectURI, like.CreatedAt)
	}
	created, err := s.likes.AddLike(ctx, actor, rkey, like)
	if err != nil {
		return false, fmt.Errorf("add like: %w", err)
	}
	return created, nil
}

// ProcessUnlike removes a like. Returns true if something was deleted.
func (s *FeedService) ProcessUnlike(ctx context.Context, actor, rkey string) (bool, error) {
	removed, err := s.likes.RemoveLike(ctx, actor, rkey)
	if err != nil {
		return false, fmt.Errorf("remove like: %w", err)
	}
	return removed, nil
}

// GetCursor retrieves the last-processed firehose cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.cursors.GetCursor(ctx, service)
}

// UpdateCursor persists the firehose cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.cursors.UpdateCursor(ctx, service, cursor)
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed URI
// as seen by issuerDID. Identical requests within a minute are served from
// memory.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor, issuerDID string) (*FeedSkeleton, error) {
	retrieve, ok := s.feeds[feedURI]
	if !ok {
		s.logger.Warn("unknown feed requested", "feedURI", feedURI, "registered_feeds", s.uris)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFeed, feedURI)
	}

	cacheKey := feedURI + "|" + issuerDID + "|" + cursor + "|" + strconv.Itoa(limit)
	if cached, found := s.pages.Get(cacheKey); found {
		s.logger.Debug("feed page cache hit", "feedURI", feedURI, "issuer", issuerDID)
		return copySkeleton(cached.(*FeedSkeleton)), nil
	}

	skeleton, err := retrieve(ctx, cursor, limit, issuerDID)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", feedURI, err)
	}

	// An interrupted scan yields a short page meant only for this caller.
	if ctx.Err() != nil {
		return skeleton, nil
	}
	s.pages.SetDefault(cacheKey, copySkeleton(skeleton))
	return skeleton, nil
}

// StartCleanupJob runs a background loop that removes likes older than maxAge
// and caps the total at maxRows. It runs immediately on start and then repeats
// at the given interval. It blocks until ctx is cancelled.
func (s *FeedService) StartCleanupJob(ctx context.Context, interval time.Duration, maxAge time.Duration, maxRows int) {
	s.runCleanup(ctx, maxAge, maxRows)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(ctx, maxAge, maxRows)
		}
	}
}

func (s *FeedService) runCleanup(ctx context.Context, maxAge time.Duration, maxRows int) {
	deleted, err := s.likes.DeleteExpiredLikes(ctx, maxAge, maxRows)
	if err != nil {
		s.logger.Error("like cleanup failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("like cleanup complete", "deleted", deleted)
	}
}

func copySkeleton(in *FeedSkeleton) *FeedSkeleton {
	out := &FeedSkeleton{Cursor: in.Cursor, Posts: make([]SkeletonPost, len(in.Posts))}
	copy(out.Posts, in.Posts)
	return out
}
