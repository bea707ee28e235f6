package domain

import (
	"context"
	"time"
)

// LikeRepository defines persistence operations for indexed likes.
type LikeRepository interface {
	// AddLike stores a like. It returns false without error if a like with
	// the same actor and record key already exists.
	AddLike(ctx context.Context, actor, rkey string, like Like) (bool, error)

	// RemoveLike deletes a like. It returns false if there was nothing to delete.
	RemoveLike(ctx context.Context, actor, rkey string) (bool, error)

	// GetLikesByHandles returns at most limit likes by the given actors,
	// ordered by indexedAt descending then rkey ascending, strictly after
	// cursor when it is non-nil. If ctx is cancelled mid-scan the records
	// gathered so far are returned along with the context error.
	GetLikesByHandles(ctx context.Context, handles []string, limit int, cursor *Cursor) ([]LikeRecord, error)

	// DeleteExpiredLikes removes likes older than maxAge and any excess rows
	// beyond maxRows (0 disables the cap). Returns the number of rows deleted.
	DeleteExpiredLikes(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error)
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// GraphPage is one page of a followers or follows listing.
type GraphPage struct {
	Profiles []ProfileSummary

	// Cursor is empty on the last page.
	Cursor string
}

// GraphClient lists an actor's social graph from the AppView.
type GraphClient interface {
	ListFollowers(ctx context.Context, actor, cursor string, limit int) (GraphPage, error)
	ListFollowing(ctx context.Context, actor, cursor string, limit int) (GraphPage, error)
}

// GraphCache stores complete follower/following sets with a TTL.
type GraphCache interface {
	// Get returns ok=false on a miss or an expired entry.
	Get(ctx context.Context, key string) (profiles []ProfileSummary, ok bool, err error)
	Set(ctx context.Context, key string, profiles []ProfileSummary, ttl time.Duration) error
}

// IssuerVerifier checks a service-auth token and returns the issuer DID.
type IssuerVerifier interface {
	VerifyIssuer(ctx context.Context, token, audience string) (string, error)
}
