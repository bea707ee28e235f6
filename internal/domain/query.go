package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// QueryResult is one page of likes and the cursor that follows it.
type QueryResult struct {
	Records []LikeRecord
	Cursor  Cursor
}

// QueryEngine pages through the like index for a set of actors.
type QueryEngine struct {
	repo   LikeRepository
	logger *slog.Logger
}

// NewQueryEngine creates a QueryEngine backed by repo.
func NewQueryEngine(repo LikeRepository, logger *slog.Logger) *QueryEngine {
	return &QueryEngine{repo: repo, logger: logger}
}

// Query returns up to limit likes by handles after the given cursor string.
// A malformed cursor starts from the newest like. An end-of-feed cursor, or a
// page that would not move the cursor forward, yields an empty page with
// EmptyCursor.
func (e *QueryEngine) Query(ctx context.Context, handles []string, limit int, cursor string) (QueryResult, error) {
	empty := QueryResult{Cursor: EmptyCursor}
	if limit < 1 || len(handles) == 0 {
		return empty, nil
	}

	var after *Cursor
	if cursor != "" {
		parsed, ok := ParseCursor(cursor)
		switch {
		case !ok:
			e.logger.Debug("malformed cursor, starting from the beginning", "cursor", cursor)
		case parsed.IsEmpty():
			return empty, nil
		default:
			after = &parsed
		}
	}

	records, err := e.repo.GetLikesByHandles(ctx, handles, limit, after)
	if err != nil {
		if !isInterrupted(ctx, err) {
			return QueryResult{}, fmt.Errorf("get likes by handles: %w", err)
		}
		e.logger.Warn("like scan interrupted, returning partial page",
			"records", len(records),
			"error", err,
		)
	}

	if len(records) == 0 {
		return empty, nil
	}

	next := records[len(records)-1].Cursor()
	if next.String() == cursor {
		return empty, nil
	}

	return QueryResult{Records: records, Cursor: next}, nil
}

func isInterrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
