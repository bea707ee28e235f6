package sqlstore

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
)

// handleChunkSize bounds the number of bind parameters per sqlite scan.
const handleChunkSize = 500

// Repository implements domain.LikeRepository and domain.CursorRepository
// on top of database/sql.
type Repository struct {
	db        *sql.DB
	dialect   Dialect
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithRetention sets how long likes stay visible. Defaults to domain.LikeRetention.
func WithRetention(d time.Duration) Option {
	return func(r *Repository) { r.retention = d }
}

// WithClock overrides the time source used for indexedAt and retention.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository connects to the database, verifies the connection, and makes
// sure the schema exists. Schema errors are logged, not returned. The caller
// should call Close when the repository is no longer needed.
func NewRepository(ctx context.Context, dialect Dialect, databaseURL string, logger *slog.Logger, opts ...Option) (*Repository, error) {
	db, err := sql.Open(string(dialect), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == SQLite {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repository{
		db:        db,
		dialect:   dialect,
		retention: domain.LikeRetention,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.ensureSchema(ctx)
	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// AddLike inserts a like unless one with the same actor and rkey exists.
func (r *Repository) AddLike(ctx context.Context, actor, rkey string, like domain.Like) (bool, error) {
	if !like.Valid() {
		return false, fmt.Errorf("%w: subject uri and createdAt are required", domain.ErrInvalidLike)
	}
	actor, err := domain.NormalizeActor(actor)
	if err != nil {
		return false, err
	}
	key, err := domain.NewKey(domain.LikeCollection, actor, rkey)
	if err != nil {
		return false, fmt.Errorf("build key: %w", err)
	}

	res, err := r.db.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO likes (like_key, actor, rkey, subject_uri, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		key.String(),
		actor,
		rkey,
		like.SubjectURI,
		like.CreatedAt.UnixMilli(),
		r.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert like %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RemoveLike deletes a like by actor and rkey.
func (r *Repository) RemoveLike(ctx context.Context, actor, rkey string) (bool, error) {
	actor, err := domain.NormalizeActor(actor)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`DELETE FROM likes WHERE actor = ? AND rkey = ?`),
		actor, rkey,
	)
	if err != nil {
		return false, fmt.Errorf("delete like (actor=%s, rkey=%s): %w", actor, rkey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetLikesByHandles scans the time index for likes by handles. On postgres
// the whole handle set goes into one statement. On sqlite, handle sets
// larger than one query's parameter budget are scanned in chunks and merged.
func (r *Repository) GetLikesByHandles(ctx context.Context, handles []string, limit int, cursor *domain.Cursor) ([]domain.LikeRecord, error) {
	actors, err := domain.NormalizeActors(handles)
	if err != nil {
		return nil, err
	}
	if limit < 1 || len(actors) == 0 {
		return nil, nil
	}

	notBefore := r.now().Add(-r.retention).UnixMilli()
	scan := func(ctx context.Context, actors []string) ([]domain.LikeRecord, error) {
		return r.queryLikes(ctx, actors, limit, cursor, notBefore)
	}

	if r.dialect == Postgres {
		return scan(ctx, actors)
	}
	return scanChunks(ctx, actors, limit, scan)
}

type scanFunc func(ctx context.Context, actors []string) ([]domain.LikeRecord, error)

// scanChunks runs scan over actors handleChunkSize at a time and merges the
// pages. An interrupted multi-chunk pass returns no records: the merge of
// some chunks is not a prefix of the full order.
func scanChunks(ctx context.Context, actors []string, limit int, scan scanFunc) ([]domain.LikeRecord, error) {
	if len(actors) <= handleChunkSize {
		return scan(ctx, actors)
	}

	var likes []domain.LikeRecord
	for start := 0; start < len(actors); start += handleChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scan likes: %w", err)
		}

		end := min(start+handleChunkSize, len(actors))
		chunk, err := scan(ctx, actors[start:end])
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("scan likes: %w", ctxErr)
			}
			return nil, err
		}
		likes = mergeLikes(append(likes, chunk...), limit)
	}
	return likes, nil
}

// queryLikes reads one ordered page. If ctx ends while rows are being read,
// the rows read so far are returned with the context error; they are a
// prefix of the page.
func (r *Repository) queryLikes(ctx context.Context, actors []string, limit int, cursor *domain.Cursor, notBefore int64) ([]domain.LikeRecord, error) {
	var (
		q    strings.Builder
		args = make([]any, 0, len(actors)+7)
	)
	q.WriteString(`
		SELECT actor, rkey, subject_uri, created_at, indexed_at
		FROM likes
		WHERE `)
	if r.dialect == Postgres {
		q.WriteString(`actor = ANY(?)`)
		args = append(args, pq.Array(actors))
	} else {
		q.WriteString(`actor IN (` + placeholders(len(actors)) + `)`)
		for _, a := range actors {
			args = append(args, a)
		}
	}
	q.WriteString(` AND indexed_at >= ?`)
	args = append(args, notBefore)

	if cursor != nil {
		rkey, actor := cursor.Position()
		q.WriteString(` AND (indexed_at < ? OR (indexed_at = ? AND (rkey > ? OR (rkey = ? AND actor > ?))))`)
		args = append(args, cursor.Timestamp, cursor.Timestamp, rkey, rkey, actor)
	}
	q.WriteString(`
		ORDER BY indexed_at DESC, rkey ASC, actor ASC
		LIMIT ?`)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(q.String()), args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("scan likes: %w", ctxErr)
		}
		return nil, fmt.Errorf("query likes (actors=%d, limit=%d, cursor=%v): %w", len(actors), limit, cursor, err)
	}
	defer rows.Close()

	var likes []domain.LikeRecord
	for rows.Next() {
		var (
			l         domain.LikeRecord
			createdAt sql.NullInt64
			indexedAt int64
		)
		if err := rows.Scan(&l.Actor, &l.RKey, &l.SubjectURI, &createdAt, &indexedAt); err != nil {
			return nil, fmt.Errorf("scan like: %w", err)
		}
		if createdAt.Valid {
			t := time.UnixMilli(createdAt.Int64).UTC()
			l.CreatedAt = &t
		}
		l.IndexedAt = time.UnixMilli(indexedAt).UTC()
		likes = append(likes, l)
	}

	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return likes, fmt.Errorf("scan likes: %w", ctxErr)
		}
		return nil, fmt.Errorf("iterate likes: %w", err)
	}
	return likes, nil
}

// mergeLikes orders likes like the scan query does and keeps the first limit.
func mergeLikes(likes []domain.LikeRecord, limit int) []domain.LikeRecord {
	slices.SortFunc(likes, func(a, b domain.LikeRecord) int {
		if c := b.IndexedAt.Compare(a.IndexedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.RKey, b.RKey); c != 0 {
			return c
		}
		return cmp.Compare(a.Actor, b.Actor)
	})
	if len(likes) > limit {
		likes = likes[:limit]
	}
	return likes
}

// DeleteExpiredLikes removes likes older than maxAge and any excess rows
// beyond maxRows, keeping the most recent likes. Returns the total number of
// rows deleted.
func (r *Repository) DeleteExpiredLikes(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.dialect.rebind(
		`DELETE FROM likes WHERE indexed_at < ?`),
		r.now().Add(-maxAge).UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired likes: %w", err)
	}
	ttlDeleted, _ := res.RowsAffected()

	var capDeleted int64
	if maxRows > 0 {
		res, err = tx.ExecContext(ctx, r.dialect.rebind(`
			DELETE FROM likes WHERE like_key IN (
				SELECT like_key FROM likes
				ORDER BY indexed_at DESC, rkey ASC
				`+r.dialect.offsetClause()+`
			)`), maxRows,
		)
		if err != nil {
			return 0, fmt.Errorf("delete excess likes: %w", err)
		}
		capDeleted, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return ttlDeleted + capDeleted, nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(
		`SELECT cursor_value FROM cursors WHERE service = ?`), service,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`),
		service, cursor, r.now().UnixMilli(),
	)
	return err
}
