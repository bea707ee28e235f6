package sqlstore

import "context"

type schemaStatement struct {
	name string
	sql  string
}

// schema is valid in both postgres and sqlite. Timestamps are unix millis so
// cursors compare exactly.
var schema = []schemaStatement{
	{"likes table", `
		CREATE TABLE IF NOT EXISTS likes (
			like_key    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			rkey        TEXT NOT NULL,
			subject_uri TEXT NOT NULL,
			created_at  BIGINT,
			indexed_at  BIGINT NOT NULL
		)`},
	{"likes unique identity index", `
		CREATE UNIQUE INDEX IF NOT EXISTS likes_actor_rkey_idx ON likes (actor, rkey)`},
	{"likes time index", `
		CREATE INDEX IF NOT EXISTS likes_indexed_at_idx ON likes (indexed_at DESC, rkey ASC)`},
	{"likes actor time index", `
		CREATE INDEX IF NOT EXISTS likes_actor_indexed_at_idx ON likes (actor, indexed_at DESC)`},
	{"cursors table", `
		CREATE TABLE IF NOT EXISTS cursors (
			service      TEXT PRIMARY KEY,
			cursor_value BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL
		)`},
}

// ensureSchema creates missing tables and indexes. Each statement stands
// alone: a failure is logged and the rest still run, since the schema may
// already exist under a role without DDL rights.
func (r *Repository) ensureSchema(ctx context.Context) {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt.sql); err != nil {
			r.logger.Error("failed to create schema object, assuming it exists",
				"object", stmt.name,
				"error", err,
			)
		}
	}
}
