package domain

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLikes is an in-memory LikeRepository with the same ordering rules as
// the SQL store.
type memLikes struct {
	mu      sync.Mutex
	records map[string]LikeRecord
	now     time.Time
	cursors map[string]int64

	// scanErr is returned by GetLikesByHandles together with the first
	// partialRecords matches.
	scanErr        error
	partialRecords int
	scans          int
	ignoreCursor   bool
}

func newMemLikes() *memLikes {
	return &memLikes{
		records: make(map[string]LikeRecord),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		cursors: make(map[string]int64),
	}
}

func (m *memLikes) tick(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *memLikes) AddLike(_ context.Context, actor, rkey string, like Like) (bool, error) {
	actor, err := NormalizeActor(actor)
	if err != nil {
		return false, err
	}
	key, err := NewKey(LikeCollection, actor, rkey)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key.String()]; ok {
		return false, nil
	}
	m.records[key.String()] = LikeRecord{
		Actor:      actor,
		RKey:       rkey,
		SubjectURI: like.SubjectURI,
		CreatedAt:  like.CreatedAt,
		IndexedAt:  m.now,
	}
	return true, nil
}

func (m *memLikes) RemoveLike(_ context.Context, actor, rkey string) (bool, error) {
	actor, err := NormalizeActor(actor)
	if err != nil {
		return false, err
	}
	key := Key{Collection: LikeCollection, Actor: actor, RKey: rkey}.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

func (m *memLikes) GetLikesByHandles(_ context.Context, handles []string, limit int, cursor *Cursor) ([]LikeRecord, error) {
	actors, err := NormalizeActors(handles)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++

	wanted := make(map[string]bool, len(actors))
	for _, a := range actors {
		wanted[a] = true
	}

	var out []LikeRecord
	for _, r := range m.records {
		if !wanted[r.Actor] {
			continue
		}
		if cursor != nil && !m.ignoreCursor {
			ts := r.IndexedAt.UnixMilli()
			rkey, actor := cursor.Position()
			if ts > cursor.Timestamp || (ts == cursor.Timestamp && (r.RKey < rkey || r.RKey == rkey && r.Actor <= actor)) {
				continue
			}
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b LikeRecord) int {
		if c := b.IndexedAt.Compare(a.IndexedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.RKey, b.RKey); c != 0 {
			return c
		}
		return cmp.Compare(a.Actor, b.Actor)
	})

	if m.scanErr != nil {
		return out[:min(m.partialRecords, len(out))], m.scanErr
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLikes) DeleteExpiredLikes(_ context.Context, maxAge time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.records {
		if r.IndexedAt.Before(m.now.Add(-maxAge)) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *memLikes) GetCursor(_ context.Context, service string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[service], nil
}

func (m *memLikes) UpdateCursor(_ context.Context, service string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[service] = cursor
	return nil
}

// fakeGraph serves followers and follows from fixed lists, in pages.
type fakeGraph struct {
	mu        sync.Mutex
	followers map[string][]ProfileSummary
	following map[string][]ProfileSummary
	calls     int
	err       error

	// loopCursor makes every page return the same non-empty cursor.
	loopCursor bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		followers: make(map[string][]ProfileSummary),
		following: make(map[string][]ProfileSummary),
	}
}

func (g *fakeGraph) ListFollowers(_ context.Context, actor, cursor string, limit int) (GraphPage, error) {
	return g.page(g.followers[actor], cursor, limit)
}

func (g *fakeGraph) ListFollowing(_ context.Context, actor, cursor string, limit int) (GraphPage, error) {
	return g.page(g.following[actor], cursor, limit)
}

func (g *fakeGraph) page(all []ProfileSummary, cursor string, limit int) (GraphPage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return GraphPage{}, g.err
	}
	if g.loopCursor {
		return GraphPage{Profiles: all[:min(1, len(all))], Cursor: "again"}, nil
	}

	start := 0
	if cursor != "" {
		for i, p := range all {
			if p.DID == cursor {
				start = i + 1
			}
		}
	}
	end := min(start+limit, len(all))
	page := GraphPage{Profiles: append([]ProfileSummary(nil), all[start:end]...)}
	if end < len(all) {
		page.Cursor = all[end-1].DID
	}
	return page, nil
}

func (g *fakeGraph) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// mapCache is a GraphCache without expiry.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]ProfileSummary
	getErr  error
	sets    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]ProfileSummary)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]ProfileSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	p, ok := c.entries[key]
	return append([]ProfileSummary(nil), p...), ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, profiles []ProfileSummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[key] = append([]ProfileSummary(nil), profiles...)
	return nil
}

func profile(did, handle, name string) ProfileSummary {
	return ProfileSummary{DID: did, Handle: handle, DisplayName: name}
}

func validLike(subject string) Like {
	created := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	return Like{SubjectURI: subject, CreatedAt: &created}
}
