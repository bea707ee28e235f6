package graphcache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
)

var _ domain.GraphCache = (*Redis)(nil)
var _ domain.GraphCache = (*Memory)(nil)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedis(RedisConfig{Addr: mr.Addr()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func testProfiles() []domain.ProfileSummary {
	return []domain.ProfileSummary{
		{DID: "did:plc:alice", Handle: "alice.bsky.social", DisplayName: "Alice"},
		{DID: "did:plc:bob", Handle: "bob.bsky.social"},
	}
}

func TestRedis_SetGet(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()
	key := domain.FollowersCacheKey("did:plc:me")

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, testProfiles(), time.Hour))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testProfiles(), got)
}

func TestRedis_Expiry(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()
	key := domain.FollowingCacheKey("did:plc:me")

	require.NoError(t, c.Set(ctx, key, testProfiles(), time.Hour))
	mr.FastForward(time.Hour + time.Second)

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_EmptySetIsAHit(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "follow::did:plc:loner", nil, time.Hour))

	got, ok, err := c.Get(ctx, "follow::did:plc:loner")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestRedis_CorruptValue(t *testing.T) {
	c, mr := newTestRedis(t)
	require.NoError(t, mr.Set("follow::did:plc:me", "not json"))

	_, ok, err := c.Get(context.Background(), "follow::did:plc:me")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRedis_Unreachable(t *testing.T) {
	c, mr := newTestRedis(t)
	mr.Close()

	_, _, err := c.Get(context.Background(), "follow::did:plc:me")
	assert.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	in := testProfiles()
	require.NoError(t, m.Set(ctx, "k", in, time.Hour))
	in[0].Handle = "mutated"

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice.bsky.social", got[0].Handle)

	got[1].Handle = "mutated"
	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "bob.bsky.social", again[1].Handle)
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", testProfiles(), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
