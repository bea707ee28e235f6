package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPublisher = "did:plc:publisher"
	testViewer    = "did:plc:viewer"
)

type serviceFixture struct {
	svc   *FeedService
	likes *memLikes
	graph *fakeGraph
}

// newServiceFixture wires a viewer followed by alice and bob who follows bob
// and carol. Likes are indexed one second apart, oldest first:
// alice→post1, bob→post2, carol→post1, dave→post3.
func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	alice := profile("did:plc:alice", "alice.test", "Alice")
	bob := profile("did:plc:bob", "bob.test", "Bob")
	carol := profile("did:plc:carol", "carol.test", "")

	graph := newFakeGraph()
	graph.followers[testViewer] = []ProfileSummary{alice, bob}
	graph.following[testViewer] = []ProfileSummary{bob, carol}

	likes := newMemLikes()
	ctx := context.Background()
	for _, l := range []struct{ actor, rkey, post string }{
		{"did:plc:alice", "3ka", "at://did:plc:x/app.bsky.feed.post/1"},
		{"did:plc:bob", "3kb", "at://did:plc:x/app.bsky.feed.post/2"},
		{"did:plc:carol", "3kc", "at://did:plc:x/app.bsky.feed.post/1"},
		{"did:plc:dave", "3kd", "at://did:plc:x/app.bsky.feed.post/3"},
	} {
		created, err := likes.AddLike(ctx, l.actor, l.rkey, validLike(l.post))
		require.NoError(t, err)
		require.True(t, created)
		likes.tick(time.Second)
	}

	social := NewSocialGraph(graph, newMapCache(), 0, discardLogger())
	svc, err := NewFeedService(testPublisher, DefaultStrategies(), likes, likes, social, discardLogger())
	require.NoError(t, err)
	return &serviceFixture{svc: svc, likes: likes, graph: graph}
}

func posts(s *FeedSkeleton) []string {
	out := make([]string, len(s.Posts))
	for i, p := range s.Posts {
		out[i] = p.Post
	}
	return out
}

func TestFeedService_Strategies(t *testing.T) {
	tests := []struct {
		rkey      string
		wantPosts []string
	}{
		{"followers-liked", []string{"at://did:plc:x/app.bsky.feed.post/2", "at://did:plc:x/app.bsky.feed.post/1"}},
		{"following-liked", []string{"at://did:plc:x/app.bsky.feed.post/1", "at://did:plc:x/app.bsky.feed.post/2"}},
		{"mutuals-liked", []string{"at://did:plc:x/app.bsky.feed.post/2"}},
		{"network-liked", []string{"at://did:plc:x/app.bsky.feed.post/1", "at://did:plc:x/app.bsky.feed.post/2"}},
	}

	for _, tt := range tests {
		t.Run(tt.rkey, func(t *testing.T) {
			f := newServiceFixture(t)

			skeleton, err := f.svc.GetFeedSkeleton(context.Background(), FeedURI(testPublisher, tt.rkey), 10, "", testViewer)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPosts, posts(skeleton))
			assert.NotEmpty(t, skeleton.Cursor)
		})
	}
}

func TestFeedService_MergesLikersOfTheSamePost(t *testing.T) {
	f := newServiceFixture(t)

	skeleton, err := f.svc.GetFeedSkeleton(context.Background(), FeedURI(testPublisher, "network-liked"), 10, "", testViewer)
	require.NoError(t, err)

	require.Len(t, skeleton.Posts, 2)
	assert.Equal(t, "Liked by carol.test, Alice (alice.test)", skeleton.Posts[0].FeedContext)
	assert.Equal(t, "Liked by Bob (bob.test)", skeleton.Posts[1].FeedContext)
}

func TestFeedService_PagesToTheEnd(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	uri := FeedURI(testPublisher, "network-liked")

	first, err := f.svc.GetFeedSkeleton(ctx, uri, 2, "", testViewer)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://did:plc:x/app.bsky.feed.post/1", "at://did:plc:x/app.bsky.feed.post/2"}, posts(first))

	second, err := f.svc.GetFeedSkeleton(ctx, uri, 2, first.Cursor, testViewer)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://did:plc:x/app.bsky.feed.post/1"}, posts(second))
	assert.Equal(t, "Liked by Alice (alice.test)", second.Posts[0].FeedContext)

	last, err := f.svc.GetFeedSkeleton(ctx, uri, 2, second.Cursor, testViewer)
	require.NoError(t, err)
	assert.Empty(t, last.Posts)
	assert.Empty(t, last.Cursor)
}

func TestFeedService_PageCache(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	uri := FeedURI(testPublisher, "followers-liked")

	first, err := f.svc.GetFeedSkeleton(ctx, uri, 10, "", testViewer)
	require.NoError(t, err)
	scans := f.likes.scans
	first.Posts[0].Post = "mutated"

	again, err := f.svc.GetFeedSkeleton(ctx, uri, 10, "", testViewer)
	require.NoError(t, err)
	assert.Equal(t, scans, f.likes.scans, "served from page cache")
	assert.Equal(t, "at://did:plc:x/app.bsky.feed.post/2", again.Posts[0].Post)

	_, err = f.svc.GetFeedSkeleton(ctx, uri, 5, "", testViewer)
	require.NoError(t, err)
	assert.Equal(t, scans+1, f.likes.scans, "different limit misses")
}

func TestFeedService_UnsupportedFeed(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.GetFeedSkeleton(context.Background(), FeedURI("did:plc:someone-else", "followers-liked"), 10, "", testViewer)
	assert.ErrorIs(t, err, ErrUnsupportedFeed)
}

func TestFeedService_GraphErrors(t *testing.T) {
	f := newServiceFixture(t)
	uri := FeedURI(testPublisher, "mutuals-liked")

	_, err := f.svc.GetFeedSkeleton(context.Background(), uri, 10, "", "not-a-did")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	f.graph.err = ErrUpstreamDataMissing
	_, err = f.svc.GetFeedSkeleton(context.Background(), uri, 10, "", testViewer)
	assert.ErrorIs(t, err, ErrUpstreamDataMissing)
}

func TestFeedService_EmptyGraphYieldsEmptyFeed(t *testing.T) {
	f := newServiceFixture(t)

	skeleton, err := f.svc.GetFeedSkeleton(context.Background(), FeedURI(testPublisher, "network-liked"), 10, "", "did:plc:nobody")
	require.NoError(t, err)
	assert.Empty(t, skeleton.Posts)
	assert.Empty(t, skeleton.Cursor)
	assert.Zero(t, f.likes.scans)
}

func TestFeedService_ProcessLikeAndUnlike(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessLike(ctx, "did:plc:erin", "3ke", Like{SubjectURI: "at://did:plc:x/app.bsky.feed.post/4"})
	assert.ErrorIs(t, err, ErrInvalidLike)

	created, err := f.svc.ProcessLike(ctx, "did:plc:erin", "3ke", validLike("at://did:plc:x/app.bsky.feed.post/4"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.ProcessLike(ctx, "did:plc:erin", "3ke", validLike("at://did:plc:x/app.bsky.feed.post/4"))
	require.NoError(t, err)
	assert.False(t, created)

	removed, err := f.svc.ProcessUnlike(ctx, "did:plc:erin", "3ke")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.svc.ProcessUnlike(ctx, "did:plc:erin", "3ke")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.svc.ProcessUnlike(ctx, "Not A DID", "3ke")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestFeedService_Cursor(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	got, err := f.svc.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	assert.Zero(t, got)

	require.NoError(t, f.svc.UpdateCursor(ctx, "jetstream", 1725911162329308))
	got, err = f.svc.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	assert.Equal(t, int64(1725911162329308), got)
}

func TestFeedService_CleanupRunsOnStart(t *testing.T) {
	f := newServiceFixture(t)
	f.likes.tick(25 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.svc.StartCleanupJob(ctx, time.Hour, LikeRetention, 1000)

	assert.Empty(t, f.likes.records)
}

func TestNewFeedService(t *testing.T) {
	likes := newMemLikes()
	graph := NewSocialGraph(newFakeGraph(), newMapCache(), 0, discardLogger())

	svc, err := NewFeedService(testPublisher, DefaultStrategies(), likes, likes, graph, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"at://did:plc:publisher/app.bsky.feed.generator/followers-liked",
		"at://did:plc:publisher/app.bsky.feed.generator/following-liked",
		"at://did:plc:publisher/app.bsky.feed.generator/mutuals-liked",
		"at://did:plc:publisher/app.bsky.feed.generator/network-liked",
	}, svc.FeedURIs())

	_, err = NewFeedService(testPublisher, []Strategy{FollowersLiked, FollowersLiked}, likes, likes, graph, discardLogger())
	assert.Error(t, err)

	_, err = NewFeedService("publisher", DefaultStrategies(), likes, likes, graph, discardLogger())
	assert.True(t, errors.Is(err, ErrInvalidIdentifier))
}

func TestFeedService_Describe(t *testing.T) {
	likes := newMemLikes()
	graph := NewSocialGraph(newFakeGraph(), newMapCache(), 0, discardLogger())
	svc, err := NewFeedService(testPublisher, []Strategy{FollowingLiked, MutualsLiked}, likes, likes, graph, discardLogger())
	require.NoError(t, err)

	desc := svc.Describe("did:web:feeds.example.com")

	assert.Equal(t, GeneratorDescription{
		DID: "did:web:feeds.example.com",
		Feeds: []FeedDescription{
			{URI: "at://did:plc:publisher/app.bsky.feed.generator/following-liked"},
			{URI: "at://did:plc:publisher/app.bsky.feed.generator/mutuals-liked"},
		},
	}, desc)
	assert.True(t, svc.HasFeed("at://did:plc:publisher/app.bsky.feed.generator/mutuals-liked"))
	assert.False(t, svc.HasFeed("at://did:plc:publisher/app.bsky.feed.generator/followers-liked"))
}

func TestFeedService_InterruptedPageIsNotCached(t *testing.T) {
	f := newServiceFixture(t)
	uri := FeedURI(testPublisher, "following-liked")

	// Warm the graph cache so the cancelled request reaches the like scan.
	_, err := f.svc.GetFeedSkeleton(context.Background(), uri, 1, "", testViewer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.likes.scanErr = context.Canceled
	f.likes.partialRecords = 1

	short, err := f.svc.GetFeedSkeleton(ctx, uri, 10, "", testViewer)
	require.NoError(t, err)
	assert.Len(t, short.Posts, 1)

	f.likes.scanErr = nil
	full, err := f.svc.GetFeedSkeleton(context.Background(), uri, 10, "", testViewer)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://did:plc:x/app.bsky.feed.post/1", "at://did:plc:x/app.bsky.feed.post/2"}, posts(full))
}
