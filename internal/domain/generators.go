package domain

import (
	"context"
	"fmt"
)

// RetrieveFunc produces one page of a feed for the authenticated issuer.
type RetrieveFunc func(ctx context.Context, cursor string, limit int, issuerDID string) (*FeedSkeleton, error)

// Strategy describes which slice of the issuer's social graph a feed draws
// likes from.
type Strategy struct {
	// RKey is the record key of the feed generator record.
	RKey string

	needFollowers bool
	needFollowing bool
	combine       func(followers, following []ProfileSummary) []ProfileSummary
}

var (
	// FollowersLiked shows posts liked by the issuer's followers.
	FollowersLiked = Strategy{
		RKey:          "followers-liked",
		needFollowers: true,
		combine:       func(followers, _ []ProfileSummary) []ProfileSummary { return followers },
	}

	// FollowingLiked shows posts liked by accounts the issuer follows.
	FollowingLiked = Strategy{
		RKey:          "following-liked",
		needFollowing: true,
		combine:       func(_, following []ProfileSummary) []ProfileSummary { return following },
	}

	// MutualsLiked shows posts liked by accounts that both follow and are
	// followed by the issuer.
	MutualsLiked = Strategy{
		RKey:          "mutuals-liked",
		needFollowers: true,
		needFollowing: true,
		combine:       intersectProfiles,
	}

	// NetworkLiked shows posts liked by anyone the issuer follows or is
	// followed by.
	NetworkLiked = Strategy{
		RKey:          "network-liked",
		needFollowers: true,
		needFollowing: true,
		combine:       unionProfiles,
	}
)

// DefaultStrategies are the feeds served by this generator.
func DefaultStrategies() []Strategy {
	return []Strategy{FollowersLiked, FollowingLiked, MutualsLiked, NetworkLiked}
}

// FeedURI returns the AT-URI of the feed generator record rkey published by publisherDID.
func FeedURI(publisherDID, rkey string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, rkey)
}

// Retriever binds the strategy to a social graph and query engine.
func (s Strategy) Retriever(graph *SocialGraph, engine *QueryEngine) RetrieveFunc {
	return func(ctx context.Context, cursor string, limit int, issuerDID string) (*FeedSkeleton, error) {
		var followers, following []ProfileSummary
		var err error
		if s.needFollowers {
			if followers, err = graph.Followers(ctx, issuerDID); err != nil {
				return nil, fmt.Errorf("get followers: %w", err)
			}
		}
		if s.needFollowing {
			if following, err = graph.Following(ctx, issuerDID); err != nil {
				return nil, fmt.Errorf("get following: %w", err)
			}
		}

		candidates := s.combine(followers, following)
		handles := make([]string, 0, len(candidates))
		for _, p := range candidates {
			handles = append(handles, p.DID)
		}

		result, err := engine.Query(ctx, handles, limit, cursor)
		if err != nil {
			return nil, err
		}

		return buildSkeleton(result, indexProfiles(followers, following)), nil
	}
}

// buildSkeleton turns a page of likes into feed items. Likes of the same
// post within the page collapse into one item that credits every liker.
func buildSkeleton(result QueryResult, profiles map[string]ProfileSummary) *FeedSkeleton {
	skeleton := &FeedSkeleton{Posts: make([]SkeletonPost, 0, len(result.Records))}
	if !result.Cursor.IsEmpty() {
		skeleton.Cursor = result.Cursor.String()
	}

	position := make(map[string]int, len(result.Records))
	var likers [][]ProfileSummary
	for _, r := range result.Records {
		p, ok := profiles[r.Actor]
		if !ok {
			p = ProfileSummary{DID: r.Actor}
		}

		i, seen := position[r.SubjectURI]
		if !seen {
			i = len(skeleton.Posts)
			position[r.SubjectURI] = i
			skeleton.Posts = append(skeleton.Posts, SkeletonPost{Post: r.SubjectURI})
			likers = append(likers, nil)
		}
		likers[i] = append(likers[i], p)
	}

	for i := range skeleton.Posts {
		skeleton.Posts[i].FeedContext = RenderAttribution(likers[i])
	}
	return skeleton
}

func indexProfiles(lists ...[]ProfileSummary) map[string]ProfileSummary {
	index := make(map[string]ProfileSummary)
	for _, list := range lists {
		for _, p := range list {
			if _, ok := index[p.DID]; !ok {
				index[p.DID] = p
			}
		}
	}
	return index
}

func intersectProfiles(followers, following []ProfileSummary) []ProfileSummary {
	followed := make(map[string]struct{}, len(following))
	for _, p := range following {
		followed[p.DID] = struct{}{}
	}
	var out []ProfileSummary
	seen := make(map[string]struct{})
	for _, p := range followers {
		if _, ok := followed[p.DID]; !ok {
			continue
		}
		if _, dup := seen[p.DID]; dup {
			continue
		}
		seen[p.DID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func unionProfiles(followers, following []ProfileSummary) []ProfileSummary {
	var out []ProfileSummary
	seen := make(map[string]struct{}, len(followers)+len(following))
	for _, list := range [][]ProfileSummary{followers, following} {
		for _, p := range list {
			if _, ok := seen[p.DID]; ok {
				continue
			}
			seen[p.DID] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
