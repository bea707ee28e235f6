package domain

import "time"

// LikeCollection is the NSID of like records.
const LikeCollection = "app.bsky.feed.like"

// LikeRecord is a like stored in our database.
type LikeRecord struct {
	// Actor is the DID of the account that liked the subject.
	Actor string

	// RKey is the record key of the like within the actor's repo.
	RKey string

	// SubjectURI is the AT-URI of the liked post.
	SubjectURI string

	// CreatedAt is the client-supplied creation time. It is never used for
	// ordering.
	CreatedAt *time.Time

	// IndexedAt is when we stored the like.
	IndexedAt time.Time
}

// Key returns the storage key of the record.
func (r LikeRecord) Key() Key {
	return Key{Collection: LikeCollection, Actor: r.Actor, RKey: r.RKey}
}

// Cursor returns the position just after this record.
func (r LikeRecord) Cursor() Cursor {
	return Cursor{Timestamp: r.IndexedAt.UnixMilli(), TieBreak: r.Key().String()}
}

// Like is an incoming like from the firehose that hasn't been persisted yet.
type Like struct {
	// SubjectURI is the AT-URI of the liked post.
	SubjectURI string

	// CreatedAt is the createdAt field of the like record, nil if absent.
	CreatedAt *time.Time
}

// Valid reports whether the like carries both a subject and a creation time.
func (l Like) Valid() bool {
	return l.SubjectURI != "" && l.CreatedAt != nil
}

// ProfileSummary is the part of an actor profile needed for attribution.
type ProfileSummary struct {
	DID         string `json:"did"`
	DisplayName string `json:"displayName,omitempty"`
	Handle      string `json:"handle"`
}
