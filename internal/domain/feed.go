package domain

// FeedSkeleton is the response body for getFeedSkeleton.
type FeedSkeleton struct {
	// Cursor resumes the feed after the last post. Empty when the feed is exhausted.
	Cursor string
	Posts  []SkeletonPost
}

// SkeletonPost is a single entry in a feed skeleton.
type SkeletonPost struct {
	// Post is the AT-URI of the post.
	Post string

	// FeedContext is the attribution text shown with the post.
	FeedContext string
}

// FeedDescription describes a single feed served by this generator.
type FeedDescription struct {
	// URI is the AT-URI of the feed generator record.
	URI string `json:"uri"`
}

// GeneratorDescription is the response body for describeFeedGenerator.
type GeneratorDescription struct {
	DID   string            `json:"did"`
	Feeds []FeedDescription `json:"feeds"`
}
