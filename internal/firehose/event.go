package firehose

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
)

// jetstreamEvent is the raw JSON structure from Jetstream.
type jetstreamEvent struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// likeRecord is the parsed content of an app.bsky.feed.like record.
type likeRecord struct {
	Type      string    `json:"$type"`
	Subject   strongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// strongRef is a reference to a specific version of a record.
type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &event, nil
}

// collection and operation label metrics; both are empty for non-commit events.
func (e *jetstreamEvent) collection() string {
	if e.Commit == nil {
		return ""
	}
	return e.Commit.Collection
}

func (e *jetstreamEvent) operation() string {
	if e.Commit == nil {
		return ""
	}
	return e.Commit.Operation
}

// complete reports whether the event identifies a record.
func (e *jetstreamEvent) complete() bool {
	return e.DID != "" && e.Commit != nil && e.Commit.Collection != "" && e.Commit.RKey != ""
}

// like decodes the commit record. A record that is missing or unparseable
// yields a Like that is not Valid.
func (c *jetstreamCommit) like() domain.Like {
	if len(c.Record) == 0 {
		return domain.Like{}
	}
	var record likeRecord
	if err := json.Unmarshal(c.Record, &record); err != nil {
		return domain.Like{}
	}

	like := domain.Like{SubjectURI: record.Subject.URI}
	if t, err := time.Parse(time.RFC3339Nano, record.CreatedAt); err == nil {
		like.CreatedAt = &t
	}
	return like
}
