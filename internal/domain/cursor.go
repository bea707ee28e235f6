package domain

import (
	"strconv"
	"strings"
)

// Cursor is a resume position in the like index: records strictly after it
// in (indexedAt DESC, rkey ASC, actor ASC) order are returned next.
type Cursor struct {
	// Timestamp is the indexedAt of the last returned record, in unix millis.
	Timestamp int64

	// TieBreak is the storage key of the last returned record.
	TieBreak string
}

// EmptyCursor marks the end of a feed.
var EmptyCursor = Cursor{}

// IsEmpty reports whether c is the end-of-feed cursor.
func (c Cursor) IsEmpty() bool {
	return c == EmptyCursor
}

func (c Cursor) String() string {
	return strconv.FormatInt(c.Timestamp, 10) + ":" + c.TieBreak
}

// Position splits the tie-break into the record key and actor it resumes
// after. A tie-break that is not a storage key is taken as a bare record
// key, which resumes after every actor's record with that key.
func (c Cursor) Position() (rkey, actor string) {
	key, err := ParseKey(c.TieBreak)
	if err != nil {
		return c.TieBreak, ""
	}
	return key.RKey, key.Actor
}

// ParseCursor parses "<timestamp>:<tieBreak>". Tie-breaks contain colons,
// so only the first colon separates the fields. ok is false for malformed
// input, which callers treat as no cursor at all.
func ParseCursor(s string) (c Cursor, ok bool) {
	ts, tieBreak, found := strings.Cut(s, ":")
	if !found {
		return Cursor{}, false
	}
	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || timestamp < 0 {
		return Cursor{}, false
	}
	return Cursor{Timestamp: timestamp, TieBreak: tieBreak}, true
}
