package domain

import (
	"fmt"
	"strings"
)

// keySeparator joins key parts. DIDs contain single colons, so a single
// colon cannot be used.
const keySeparator = "::"

// Key identifies a record by collection, actor and record key. Its string
// form is the primary key in storage.
type Key struct {
	Collection string
	Actor      string
	RKey       string
}

// NewKey validates the parts of a key. The actor may contain the separator;
// the collection and record key may not.
func NewKey(collection, actor, rkey string) (Key, error) {
	if collection == "" || actor == "" || rkey == "" {
		return Key{}, fmt.Errorf("key parts must not be empty (collection=%q, actor=%q, rkey=%q)", collection, actor, rkey)
	}
	if strings.Contains(collection, keySeparator) {
		return Key{}, fmt.Errorf("collection %q contains %q", collection, keySeparator)
	}
	if strings.Contains(rkey, keySeparator) {
		return Key{}, fmt.Errorf("rkey %q contains %q", rkey, keySeparator)
	}
	return Key{Collection: collection, Actor: actor, RKey: rkey}, nil
}

func (k Key) String() string {
	return k.Collection + keySeparator + k.Actor + keySeparator + k.RKey
}

// ParseKey is the inverse of Key.String. The collection ends at the first
// separator and the record key starts after the last one.
func ParseKey(s string) (Key, error) {
	first := strings.Index(s, keySeparator)
	last := strings.LastIndex(s, keySeparator)
	if first < 0 || first == last {
		return Key{}, fmt.Errorf("key %q must have three parts", s)
	}
	return NewKey(s[:first], s[first+len(keySeparator):last], s[last+len(keySeparator):])
}

// FollowersCacheKey is the graph cache key for the followers of did.
func FollowersCacheKey(did string) string {
	return "follow" + keySeparator + did
}

// FollowingCacheKey is the graph cache key for the accounts did follows.
func FollowingCacheKey(did string) string {
	return "following" + keySeparator + did
}
