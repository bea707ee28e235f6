package domain

import (
	"fmt"
	"regexp"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// rawPLCPattern matches the method-specific part of a did:plc on its own.
var rawPLCPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// ValidateDID returns ErrInvalidIdentifier unless did is a well-formed DID.
func ValidateDID(did string) error {
	if _, err := syntax.ParseDID(did); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	return nil
}

// NormalizeActor maps an actor identifier to the canonical DID stored with
// each like. It accepts a full DID or a bare did:plc identifier.
func NormalizeActor(id string) (string, error) {
	if rawPLCPattern.MatchString(id) {
		return "did:plc:" + id, nil
	}
	if err := ValidateDID(id); err != nil {
		return "", err
	}
	return id, nil
}

// NormalizeActors normalises and de-duplicates ids, preserving first-seen order.
func NormalizeActors(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		did, err := NormalizeActor(id)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[did]; ok {
			continue
		}
		seen[did] = struct{}{}
		out = append(out, did)
	}
	return out, nil
}
