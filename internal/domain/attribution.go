package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxFeedContextLength is the rune budget for attribution text.
	MaxFeedContextLength = 2000

	attributionPrefix = "Liked by "
	ellipsis          = "..."
)

// RenderAttribution builds "Liked by Name (handle), ..." for likers, in
// order. Names that do not fit are replaced by a trailing ellipsis; the
// result never exceeds MaxFeedContextLength runes.
func RenderAttribution(likers []ProfileSummary) string {
	var b strings.Builder
	b.WriteString(attributionPrefix)
	length := utf8.RuneCountInString(attributionPrefix)
	ellipsisLen := utf8.RuneCountInString(ellipsis)

	for i, p := range likers {
		part := displayLiker(p)
		if i > 0 {
			part = ", " + part
		}
		partLen := utf8.RuneCountInString(part)

		// Keep room for the ellipsis unless this is the last name.
		need := partLen
		if i < len(likers)-1 {
			need += ellipsisLen
		}
		if length+need > MaxFeedContextLength {
			b.WriteString(ellipsis)
			break
		}

		b.WriteString(part)
		length += partLen
	}
	return b.String()
}

func displayLiker(p ProfileSummary) string {
	switch {
	case p.DisplayName != "" && p.Handle != "":
		return p.DisplayName + " (" + p.Handle + ")"
	case p.Handle != "":
		return p.Handle
	default:
		return p.DID
	}
}
