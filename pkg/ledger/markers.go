package ledger

import (
	"strings"
)

// Marker tokens written into a transaction's notes. A token is stored as a
// "#token" word.
const (
	MarkerStaged = "pushed-to-store"
	MarkerPosted = "posted-to-accounting"

	paidPrefix = "paid:"
)

// PaidMarker returns the "paid:<date>" token for a posting date.
func PaidMarker(date string) string {
	return paidPrefix + date
}

// ParseMarkers returns the marker tokens found in notes, in order of first
// appearance, without case-insensitive duplicates.
func ParseMarkers(notes string) []string {
	var tokens []string
	seen := make(map[string]bool)

	for _, word := range strings.Fields(notes) {
		if len(word) < 2 || word[0] != '#' {
			continue
		}
		token := strings.TrimRight(word[1:], ",;")
		if token == "" {
			continue
		}
		key := strings.ToLower(token)
		if seen[key] {
			continue
		}
		seen[key] = true
		tokens = append(tokens, token)
	}
	return tokens
}

// HasMarker reports whether notes carries token (case-insensitive).
func HasMarker(notes, token string) bool {
	for _, t := range ParseMarkers(notes) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// MergeMarkers appends the tokens missing from notes. Existing text and
// markers are kept verbatim. The second result is false when nothing had to
// be appended.
func MergeMarkers(notes string, tokens ...string) (string, bool) {
	present := make(map[string]bool)
	for _, t := range ParseMarkers(notes) {
		present[strings.ToLower(t)] = true
	}

	merged := notes
	changed := false
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		key := strings.ToLower(token)
		if token == "" || present[key] {
			continue
		}
		present[key] = true

		if merged != "" && !strings.HasSuffix(merged, " ") {
			merged += " "
		}
		merged += "#" + token
		changed = true
	}
	return merged, changed
}
