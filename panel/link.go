package panel

import "strings"

// aggregateLink builds the aggregated subscription URL: base + /sub/ + id,
// collapsing the segment when the base itself already ends in /sub. One link
// serves every inbound-level config sharing the id, so callers must never
// swap in a single-config URI instead.
func aggregateLink(subBase, id string) string {
	base := strings.TrimRight(strings.TrimSpace(subBase), "/")
	if base == "" || id == "" {
		return ""
	}
	if strings.HasSuffix(base, "/sub") {
		return base + "/" + id
	}
	return base + "/sub/" + id
}

// subBaseOrDefault prefers the panel's dedicated subscription base and falls
// back to its API base.
func subBaseOrDefault(subBase, base string) string {
	if strings.TrimSpace(subBase) != "" {
		return subBase
	}
	return base
}
