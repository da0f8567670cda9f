package adapter

import "slices"

// TagDiff returns tags present in oldTags but not newTags (removed) and tags
// present in newTags but not oldTags (added). Inputs must be normalized.
func TagDiff(oldTags, newTags []string) (removed, added []string) {
	for _, t := range oldTags {
		if !slices.Contains(newTags, t) {
			removed = append(removed, t)
		}
	}
	for _, t := range newTags {
		if !slices.Contains(oldTags, t) {
			added = append(added, t)
		}
	}
	return removed, added
}
