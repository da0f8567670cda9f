package entry

import "time"

// IsStale reports whether meta has outlived its revalidation interval at now.
// An interval of 0 is permanently fresh. The boundary is inclusive: an entry
// exactly interval old is still fresh.
func IsStale(meta Meta, now time.Time) bool {
	if meta.RevalidateSeconds <= 0 {
		return false
	}
	elapsed := now.UnixMilli() - meta.RevalidatedAt
	return elapsed > int64(meta.RevalidateSeconds)*1000
}

// IsWithinSWR reports whether meta may still be served: either it is fresh, or
// it is stale but inside the stale-while-revalidate grace window of swrSeconds.
func IsWithinSWR(meta Meta, now time.Time, swrSeconds int) bool {
	if !IsStale(meta, now) {
		return true
	}
	if swrSeconds <= 0 {
		return false
	}
	deadline := meta.RevalidatedAt + int64(meta.RevalidateSeconds)*1000 + int64(swrSeconds)*1000
	return now.UnixMilli() < deadline
}

// StaleAt returns the instant after which meta becomes stale, and false when it
// never does.
func StaleAt(meta Meta) (time.Time, bool) {
	if meta.RevalidateSeconds <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(meta.RevalidatedAt + int64(meta.RevalidateSeconds)*1000), true
}
