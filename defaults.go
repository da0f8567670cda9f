package isrcache

import "time"

const (
	defaultMaxConcurrent    = 4
	defaultSweepInterval    = time.Minute
	defaultFallbackPriority = 10

	defaultLoadingBody  = `<!doctype html><html><head><meta http-equiv="refresh" content="2"></head><body>Loading…</body></html>`
	defaultNotFoundBody = `<!doctype html><html><body><h1>404</h1><p>Not Found</p></body></html>`
)

// coalesce returns def when v is the zero value of T, otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// max0 clamps negative second counts to zero.
func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
