package isrcache

import (
	"fmt"
	"net/http"

	"github.com/unkn0wn-root/isrcache/entry"
)

const (
	// CacheControlImmutable is sent for entries that never go stale.
	CacheControlImmutable = "public, max-age=31536000, immutable"
	// CacheControlNoCache is sent for placeholders, which must never be cached.
	CacheControlNoCache = "no-cache"
)

// CacheControl derives the Cache-Control value for meta.
func CacheControl(meta entry.Meta, swrSeconds int) string {
	if meta.RevalidateSeconds <= 0 {
		return CacheControlImmutable
	}
	return fmt.Sprintf("public, s-maxage=%d, stale-while-revalidate=%d", meta.RevalidateSeconds, max(swrSeconds, 0))
}

// ETag returns the quoted entity tag for meta, or "" when it has none.
func ETag(meta entry.Meta) string {
	if meta.ETag == "" {
		return ""
	}
	return `"` + meta.ETag + `"`
}

// ResponseHeaders replays the entry's stored headers and adds Cache-Control
// and ETag, which always win over stored values.
func ResponseHeaders(e *entry.Entry, swrSeconds int) http.Header {
	h := make(http.Header, len(e.Headers)+2)
	for k, v := range e.Headers {
		h.Set(k, v)
	}
	h.Set("Cache-Control", CacheControl(e.Meta, swrSeconds))
	if et := ETag(e.Meta); et != "" {
		h.Set("ETag", et)
	}
	return h
}
