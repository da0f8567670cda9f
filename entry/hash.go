package entry

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashContent fingerprints a rendered body. Two renders with the same hash are
// treated as a no-op regeneration.
func HashContent(body string) string {
	return strconv.FormatUint(xxhash.Sum64String(body), 16)
}

// ComputeETag derives the entity tag from the content hash and the
// revalidation instant. It changes on every successful regeneration.
func ComputeETag(contentHash string, revalidatedAt int64) string {
	d := xxhash.New()
	_, _ = d.WriteString(contentHash)
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(strconv.FormatInt(revalidatedAt, 10))
	s := strconv.FormatUint(d.Sum64(), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
