package entry

// MetaPatch is a partial metadata update. Nil fields are left untouched.
// Key and CreatedAt cannot be patched.
type MetaPatch struct {
	Status            *Status
	RevalidatedAt     *int64
	RevalidateSeconds *int
	Tags              *[]string
	LastError         *string // pointer to "" clears the error
	ContentHash       *string

	// BumpRegeneration increments RegenerationCount by one.
	BumpRegeneration bool
}

// Ptr is a small helper for building patches inline.
func Ptr[T any](v T) *T { return &v }

// TouchesTags reports whether applying p may change tag membership.
func (p MetaPatch) TouchesTags() bool { return p.Tags != nil }

// ApplyPatch merges p into m and recomputes the etag.
// It returns the previous tag set so callers can keep tag indexes symmetric.
func ApplyPatch(m *Meta, p MetaPatch) (oldTags []string) {
	oldTags = m.Tags
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.RevalidatedAt != nil {
		m.RevalidatedAt = *p.RevalidatedAt
	}
	if p.RevalidateSeconds != nil {
		m.RevalidateSeconds = *p.RevalidateSeconds
	}
	if p.Tags != nil {
		m.Tags = NormalizeTags(*p.Tags)
	}
	if p.LastError != nil {
		m.LastError = *p.LastError
	}
	if p.ContentHash != nil {
		m.ContentHash = *p.ContentHash
	}
	if p.BumpRegeneration {
		m.RegenerationCount++
	}
	m.Normalize(m.Key)
	return oldTags
}
