// Package keys owns the storage key layout shared by the out-of-process
// backends. Every key lives under a namespace so several caches can share one
// Redis database or LevelDB directory.
package keys

import (
	"strings"
)

const sep = ":"

type Layout struct {
	prefix string
}

// New returns the layout for namespace ns. An empty namespace is allowed and
// produces unprefixed keys.
func New(ns string) Layout {
	ns = strings.TrimSuffix(ns, sep)
	if ns == "" {
		return Layout{}
	}
	return Layout{prefix: ns + sep}
}

// Entry is the record key for the entry body (and, for single-record
// backends, its metadata).
func (l Layout) Entry(key string) string { return l.prefix + "e" + sep + key }

// Meta is the record key for metadata stored apart from the body.
func (l Layout) Meta(key string) string { return l.prefix + "m" + sep + key }

// Tag is the set (or key prefix) holding members of tag.
func (l Layout) Tag(tag string) string { return l.prefix + "t" + sep + tag }

// TagMember is a single-key marker for ordered stores: Tag(tag) + NUL + key.
// entry.NormalizeTags strips NUL from tags, so prefix scans on TagMemberPrefix
// are exact.
func (l Layout) TagMember(tag, key string) string { return l.TagMemberPrefix(tag) + key }

func (l Layout) TagMemberPrefix(tag string) string { return l.Tag(tag) + "\x00" }

// Index is the set of all keys for stores that cannot scan.
func (l Layout) Index() string { return l.prefix + "keys" }

// Strip removes prefix p from storage key s, reporting whether it was there.
func Strip(s, p string) (string, bool) {
	if !strings.HasPrefix(s, p) {
		return "", false
	}
	return s[len(p):], true
}
