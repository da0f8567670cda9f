// Package tagindex is the in-process tag -> keys lookup the cache manager keeps
// in front of its backend. It mirrors exactly what the manager has written or
// read; anything it has not seen is resolved through the backend.
package tagindex

import (
	"slices"
	"sync"
)

type Index struct {
	mu    sync.RWMutex
	byTag map[string]map[string]struct{}
	byKey map[string][]string
}

func New() *Index {
	return &Index{
		byTag: make(map[string]map[string]struct{}),
		byKey: make(map[string][]string),
	}
}

// Replace records tags as the full tag set of key and returns the previous set.
// had is false when the key was not tracked before.
func (x *Index) Replace(key string, tags []string) (prev []string, had bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev, had = x.byKey[key]
	x.unlinkLocked(key, prev)
	x.byKey[key] = slices.Clone(tags)
	for _, t := range tags {
		set, ok := x.byTag[t]
		if !ok {
			set = make(map[string]struct{})
			x.byTag[t] = set
		}
		set[key] = struct{}{}
	}
	return prev, had
}

// Remove forgets key and returns its previous tag set.
func (x *Index) Remove(key string) (prev []string, had bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev, had = x.byKey[key]
	x.unlinkLocked(key, prev)
	delete(x.byKey, key)
	return prev, had
}

// Restore puts key back to a state returned by Replace or Remove.
func (x *Index) Restore(key string, prev []string, had bool) {
	if had {
		x.Replace(key, prev)
		return
	}
	x.Remove(key)
}

func (x *Index) unlinkLocked(key string, tags []string) {
	for _, t := range tags {
		set, ok := x.byTag[t]
		if !ok {
			continue
		}
		delete(set, key)
		if len(set) == 0 {
			delete(x.byTag, t)
		}
	}
}

// Keys returns the keys recorded under tag. ok is false when no tracked key
// carries the tag, in which case the caller should ask the backend.
func (x *Index) Keys(tag string) (keys []string, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set, ok := x.byTag[tag]
	if !ok {
		return nil, false
	}
	keys = make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, true
}

func (x *Index) Reset() {
	x.mu.Lock()
	x.byTag = make(map[string]map[string]struct{})
	x.byKey = make(map[string][]string)
	x.mu.Unlock()
}
