// Package adapter defines the storage contract used by the isrcache manager.
//
// A backend stores at most one entry per key (overwrite semantics) and keeps its
// own tag lookup symmetric with the tags recorded in each entry's metadata.
// Implementations MUST be safe for concurrent use and MUST hand out copies: a
// caller mutating a returned *entry.Entry must not change stored state.
//
// A missing key is never an error. I/O failures are reported as *Error so the
// manager can tell them apart from misses.
package adapter

import (
	"context"

	"github.com/unkn0wn-root/isrcache/entry"
)

// Adapter is the capability set every backend must provide.
type Adapter interface {
	// Get returns (entry, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) (*entry.Entry, bool, error)

	// Set stores e under key, unconditionally replacing any previous entry and
	// moving the key between tag sets as needed.
	Set(ctx context.Context, key string, e *entry.Entry) error

	// Delete removes key. Reports whether something was removed.
	Delete(ctx context.Context, key string) (bool, error)

	Has(ctx context.Context, key string) (bool, error)

	// Keys enumerates every stored key (order unspecified).
	Keys(ctx context.Context) ([]string, error)

	// GetByTag returns keys whose metadata carries tag.
	GetByTag(ctx context.Context, tag string) ([]string, error)

	// UpdateMeta merges patch into the stored metadata of key.
	// Returns false (and creates nothing) when key is absent.
	UpdateMeta(ctx context.Context, key string, patch entry.MetaPatch) (bool, error)

	GetMeta(ctx context.Context, key string) (*entry.Meta, bool, error)

	GetStats(ctx context.Context) (entry.Stats, error)

	// Close releases backend resources. Safe to call more than once.
	Close(ctx context.Context) error
}

// ConditionalSetter is implemented by backends that can create an entry
// atomically. SetIfAbsent returns false without writing when key exists.
type ConditionalSetter interface {
	SetIfAbsent(ctx context.Context, key string, e *entry.Entry) (bool, error)
}
