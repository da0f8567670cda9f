package isrcache

import (
	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/isrcache/adapter"
)

// ManagerOptions configure a Manager. Every field is optional.
type ManagerOptions struct {
	Adapter adapter.Adapter // nil => adapter/memory
	Logger  Logger          // nil => NopLogger
	Hooks   Hooks           // nil => NopHooks
	Clock   clock.Clock     // nil => wall clock
}

// SetOption tunes a single Manager.Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl          *int
	skipIfExists bool
}

// WithTTLOverride replaces the entry's revalidate interval (seconds) before it
// is stored. 0 makes the entry permanently fresh.
func WithTTLOverride(seconds int) SetOption {
	return func(o *setOptions) { o.ttl = &seconds }
}

// WithSkipIfExists leaves an existing entry untouched. It is atomic when the
// adapter implements adapter.ConditionalSetter. Otherwise it is a
// check-then-set that only writers in this process are ordered against.
func WithSkipIfExists() SetOption {
	return func(o *setOptions) { o.skipIfExists = true }
}
