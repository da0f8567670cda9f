package isrcache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; wrap slow sinks with
// hooks/async.
type Hooks interface {
	// A backend call failed. op is the adapter operation ("get", "set", ...);
	// key is empty for whole-store operations.
	AdapterError(op, key string, err error)

	// GetByTag found nothing in the in-process index and asked the backend.
	TagIndexMiss(tag string)

	// The render function failed or panicked for key.
	RenderFailed(key string, err error)

	// A revalidation that actually ran (not skipped, not deduplicated) ended.
	RevalidationFinished(r Result)

	// A queued item was discarded before it ran.
	// reason ∈ {"in_flight", "cleared", "closed"}
	QueueDropped(key string, priority int, reason string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) AdapterError(string, string, error) {}
func (NopHooks) TagIndexMiss(string)                {}
func (NopHooks) RenderFailed(string, error)         {}
func (NopHooks) RevalidationFinished(Result)        {}
func (NopHooks) QueueDropped(string, int, string)   {}
