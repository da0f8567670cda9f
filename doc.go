// Package isrcache is an incremental regeneration cache: it serves rendered
// documents from a pluggable store and regenerates them in the background on
// a schedule or on demand, so readers never pay render cost for content that
// is merely stale.
//
// Components:
//   - adapter.Adapter: the storage contract (memory, Redis, LevelDB, any
//     provider.Provider byte store through adapter/kv).
//   - Manager: staleness evaluation, the in-process tag index and statistics
//     over one adapter.
//   - Scheduler: runs a RenderFunc per key with a concurrency ceiling, a
//     priority queue and at most one regeneration per key.
//   - Fallback: what to answer for a key with no entry yet (blocking,
//     loading or notFound).
//   - Sweeper: periodic task queueing every stale entry.
//
// Staleness:
//
//	stale      = revalidate > 0 && now - revalidatedAt > revalidate*1000
//	within SWR = !stale || now < revalidatedAt + (revalidate+swr)*1000
//
// Typical read path:
//
//	lk, ok := mgr.GetWithStaleFlag(ctx, key)
//	switch {
//	case ok && !lk.IsStale:
//	    serve(lk.Entry)
//	case ok && mgr.IsWithinSWR(lk.Entry.Meta, swr):
//	    sched.QueueRevalidation(key)
//	    serve(lk.Entry)
//	default:
//	    serveResponse(fb.Resolve(ctx, key))
//	}
package isrcache
