// Package rangecache implements a deduplicating client-side cache for
// entities served by a slow asynchronous provider, with whole-query and
// paginated-window caching layered on top. At most one fetch per id, query,
// or window is in flight at any time; concurrent callers share it and
// re-evaluate when it settles. Absence, failure, and success are all
// recorded states, so repeated calls are idempotent and never stampede.
//
// Components:
//   - Repository[K, V]: by-id cache over a FetchByIDFunc. Optional mutable
//     copy batches give callers isolated clones for editing.
//   - SearchRepository[K, Q, V]: caches whole query result sets as ordered
//     id lists; the entities merge into the shared by-id cache.
//   - PagedRepository[K, Q, V]: caches positional windows per query. Only
//     the missing sub-ranges of a requested window are fetched, and those
//     fetches run concurrently. A short batch discovers the collection
//     limit; nothing past it is ever requested.
//   - bytestore.Store + codec.Codec[V]: optional overflow tier that demoted
//     entities spill into (in-memory, BigCache, Redis).
//   - policy.Policy[K]: optional admission/eviction engine (Ristretto)
//     whose evictions demote instead of discarding.
//
// Loading pattern:
//
//	repo, _ := rangecache.NewPaged(rangecache.PagedOptions[string, Query, User]{...})
//
//	users, ok := repo.Page(ctx, q, segment.New(0, 50)) // instant, possibly partial
//	if !ok {
//	    users, err = repo.GetPage(ctx, q, segment.New(0, 50)) // awaits coverage
//	}
package rangecache
