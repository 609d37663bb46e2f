package rangecache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/rangecache/reqstate"
)

// promoteLimit caps concurrent refetches when a cached result set references
// entities that were demoted out of the hot map.
const promoteLimit = 8

// queryResult is the cached outcome of a search: the ordered ids of the
// entities the provider returned. Entity values live in the by-id layer.
type queryResult[K comparable] struct {
	ids []K
}

// SearchRepository caches whole query result sets on top of Repository.
// A settled query stores only the ordered ids; the entities themselves are
// merged into the by-id cache, so the two layers never hold diverging
// copies. Evicting an entity invalidates every cached result set that
// references it.
type SearchRepository[K comparable, Q comparable, V any] struct {
	*Repository[K, V]

	fetchByQuery FetchByQueryFunc[Q, V]

	queries      *reqstate.Table[Q, *queryResult[K]]
	queryWaiters *waiterSet[Q]

	queryCascades []func(q Q) []*waiter
}

func newSearch[K comparable, Q comparable, V any](opts SearchOptions[K, Q, V], requireFetcher bool) (*SearchRepository[K, Q, V], error) {
	if requireFetcher && opts.FetchByQuery == nil {
		return nil, fmt.Errorf("rangecache: fetch-by-query function is required")
	}
	base, err := newRepository(opts.Options)
	if err != nil {
		return nil, err
	}
	s := &SearchRepository[K, Q, V]{
		Repository:   base,
		fetchByQuery: opts.FetchByQuery,
		queries:      reqstate.NewTable[Q](func() *queryResult[K] { return &queryResult[K]{} }),
		queryWaiters: newWaiterSet[Q](),
	}
	base.onEvict(s.evictQueriesWithID)
	base.onReset(s.resetQueries)
	return s, nil
}

// onEvictQuery registers a derived-layer cascade. Construction-time only.
func (s *SearchRepository[K, Q, V]) onEvictQuery(cascade func(q Q) []*waiter) {
	s.queryCascades = append(s.queryCascades, cascade)
}

// GetByQuery returns the full result set for q, fetching it if needed.
// Concurrent callers for one query share a single fetch. Entities that were
// demoted since the query settled are refetched before returning, so the
// returned slice is always complete and in provider order.
func (s *SearchRepository[K, Q, V]) GetByQuery(ctx context.Context, q Q) ([]V, error) {
	for {
		s.mu.Lock()
		switch s.queries.Status(q) {
		case reqstate.Done:
			res, _ := s.queries.Peek(q)
			ents, missing := s.residentLocked(res.ids)
			s.mu.Unlock()
			if len(missing) == 0 {
				return ents, nil
			}
			if err := s.promote(ctx, missing); err != nil {
				return nil, err
			}
			continue
		case reqstate.Error:
			err := s.queries.Err(q)
			s.mu.Unlock()
			return nil, err
		case reqstate.InProgress:
		default: // None
			if s.fetchByQuery == nil {
				s.mu.Unlock()
				return nil, ErrNoQueryFetcher
			}
			s.startQueryLoadLocked(ctx, q)
		}
		w := s.queryWaiters.add(q)
		s.mu.Unlock()
		if err := w.wait(ctx, func() { s.dropQueryWaiter(q, w) }); err != nil {
			return nil, err
		}
	}
}

// ByQuery synchronously returns whatever part of the result set is resident.
// ok is true only when the query has settled and every referenced entity is
// in the hot map. Unresolved queries and demoted entities are loaded in the
// background, deduplicated as usual.
func (s *SearchRepository[K, Q, V]) ByQuery(ctx context.Context, q Q) ([]V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.queries.Status(q) {
	case reqstate.Done:
		res, _ := s.queries.Peek(q)
		ents, missing := s.residentLocked(res.ids)
		if len(missing) == 0 {
			return ents, true
		}
		s.promoteDetached(ctx, missing)
		return ents, false
	case reqstate.None:
		if s.fetchByQuery != nil {
			s.startQueryLoadLocked(ctx, q)
		}
	}
	return nil, false
}

// WaitForQuery blocks until no fetch for q is in flight, without triggering
// one. Returns the recorded error when the query settled in Error.
func (s *SearchRepository[K, Q, V]) WaitForQuery(ctx context.Context, q Q) error {
	for {
		s.mu.Lock()
		if s.queries.Status(q) != reqstate.InProgress {
			err := s.queries.Err(q)
			s.mu.Unlock()
			return err
		}
		w := s.queryWaiters.add(q)
		s.mu.Unlock()
		if err := w.wait(ctx, func() { s.dropQueryWaiter(q, w) }); err != nil {
			return err
		}
	}
}

// ReloadQuery discards the cached result set and fetches fresh. An already
// in-flight fetch is joined instead of duplicated. Entities merged by the
// old result stay cached until individually evicted.
func (s *SearchRepository[K, Q, V]) ReloadQuery(ctx context.Context, q Q) ([]V, error) {
	s.mu.Lock()
	if s.queries.Status(q) != reqstate.InProgress {
		s.queries.Delete(q)
	}
	s.mu.Unlock()
	return s.GetByQuery(ctx, q)
}

// EvictQuery drops the cached result set for q, rejecting its pending
// waiters with ErrEvicted. The referenced entities stay cached.
func (s *SearchRepository[K, Q, V]) EvictQuery(q Q) {
	s.mu.Lock()
	var rejected []*waiter
	for _, cascade := range s.queryCascades {
		rejected = append(rejected, cascade(q)...)
	}
	s.queries.Delete(q)
	rejected = append(rejected, s.queryWaiters.take(q)...)
	s.mu.Unlock()

	flushWaiters(rejected, fmt.Errorf("query %v: %w", q, ErrEvicted))
}

// QueryIDs returns a copy of the settled result set's ordered ids.
func (s *SearchRepository[K, Q, V]) QueryIDs(q Q) ([]K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queries.Status(q) != reqstate.Done {
		return nil, false
	}
	res, _ := s.queries.Peek(q)
	ids := make([]K, len(res.ids))
	copy(ids, res.ids)
	return ids, true
}

// QueryStatus reports the query's request state.
func (s *SearchRepository[K, Q, V]) QueryStatus(q Q) reqstate.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.Status(q)
}

// ---- load path ----

func (s *SearchRepository[K, Q, V]) startQueryLoadLocked(ctx context.Context, q Q) {
	s.queries.SetStatus(q, reqstate.InProgress)
	s.inflight++
	go s.loadQuery(context.WithoutCancel(ctx), q)
}

func (s *SearchRepository[K, Q, V]) loadQuery(ctx context.Context, q Q) {
	ents, err := s.fetchByQuery(ctx, q)
	s.settleQuery(q, ents, err)
}

// settleQuery merges a fetched result set: every entity lands in the by-id
// cache marked Done, and the query records their ordered ids. Waiters are
// flushed with nil and re-evaluate.
func (s *SearchRepository[K, Q, V]) settleQuery(q Q, ents []V, err error) {
	var ids []K
	s.mu.Lock()
	if err != nil {
		s.queries.Fail(q, err)
	} else {
		ids = make([]K, len(ents))
		for i, v := range ents {
			id := s.idOf(v)
			ids[i] = id
			s.entities[id] = v
			s.ids.SetStatus(id, reqstate.Done)
		}
		s.queries.State(q).ids = ids
		s.queries.SetStatus(q, reqstate.Done)
	}
	ws := s.queryWaiters.take(q)
	idle := s.endLoadLocked()
	s.mu.Unlock()

	flushWaiters(ws, nil)
	flushWaiters(idle, nil)
	if err != nil {
		s.log.Error("query fetch failed", Fields{"query": fmt.Sprintf("%v", q), "err": err})
		s.notifyError(err)
		return
	}
	for i, v := range ents {
		s.admit(ids[i], v)
	}
}

// promote refetches demoted entities so a settled result set can be
// assembled in full. Bounded fan-out; each id still deduplicates against
// any in-flight load.
func (s *SearchRepository[K, Q, V]) promote(ctx context.Context, ids []K) error {
	var g errgroup.Group
	g.SetLimit(promoteLimit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.GetByID(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// promoteDetached is promote for the fire-and-forget path. Caller holds mu;
// the work is counted in inflight so WaitForIdle observes it.
func (s *SearchRepository[K, Q, V]) promoteDetached(ctx context.Context, ids []K) {
	s.inflight++
	dctx := context.WithoutCancel(ctx)
	go func() {
		var g errgroup.Group
		g.SetLimit(promoteLimit)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				_, err := s.GetByID(dctx, id)
				return err
			})
		}
		_ = g.Wait() // fetch failures are already logged and notified

		s.mu.Lock()
		idle := s.endLoadLocked()
		s.mu.Unlock()
		flushWaiters(idle, nil)
	}()
}

// ---- cascades ----

func (s *SearchRepository[K, Q, V]) evictQueriesWithID(id K) []*waiter {
	var drop []Q
	s.queries.ForEach(func(q Q, st reqstate.Status, res *queryResult[K]) bool {
		if st != reqstate.Done {
			return true
		}
		for _, cand := range res.ids {
			if cand == id {
				drop = append(drop, q)
				break
			}
		}
		return true
	})
	var rejected []*waiter
	for _, q := range drop {
		s.queries.Delete(q)
		rejected = append(rejected, s.queryWaiters.take(q)...)
	}
	return rejected
}

func (s *SearchRepository[K, Q, V]) resetQueries() []*waiter {
	ws := s.queryWaiters.takeAll()
	s.queries.Reset()
	return ws
}

func (s *SearchRepository[K, Q, V]) dropQueryWaiter(q Q, w *waiter) {
	s.mu.Lock()
	s.queryWaiters.drop(q, w)
	s.mu.Unlock()
}
