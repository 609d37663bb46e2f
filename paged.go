package rangecache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/rangecache/reqstate"
	"github.com/unkn0wn-root/rangecache/segment"
)

// pageState is the per-query payload of the paged layer: which positional
// ranges are loaded, and the collection's end once a short batch revealed it.
type pageState[K comparable] struct {
	cov     *segment.Coverage[K]
	limit   int
	limited bool
}

// clip bounds a requested window by the discovered limit. Before any limit
// is known the window passes through unchanged.
func (ps *pageState[K]) clip(window segment.Segment) segment.Segment {
	if !ps.limited || window.End() <= ps.limit {
		return window
	}
	if window.Offset >= ps.limit {
		return segment.New(ps.limit, 0)
	}
	return segment.New(window.Offset, ps.limit-window.Offset)
}

// PagedRepository caches positional windows of query results on top of
// SearchRepository. Each query accumulates a Coverage of loaded ranges;
// a requested window only ever fetches its missing sub-ranges, and those
// fetches run concurrently. A batch returning fewer entities than asked
// discovers the collection limit, after which no fetch reaches past it.
type PagedRepository[K comparable, Q comparable, V any] struct {
	*SearchRepository[K, Q, V]

	fetchWindow FetchWindowFunc[Q, V]
	maxFetches  int

	pages       *reqstate.Table[Q, *pageState[K]]
	pageWaiters *waiterSet[Q]
}

func newPaged[K comparable, Q comparable, V any](opts PagedOptions[K, Q, V]) (*PagedRepository[K, Q, V], error) {
	if opts.FetchWindow == nil {
		return nil, fmt.Errorf("rangecache: fetch-window function is required")
	}
	search, err := newSearch(opts.SearchOptions, false)
	if err != nil {
		return nil, err
	}
	p := &PagedRepository[K, Q, V]{
		SearchRepository: search,
		fetchWindow:      opts.FetchWindow,
		maxFetches:       opts.MaxSegmentFetches,
		pages: reqstate.NewTable[Q](func() *pageState[K] {
			return &pageState[K]{cov: segment.NewCoverage[K]()}
		}),
		pageWaiters: newWaiterSet[Q](),
	}
	search.onEvict(p.evictPagesWithID)
	search.onReset(p.resetPages)
	search.onEvictQuery(p.evictPages)
	return p, nil
}

// GetPage returns the entities at window's positions, fetching only the
// missing sub-ranges (concurrently, capped by MaxSegmentFetches). The window
// is clipped to the discovered limit, so requests past the end resolve to a
// short or empty page rather than an error. Concurrent callers share the
// in-flight load and re-evaluate as segments land.
func (p *PagedRepository[K, Q, V]) GetPage(ctx context.Context, q Q, window segment.Segment) ([]V, error) {
	for {
		p.mu.Lock()
		if p.pages.Status(q) == reqstate.Error {
			err := p.pages.Err(q)
			p.mu.Unlock()
			return nil, err
		}
		ps := p.pages.State(q)
		eff := ps.clip(window)
		if ps.cov.IsLoaded(eff) {
			ids := ps.cov.IDs(eff)
			ents, missing := p.residentLocked(ids)
			p.mu.Unlock()
			if len(missing) == 0 {
				return ents, nil
			}
			if err := p.promote(ctx, missing); err != nil {
				return nil, err
			}
			continue
		}
		if p.pages.Status(q) != reqstate.InProgress {
			p.startPageLoadLocked(ctx, q, ps.cov.Missing(eff))
		}
		w := p.pageWaiters.add(q)
		p.mu.Unlock()
		if err := w.wait(ctx, func() { p.dropPageWaiter(q, w) }); err != nil {
			return nil, err
		}
	}
}

// Page synchronously returns whatever part of the window is already
// resolvable, in positional order. ok is true only for full coverage with
// every entity resident. Anything missing is loaded in the background.
func (p *PagedRepository[K, Q, V]) Page(ctx context.Context, q Q, window segment.Segment) ([]V, bool) {
	if window.IsEmpty() {
		return nil, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.pages.Status(q)
	if st == reqstate.Error {
		return nil, false
	}
	ps, ok := p.pages.Peek(q)
	if !ok {
		p.startPageLoadLocked(ctx, q, []segment.Segment{window})
		return nil, false
	}
	eff := ps.clip(window)
	ids := ps.cov.IDs(eff)
	ents, missing := p.residentLocked(ids)
	if ps.cov.IsLoaded(eff) && len(missing) == 0 {
		return ents, true
	}
	if st != reqstate.InProgress {
		if gaps := ps.cov.Missing(eff); len(gaps) > 0 {
			p.startPageLoadLocked(ctx, q, gaps)
		}
	}
	if len(missing) > 0 {
		p.promoteDetached(ctx, missing)
	}
	return ents, false
}

// WaitForPage blocks until the effective window is fully covered, without
// triggering a fetch. It returns the stored error when the query settles in
// Error, and rejects on eviction, reset, or close.
func (p *PagedRepository[K, Q, V]) WaitForPage(ctx context.Context, q Q, window segment.Segment) error {
	for {
		p.mu.Lock()
		if p.pages.Status(q) == reqstate.Error {
			err := p.pages.Err(q)
			p.mu.Unlock()
			return err
		}
		covered := window.IsEmpty()
		if !covered {
			if ps, ok := p.pages.Peek(q); ok {
				covered = ps.cov.IsLoaded(ps.clip(window))
			}
		}
		if covered {
			p.mu.Unlock()
			return nil
		}
		w := p.pageWaiters.add(q)
		p.mu.Unlock()
		if err := w.wait(ctx, func() { p.dropPageWaiter(q, w) }); err != nil {
			return err
		}
	}
}

// WasOutOfBounds reports whether a limit is known and window reaches past it.
func (p *PagedRepository[K, Q, V]) WasOutOfBounds(q Q, window segment.Segment) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.pages.Peek(q)
	return ok && ps.limited && window.End() > ps.limit
}

// Limit returns the discovered collection limit for q, if any.
func (p *PagedRepository[K, Q, V]) Limit(q Q) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.pages.Peek(q); ok && ps.limited {
		return ps.limit, true
	}
	return 0, false
}

// LoadedSegments returns the loaded ranges for q in offset order.
func (p *PagedRepository[K, Q, V]) LoadedSegments(q Q) []segment.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.pages.Peek(q)
	if !ok {
		return nil
	}
	return ps.cov.Segments()
}

// PageIDs returns the ids loaded within window (clipped to the limit), in
// positional order. Gaps are simply absent.
func (p *PagedRepository[K, Q, V]) PageIDs(q Q, window segment.Segment) []K {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.pages.Peek(q)
	if !ok {
		return nil
	}
	return ps.cov.IDs(ps.clip(window))
}

// PageStatus reports the query's paged request state.
func (p *PagedRepository[K, Q, V]) PageStatus(q Q) reqstate.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages.Status(q)
}

// ---- load path ----

func (p *PagedRepository[K, Q, V]) startPageLoadLocked(ctx context.Context, q Q, missing []segment.Segment) {
	p.pages.SetStatus(q, reqstate.InProgress)
	p.inflight++
	go p.loadSegments(context.WithoutCancel(ctx), q, missing)
}

func (p *PagedRepository[K, Q, V]) loadSegments(ctx context.Context, q Q, missing []segment.Segment) {
	var g errgroup.Group
	if p.maxFetches > 0 {
		g.SetLimit(p.maxFetches)
	}
	for _, seg := range missing {
		seg := seg
		g.Go(func() error {
			ents, err := p.fetchWindow(ctx, q, seg)
			if err != nil {
				return fmt.Errorf("window %v: %w", seg, err)
			}
			return p.mergeSegment(q, seg, ents)
		})
	}
	p.settlePage(q, g.Wait())
}

// mergeSegment applies one batch atomically under the lock: entities into
// the shared by-id cache, ids into the coverage at the batch's own offset.
// A batch shorter than its segment discovers the limit; overlong batches are
// trimmed to the segment.
func (p *PagedRepository[K, Q, V]) mergeSegment(q Q, seg segment.Segment, ents []V) error {
	if len(ents) > seg.Count {
		ents = ents[:seg.Count]
	}
	ids := make([]K, len(ents))
	for i, v := range ents {
		ids[i] = p.idOf(v)
	}

	p.mu.Lock()
	ps := p.pages.State(q)
	if len(ents) > 0 {
		if err := ps.cov.Add(segment.NewRun(seg.Offset, ids)); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("window %v: %w", seg, err)
		}
		for i, v := range ents {
			p.entities[ids[i]] = v
			p.ids.SetStatus(ids[i], reqstate.Done)
		}
	}
	if len(ents) < seg.Count {
		limit := seg.Offset + len(ents)
		if !ps.limited || limit < ps.limit {
			ps.limit = limit
			ps.limited = true
		}
	}
	p.mu.Unlock()

	for i, v := range ents {
		p.admit(ids[i], v)
	}
	return nil
}

// settlePage records the outcome of a segment load round. Waiters are
// flushed with nil and re-evaluate: some windows are now covered, others
// trigger a follow-up load, and on failure every waiter observes the Error
// record.
func (p *PagedRepository[K, Q, V]) settlePage(q Q, err error) {
	p.mu.Lock()
	if err != nil {
		p.pages.Fail(q, err)
	} else {
		p.pages.SetStatus(q, reqstate.Done)
	}
	ws := p.pageWaiters.take(q)
	idle := p.endLoadLocked()
	p.mu.Unlock()

	flushWaiters(ws, nil)
	flushWaiters(idle, nil)
	if err != nil {
		p.log.Error("window fetch failed", Fields{"query": fmt.Sprintf("%v", q), "err": err})
		p.notifyError(err)
	}
}

// ---- cascades ----

func (p *PagedRepository[K, Q, V]) evictPagesWithID(id K) []*waiter {
	var drop []Q
	p.pages.ForEach(func(q Q, _ reqstate.Status, ps *pageState[K]) bool {
		if ps.cov.HasID(id) {
			drop = append(drop, q)
		}
		return true
	})
	var rejected []*waiter
	for _, q := range drop {
		p.pages.Delete(q)
		rejected = append(rejected, p.pageWaiters.take(q)...)
	}
	return rejected
}

func (p *PagedRepository[K, Q, V]) resetPages() []*waiter {
	ws := p.pageWaiters.takeAll()
	p.pages.Reset()
	return ws
}

func (p *PagedRepository[K, Q, V]) evictPages(q Q) []*waiter {
	p.pages.Delete(q)
	return p.pageWaiters.take(q)
}

func (p *PagedRepository[K, Q, V]) dropPageWaiter(q Q, w *waiter) {
	p.mu.Lock()
	p.pageWaiters.drop(q, w)
	p.mu.Unlock()
}
