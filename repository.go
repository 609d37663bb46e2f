package rangecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/rangecache/bytestore"
	"github.com/unkn0wn-root/rangecache/codec"
	"github.com/unkn0wn-root/rangecache/internal/util"
	"github.com/unkn0wn-root/rangecache/internal/wire"
	"github.com/unkn0wn-root/rangecache/policy"
	"github.com/unkn0wn-root/rangecache/reqstate"
)

// Repository caches entities by id in front of a slow asynchronous provider.
// At most one fetch per id is in flight at any time: the first caller
// triggers it, later callers register waiters and re-evaluate once it
// settles. Eviction and reset reject waiters but never cancel the fetch
// itself; its late write still lands.
//
// All state is serialized behind one mutex shared with the derived search
// and paged layers. Fetches, hooks, policy admissions, error listeners and
// overflow I/O run outside it.
type Repository[K comparable, V any] struct {
	mu sync.Mutex

	fetchByID FetchByIDFunc[K, V]
	idOf      IDFunc[K, V]
	clone     CloneFunc[V]
	costOf    CostFunc[V]

	log   Logger
	hooks Hooks[K]

	entities map[K]V
	ids      *reqstate.Table[K, struct{}]
	batches  map[string]map[K]V

	idWaiters   *waiterSet[K]
	idleWaiters []*waiter
	inflight    int

	listeners  map[int]func(error)
	listenerID int

	// Derived layers register invalidation cascades at construction so
	// Evict/Reset called through any layer clean up every table. Run with
	// mu held; they return the waiters to reject.
	evictCascades []func(id K) []*waiter
	resetCascades []func() []*waiter

	overflow    bytestore.Store
	ovCodec     codec.Codec[V]
	overflowTTL time.Duration
	ns          string
	keyOf       func(K) string

	policy policy.Policy[K]

	closeOnce sync.Once
}

func newRepository[K comparable, V any](opts Options[K, V]) (*Repository[K, V], error) {
	if opts.FetchByID == nil {
		return nil, fmt.Errorf("rangecache: fetch-by-id function is required")
	}
	if opts.IDOf == nil {
		return nil, fmt.Errorf("rangecache: id extractor is required")
	}
	if opts.Overflow != nil {
		if opts.OverflowCodec == nil {
			return nil, fmt.Errorf("rangecache: overflow codec is required with an overflow store")
		}
		if opts.OverflowNamespace == "" {
			return nil, fmt.Errorf("rangecache: overflow namespace is required with an overflow store")
		}
	}

	r := &Repository[K, V]{
		fetchByID: opts.FetchByID,
		idOf:      opts.IDOf,
		clone:     opts.Clone,
		entities:  make(map[K]V),
		ids:       reqstate.NewTable[K, struct{}](nil),
		batches:   make(map[string]map[K]V),
		idWaiters: newWaiterSet[K](),
		listeners: make(map[int]func(error)),

		overflow:    opts.Overflow,
		ovCodec:     opts.OverflowCodec,
		overflowTTL: opts.OverflowTTL,
		ns:          opts.OverflowNamespace,

		policy: opts.Policy,
	}

	r.log = coalesce[Logger](opts.Logger, NopLogger{})
	r.hooks = coalesce[Hooks[K]](opts.Hooks, NopHooks[K]{})

	r.costOf = opts.CostOf
	if r.costOf == nil {
		r.costOf = func(V) int64 { return 1 }
	}
	r.keyOf = opts.OverflowKeyOf
	if r.keyOf == nil {
		r.keyOf = func(id K) string { return util.KeyString(id) }
	}

	if r.policy != nil {
		r.policy.OnEvict(r.Demote)
	}
	return r, nil
}

// onEvict/onReset register derived-layer cascades. Construction-time only.
func (r *Repository[K, V]) onEvict(cascade func(id K) []*waiter) {
	r.evictCascades = append(r.evictCascades, cascade)
}

func (r *Repository[K, V]) onReset(cascade func() []*waiter) {
	r.resetCascades = append(r.resetCascades, cascade)
}

// ByID synchronously returns the cached entity. When the id is unresolved it
// schedules a background load (deduplicated) and reports ok=false; observe
// the result later through ByID, GetByID, or WaitForID.
func (r *Repository[K, V]) ByID(ctx context.Context, id K) (V, bool) {
	r.mu.Lock()
	if v, ok := r.entities[id]; ok {
		r.mu.Unlock()
		return v, true
	}
	if r.ids.Status(id) == reqstate.None {
		r.startLoadLocked(ctx, id)
	}
	r.mu.Unlock()
	var zero V
	return zero, false
}

// GetByID returns the entity, fetching it if needed. Concurrent callers for
// one id share a single fetch. A provider absence surfaces as ErrNotFound; a
// recorded fetch error is returned as-is until the id is evicted, reset, or
// reloaded.
func (r *Repository[K, V]) GetByID(ctx context.Context, id K) (V, error) {
	var zero V
	for {
		r.mu.Lock()
		switch r.ids.Status(id) {
		case reqstate.Done:
			if v, ok := r.entities[id]; ok {
				r.mu.Unlock()
				return v, nil
			}
			// resident copy gone; force a reload
			r.ids.Delete(id)
			r.mu.Unlock()
			continue
		case reqstate.NotFound:
			r.mu.Unlock()
			return zero, fmt.Errorf("id %v: %w", id, ErrNotFound)
		case reqstate.Error:
			err := r.ids.Err(id)
			r.mu.Unlock()
			return zero, err
		case reqstate.InProgress:
		default: // None
			r.startLoadLocked(ctx, id)
		}
		w := r.idWaiters.add(id)
		r.mu.Unlock()
		if err := w.wait(ctx, func() { r.dropIDWaiter(id, w) }); err != nil {
			return zero, err
		}
	}
}

// WaitForID blocks until no load for id is in flight, without triggering
// one. Returns the recorded error when the id settled in Error; nil for
// Done, NotFound, and untracked ids.
func (r *Repository[K, V]) WaitForID(ctx context.Context, id K) error {
	for {
		r.mu.Lock()
		if r.ids.Status(id) != reqstate.InProgress {
			err := r.ids.Err(id)
			r.mu.Unlock()
			return err
		}
		w := r.idWaiters.add(id)
		r.mu.Unlock()
		if err := w.wait(ctx, func() { r.dropIDWaiter(id, w) }); err != nil {
			return err
		}
	}
}

// Peek returns the resident entity without scheduling anything.
func (r *Repository[K, V]) Peek(id K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entities[id]
	return v, ok
}

// residentLocked resolves ids against the hot map, preserving order, and
// reports which ones are absent (typically demoted). Callers hold mu.
func (r *Repository[K, V]) residentLocked(ids []K) ([]V, []K) {
	ents := make([]V, 0, len(ids))
	var missing []K
	for _, id := range ids {
		if v, ok := r.entities[id]; ok {
			ents = append(ents, v)
		} else {
			missing = append(missing, id)
		}
	}
	return ents, missing
}

// Add primes the cache with an already-known entity.
func (r *Repository[K, V]) Add(v V) {
	id := r.idOf(v)
	r.mu.Lock()
	r.entities[id] = v
	r.ids.SetStatus(id, reqstate.Done)
	r.mu.Unlock()
	r.admit(id, v)
}

// Evict removes the entity and its request state, forcing a future refetch.
// Pending waiters for the id reject with ErrEvicted, and every cached query
// whose result set contains the id is invalidated wholesale.
func (r *Repository[K, V]) Evict(id K) {
	r.mu.Lock()
	var rejected []*waiter
	for _, cascade := range r.evictCascades {
		rejected = append(rejected, cascade(id)...)
	}
	delete(r.entities, id)
	r.ids.Delete(id)
	rejected = append(rejected, r.idWaiters.take(id)...)
	r.mu.Unlock()

	flushWaiters(rejected, fmt.Errorf("id %v: %w", id, ErrEvicted))
	if r.policy != nil {
		r.policy.Remove(id)
	}
	r.dropOverflow(id)
}

// Reset rejects every pending waiter with ErrReset and clears entities,
// request state, mutable-copy batches, query tables, the policy, and the
// overflow tier. In-flight fetches run to completion; their late writes
// land.
func (r *Repository[K, V]) Reset() {
	r.mu.Lock()
	var rejected []*waiter
	for _, cascade := range r.resetCascades {
		rejected = append(rejected, cascade()...)
	}
	rejected = append(rejected, r.idWaiters.takeAll()...)
	clear(r.entities)
	r.ids.Reset()
	clear(r.batches)
	r.mu.Unlock()

	flushWaiters(rejected, ErrReset)
	if r.policy != nil {
		r.policy.Clear()
	}
	r.clearOverflow()
}

// ReloadID discards the id's cached entity and state (and overflow copy) and
// fetches fresh. An already in-flight load is joined instead of duplicated.
func (r *Repository[K, V]) ReloadID(ctx context.Context, id K) (V, error) {
	r.mu.Lock()
	if r.ids.Status(id) != reqstate.InProgress {
		delete(r.entities, id)
		r.ids.Delete(id)
	}
	r.mu.Unlock()

	if r.policy != nil {
		r.policy.Remove(id)
	}
	r.dropOverflow(id)
	return r.GetByID(ctx, id)
}

// Demote drops a quiet resident entity out of the hot map, spilling its
// encoded form to the overflow store when one is configured. Unlike Evict
// this is capacity relief, not invalidation: query result sets keep
// referencing the id and the next read restores it from overflow or the
// provider. Ids that are unresolved, in flight, or awaited are left alone.
func (r *Repository[K, V]) Demote(id K) {
	r.mu.Lock()
	v, resident := r.entities[id]
	if !resident || r.ids.Status(id) != reqstate.Done || r.idWaiters.count(id) > 0 {
		r.mu.Unlock()
		return
	}
	var entry []byte
	spill := r.overflow != nil
	if spill {
		payload, err := r.ovCodec.Encode(v)
		if err != nil {
			r.mu.Unlock()
			r.log.Warn("demote skipped: encode failed", Fields{"id": r.keyOf(id), "err": err})
			return
		}
		entry = wire.EncodeEntity(payload)
	}
	delete(r.entities, id)
	r.ids.Delete(id)
	r.mu.Unlock()

	if spill {
		ctx := context.Background()
		if err := r.overflow.Set(ctx, r.overflowKey(id), entry, r.overflowTTL); err != nil {
			r.log.Warn("overflow write failed; entity will refetch", Fields{"id": r.keyOf(id), "err": err})
		}
	}
	r.hooks.Demoted(id, spill)
}

// IDStatus reports the id's request state.
func (r *Repository[K, V]) IDStatus(id K) reqstate.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids.Status(id)
}

// Len reports the number of resident entities.
func (r *Repository[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// WaitForIdle blocks until no load of any kind (id, query, or window) is
// outstanding.
func (r *Repository[K, V]) WaitForIdle(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.inflight == 0 {
			r.mu.Unlock()
			return nil
		}
		w := newWaiter()
		r.idleWaiters = append(r.idleWaiters, w)
		r.mu.Unlock()
		if err := w.wait(ctx, func() { r.dropIdleWaiter(w) }); err != nil {
			return err
		}
	}
}

// AddErrorListener registers fn for the raw error of every fetch failure
// (id, query, or window scoped). The returned func deregisters it.
func (r *Repository[K, V]) AddErrorListener(fn func(error)) (remove func()) {
	r.mu.Lock()
	id := r.listenerID
	r.listenerID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// MutableCopyByID returns the independent working clone of the entity in the
// named batch, resolving and cloning the canonical entity on first access.
// Edits to the clone never affect the canonical cache.
func (r *Repository[K, V]) MutableCopyByID(ctx context.Context, batchID string, id K) (V, error) {
	var zero V
	if r.clone == nil {
		return zero, ErrNoCloner
	}
	r.mu.Lock()
	if b, ok := r.batches[batchID]; ok {
		if v, ok := b[id]; ok {
			r.mu.Unlock()
			return v, nil
		}
	}
	r.mu.Unlock()

	v, err := r.GetByID(ctx, id)
	if err != nil {
		return zero, err
	}
	cl, err := r.clone(v)
	if err != nil {
		return zero, fmt.Errorf("rangecache: clone for batch %q: %w", batchID, err)
	}

	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		b = make(map[K]V)
		r.batches[batchID] = b
	}
	if raced, ok := b[id]; ok {
		// another caller filled the slot first; keep theirs
		r.mu.Unlock()
		return raced, nil
	}
	b[id] = cl
	r.mu.Unlock()
	return cl, nil
}

// SetMutableCopy stores v in the batch's slot for its id.
func (r *Repository[K, V]) SetMutableCopy(batchID string, v V) {
	id := r.idOf(v)
	r.mu.Lock()
	b, ok := r.batches[batchID]
	if !ok {
		b = make(map[K]V)
		r.batches[batchID] = b
	}
	b[id] = v
	r.mu.Unlock()
}

// DiscardMutableCopy drops the batch's slot for id.
func (r *Repository[K, V]) DiscardMutableCopy(batchID string, id K) {
	r.mu.Lock()
	if b, ok := r.batches[batchID]; ok {
		delete(b, id)
		if len(b) == 0 {
			delete(r.batches, batchID)
		}
	}
	r.mu.Unlock()
}

// DiscardBatch drops a whole batch of working clones.
func (r *Repository[K, V]) DiscardBatch(batchID string) {
	r.mu.Lock()
	delete(r.batches, batchID)
	r.mu.Unlock()
}

// Close rejects all pending waiters with ErrClosed and releases the policy
// and overflow store. The repository must not be used afterwards.
func (r *Repository[K, V]) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		rejected := r.idWaiters.takeAll()
		for _, cascade := range r.resetCascades {
			rejected = append(rejected, cascade()...)
		}
		rejected = append(rejected, r.idleWaiters...)
		r.idleWaiters = nil
		r.mu.Unlock()

		flushWaiters(rejected, ErrClosed)
		if r.policy != nil {
			r.policy.Close()
		}
		if r.overflow != nil {
			err = r.overflow.Close(ctx)
		}
	})
	return err
}

// ---- load path ----

func (r *Repository[K, V]) startLoadLocked(ctx context.Context, id K) {
	r.ids.SetStatus(id, reqstate.InProgress)
	r.inflight++
	go r.loadID(context.WithoutCancel(ctx), id)
}

func (r *Repository[K, V]) loadID(ctx context.Context, id K) {
	v, ok, err := r.resolveID(ctx, id)
	r.settleID(id, v, ok, err)
}

// resolveID consults the overflow tier first and falls back to the provider.
func (r *Repository[K, V]) resolveID(ctx context.Context, id K) (V, bool, error) {
	var zero V
	if v, ok := r.fromOverflow(ctx, id); ok {
		return v, true, nil
	}
	v, ok, err := r.fetchByID(ctx, id)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}
	if got := r.idOf(v); got != id {
		return zero, false, &IdentityMismatchError[K]{Requested: id, Got: got}
	}
	return v, true, nil
}

func (r *Repository[K, V]) fromOverflow(ctx context.Context, id K) (V, bool) {
	var zero V
	if r.overflow == nil {
		return zero, false
	}
	key := r.overflowKey(id)
	raw, ok, err := r.overflow.Get(ctx, key)
	if err != nil {
		r.log.Warn("overflow read failed; falling through to fetch", Fields{"id": r.keyOf(id), "err": err})
		return zero, false
	}
	if !ok {
		return zero, false
	}
	payload, err := wire.DecodeEntity(raw)
	if err != nil {
		_ = r.overflow.Del(ctx, key) // self-heal corrupt
		r.hooks.OverflowCorrupt(id, "corrupt")
		return zero, false
	}
	v, err := r.ovCodec.Decode(payload)
	if err != nil {
		_ = r.overflow.Del(ctx, key) // self-heal
		r.hooks.OverflowCorrupt(id, "value_decode")
		return zero, false
	}
	r.hooks.OverflowHit(id)
	return v, true
}

// settleID applies a load outcome. Waiters are flushed with nil and
// re-evaluate the table themselves; only evict/reset/close reject them
// directly.
func (r *Repository[K, V]) settleID(id K, v V, ok bool, err error) {
	r.mu.Lock()
	var admit bool
	switch {
	case err != nil:
		r.ids.Fail(id, err)
	case !ok:
		r.ids.SetStatus(id, reqstate.NotFound)
	default:
		r.entities[id] = v
		r.ids.SetStatus(id, reqstate.Done)
		admit = true
	}
	ws := r.idWaiters.take(id)
	idle := r.endLoadLocked()
	r.mu.Unlock()

	flushWaiters(ws, nil)
	flushWaiters(idle, nil)
	if err != nil {
		r.log.Error("id fetch failed", Fields{"id": r.keyOf(id), "err": err})
		r.notifyError(err)
	} else if admit {
		r.admit(id, v)
	}
}

func (r *Repository[K, V]) endLoadLocked() []*waiter {
	r.inflight--
	if r.inflight > 0 {
		return nil
	}
	idle := r.idleWaiters
	r.idleWaiters = nil
	return idle
}

func (r *Repository[K, V]) notifyError(err error) {
	r.mu.Lock()
	fns := make([]func(error), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (r *Repository[K, V]) admit(id K, v V) {
	if r.policy == nil {
		return
	}
	if !r.policy.Admit(id, r.costOf(v)) {
		r.log.Debug("policy dropped admission", Fields{"id": r.keyOf(id)})
	}
}

func (r *Repository[K, V]) dropIDWaiter(id K, w *waiter) {
	r.mu.Lock()
	r.idWaiters.drop(id, w)
	r.mu.Unlock()
}

func (r *Repository[K, V]) dropIdleWaiter(w *waiter) {
	r.mu.Lock()
	for i, cand := range r.idleWaiters {
		if cand == w {
			r.idleWaiters = append(r.idleWaiters[:i], r.idleWaiters[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// ---- overflow keys ----

func (r *Repository[K, V]) overflowKey(id K) string {
	return util.EntityKey(r.ns, r.keyOf(id))
}

func (r *Repository[K, V]) dropOverflow(id K) {
	if r.overflow == nil {
		return
	}
	if err := r.overflow.Del(context.Background(), r.overflowKey(id)); err != nil {
		r.log.Warn("overflow delete failed", Fields{"id": r.keyOf(id), "err": err})
	}
}

func (r *Repository[K, V]) clearOverflow() {
	if r.overflow == nil {
		return
	}
	if err := r.overflow.Clear(context.Background(), util.Prefix(r.ns)); err != nil {
		r.log.Warn("overflow clear failed", Fields{"err": err})
	}
}
