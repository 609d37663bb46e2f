// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/rangecache"
//	"github.com/unkn0wn-root/rangecache/hooks/async"
//	"github.com/unkn0wn-root/rangecache/sloghooks"
//
// )
//
//	raw := sloghooks.New[string](slog.Default(), sloghooks.Options{
//	    OverflowHitEvery: 10, // sample logs: ~every 10th overflow hit
//	    DemotedEvery:     1,  // log every demotion
//	})
//
// hooks := asynchook.New[string](raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	repo, _ := rangecache.New(rangecache.Options[string, User]{
//	    FetchByID: fetchUser,
//	    IDOf:      func(u User) string { return u.ID },
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/rangecache"
)

type Hooks[K comparable] struct {
	inner rangecache.Hooks[K]
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ rangecache.Hooks[string] = (*Hooks[string])(nil)

func New[K comparable](inner rangecache.Hooks[K], workers, qlen int) *Hooks[K] {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks[K]{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks[K]) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks[K]) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks[K]) OverflowHit(id K) { h.try(func() { h.inner.OverflowHit(id) }) }
func (h *Hooks[K]) OverflowCorrupt(id K, reason string) {
	h.try(func() { h.inner.OverflowCorrupt(id, reason) })
}
func (h *Hooks[K]) Demoted(id K, spilled bool) { h.try(func() { h.inner.Demoted(id, spilled) }) }
