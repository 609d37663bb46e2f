package ristretto

import (
	"errors"
	"fmt"
	"sync/atomic"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/rangecache/policy"
)

// Policy implements policy.Policy on dgraph-io/ristretto. The typed id is
// stored as the entry value so evictions can recover it (ristretto only
// hands back hashed keys).
type Policy[K comparable] struct {
	c       *rc.Cache
	keyOf   func(K) string
	onEvict atomic.Value // func(K)
}

var _ policy.Policy[string] = (*Policy[string])(nil)

type Config[K comparable] struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
	// KeyOf canonicalizes ids into ristretto keys. Defaults to fmt %v;
	// override when that rendering is ambiguous for your id type.
	KeyOf func(K) string
}

func New[K comparable](cfg Config[K]) (*Policy[K], error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto policy: invalid config")
	}
	p := &Policy[K]{keyOf: cfg.KeyOf}
	if p.keyOf == nil {
		p.keyOf = func(id K) string { return fmt.Sprintf("%v", id) }
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
		OnEvict: func(item *rc.Item) {
			fn, _ := p.onEvict.Load().(func(K))
			if fn == nil {
				return
			}
			id, ok := item.Value.(K)
			if !ok {
				return
			}
			fn(id)
		},
	})
	if err != nil {
		return nil, err
	}
	p.c = c
	return p, nil
}

func (p *Policy[K]) Admit(id K, cost int64) bool {
	return p.c.Set(p.keyOf(id), id, cost)
}

func (p *Policy[K]) Remove(id K) {
	p.c.Del(p.keyOf(id))
}

func (p *Policy[K]) Clear() {
	p.c.Clear()
}

func (p *Policy[K]) OnEvict(fn func(id K)) {
	p.onEvict.Store(fn)
}

func (p *Policy[K]) Close() {
	p.c.Wait()
	p.c.Close()
}

// Metrics exposes ristretto's counters (not part of policy.Policy).
func (p *Policy[K]) Metrics() *rc.Metrics { return p.c.Metrics }
