package rangecache

import "context"

// waiter is a one-shot settlement channel. A settlement flush sends nil
// ("re-evaluate the table") and a synthesized rejection (evict/reset/close)
// sends its error; either way the waiter fires at most once.
type waiter struct {
	ch chan error
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan error, 1)}
}

// wait blocks for the flush or for ctx. cancel is invoked before returning
// on the ctx path so the owner can deregister the abandoned waiter.
func (w *waiter) wait(ctx context.Context, cancel func()) error {
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// waiterSet keys pending waiters by scope (id or query). All methods are
// called with the owning repository's lock held; flushing the returned
// slices is safe anywhere since the channels are buffered.
type waiterSet[T comparable] struct {
	m map[T][]*waiter
}

func newWaiterSet[T comparable]() *waiterSet[T] {
	return &waiterSet[T]{m: make(map[T][]*waiter)}
}

func (s *waiterSet[T]) add(k T) *waiter {
	w := newWaiter()
	s.m[k] = append(s.m[k], w)
	return w
}

// drop removes w if it is still registered (ctx-cancelled waiters).
func (s *waiterSet[T]) drop(k T, w *waiter) {
	ws := s.m[k]
	for i, cand := range ws {
		if cand == w {
			s.m[k] = append(ws[:i], ws[i+1:]...)
			if len(s.m[k]) == 0 {
				delete(s.m, k)
			}
			return
		}
	}
}

// take removes and returns the scope's waiters in registration order.
func (s *waiterSet[T]) take(k T) []*waiter {
	ws := s.m[k]
	delete(s.m, k)
	return ws
}

// takeAll removes and returns every waiter across all scopes.
func (s *waiterSet[T]) takeAll() []*waiter {
	var all []*waiter
	for k, ws := range s.m {
		all = append(all, ws...)
		delete(s.m, k)
	}
	return all
}

func (s *waiterSet[T]) count(k T) int { return len(s.m[k]) }

// flushWaiters settles waiters in registration order. Channels are buffered
// with capacity 1 and each waiter is taken from its set exactly once, so the
// sends never block.
func flushWaiters(ws []*waiter, err error) {
	for _, w := range ws {
		w.ch <- err
	}
}
