package rangecache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound wraps lookups whose subject the provider reports as
	// absent.
	ErrNotFound = errors.New("rangecache: entity not found")

	// ErrEvicted rejects waiters whose subject was evicted before the
	// pending load settled.
	ErrEvicted = errors.New("rangecache: evicted while waiting")

	// ErrReset rejects every waiter pending at the moment of a Reset.
	ErrReset = errors.New("rangecache: reset while waiting")

	// ErrClosed rejects waiters pending when the repository closes.
	ErrClosed = errors.New("rangecache: repository closed")

	// ErrNoCloner is returned by mutable-copy accessors when Options.Clone
	// was not configured.
	ErrNoCloner = errors.New("rangecache: no clone function configured")

	// ErrNoQueryFetcher is returned by ReloadQuery/GetByQuery on a paged
	// repository constructed without a plain query fetcher.
	ErrNoQueryFetcher = errors.New("rangecache: no query fetcher configured")
)

// IdentityMismatchError reports a fetched entity whose extracted id differs
// from the id that was requested. The entity is discarded, the id's record
// turns Error, and waiters reject with this error.
type IdentityMismatchError[K comparable] struct {
	Requested K
	Got       K
}

func (e *IdentityMismatchError[K]) Error() string {
	return fmt.Sprintf("rangecache: fetched entity id %v, requested %v", e.Got, e.Requested)
}
