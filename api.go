package rangecache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/rangecache/bytestore"
	"github.com/unkn0wn-root/rangecache/codec"
	"github.com/unkn0wn-root/rangecache/policy"
	"github.com/unkn0wn-root/rangecache/segment"
)

// FetchByIDFunc loads one entity from the provider. ok=false reports genuine
// absence and must not be an error; an error is a transient failure of this
// attempt.
type FetchByIDFunc[K comparable, V any] func(ctx context.Context, id K) (v V, ok bool, err error)

// FetchByQueryFunc loads a query's full result set in result order.
type FetchByQueryFunc[Q comparable, V any] func(ctx context.Context, q Q) ([]V, error)

// FetchWindowFunc loads one window of a query's results in positional order.
// Returning fewer entities than window.Count marks the end of the result set
// (the repository learns the query's limit from it).
type FetchWindowFunc[Q comparable, V any] func(ctx context.Context, q Q, window segment.Segment) ([]V, error)

// IDFunc extracts an entity's id. Must be pure and referentially stable.
type IDFunc[K comparable, V any] func(V) K

// CloneFunc deep-clones an entity for mutable-copy batches; the clone must
// share no mutable state with the original. codec.Roundtrip builds one from
// any lossless codec.
type CloneFunc[V any] func(V) (V, error)

// CostFunc weighs an entity for the admission policy.
type CostFunc[V any] func(V) int64

// Options tune a Repository. Only FetchByID and IDOf are required; others
// have working defaults.
type Options[K comparable, V any] struct {
	// Required
	FetchByID FetchByIDFunc[K, V]
	IDOf      IDFunc[K, V]

	Logger Logger       // if nil, NopLogger is used
	Hooks  Hooks[K]     // if nil, NopHooks is used
	Clone  CloneFunc[V] // nil => mutable-copy accessors return ErrNoCloner

	// Overflow tier: demoted entities are encoded and spilled here, and the
	// id load path consults it before calling FetchByID.
	Overflow          bytestore.Store // nil => no overflow tier
	OverflowCodec     codec.Codec[V]  // required when Overflow is set
	OverflowNamespace string          // required when Overflow is set. e.g. "user"
	OverflowTTL       time.Duration   // 0 => no expiry
	OverflowKeyOf     func(K) string  // default: fmt-based rendering of the id

	// Policy bounds hot residency; its evictions demote entities into the
	// overflow tier (or drop them for refetch when no tier is configured).
	Policy policy.Policy[K] // nil => unbounded residency
	CostOf CostFunc[V]      // admission cost per entity; default 1
}

// SearchOptions tune a SearchRepository.
type SearchOptions[K comparable, Q comparable, V any] struct {
	Options[K, V]

	// Required
	FetchByQuery FetchByQueryFunc[Q, V]
}

// PagedOptions tune a PagedRepository. FetchByQuery is optional at this
// level: without it the plain-query accessors return ErrNoQueryFetcher and
// callers use the windowed surface only.
type PagedOptions[K comparable, Q comparable, V any] struct {
	SearchOptions[K, Q, V]

	// Required
	FetchWindow FetchWindowFunc[Q, V]

	// MaxSegmentFetches caps how many missing segments of one load are
	// fetched concurrently. 0 => no cap.
	MaxSegmentFetches int
}

// New builds the by-id repository layer.
func New[K comparable, V any](opts Options[K, V]) (*Repository[K, V], error) {
	return newRepository(opts)
}

// NewSearch builds the by-query layer on top of a by-id repository.
func NewSearch[K comparable, Q comparable, V any](opts SearchOptions[K, Q, V]) (*SearchRepository[K, Q, V], error) {
	return newSearch(opts, true)
}

// NewPaged builds the windowed-query layer. All three layers share one
// entity cache and one lock.
func NewPaged[K comparable, Q comparable, V any](opts PagedOptions[K, Q, V]) (*PagedRepository[K, Q, V], error) {
	return newPaged(opts)
}
