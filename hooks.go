package rangecache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The repository calls them on hot paths, outside its lock.
type Hooks[K comparable] interface {
	// An id load was satisfied from the overflow store without a provider
	// round-trip.
	OverflowHit(id K)

	// An overflow entry failed validation or decoding and was deleted on
	// read. reason ∈ {"corrupt", "value_decode"}
	OverflowCorrupt(id K, reason string)

	// A resident entity was demoted out of the hot map (policy pressure or
	// an explicit Demote call). spilled is false when no overflow store is
	// configured, in which case the next read refetches.
	Demoted(id K, spilled bool)
}

// NopHooks is the default no-op
type NopHooks[K comparable] struct{}

func (NopHooks[K]) OverflowHit(K)             {}
func (NopHooks[K]) OverflowCorrupt(K, string) {}
func (NopHooks[K]) Demoted(K, bool)           {}
