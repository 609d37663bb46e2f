// Package policy abstracts the admission/eviction engine that decides which
// resolved entities stay resident in a repository's hot map.
package policy

// Policy tracks resident entity ids with a cost each and signals which ids
// should leave residency. The repository admits every resolved id and binds
// its demotion path to OnEvict; a demoted id stays loadable (from the
// overflow store or the provider), so spurious evictions are safe.
type Policy[K comparable] interface {
	// Admit records id as resident with the given cost. Returns false when
	// the engine dropped the admission under pressure.
	Admit(id K, cost int64) bool

	// Remove forgets id without signalling an eviction.
	Remove(id K)

	// Clear forgets every id without signalling evictions.
	Clear()

	// OnEvict binds the eviction consumer. At most one consumer; the
	// repository registers itself during construction.
	OnEvict(fn func(id K))

	// Close releases resources.
	Close()
}
