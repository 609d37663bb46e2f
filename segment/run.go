package segment

import "fmt"

// ErrInconsistentIDs is reported by Combine when two runs claim different
// ids for the same positions.
var ErrInconsistentIDs = fmt.Errorf("segment: inconsistent ids for overlapping positions")

// Run is a Segment annotated with the ordered ids at its positions. IDs[i]
// is the id at absolute position Offset+i. Count always equals len(IDs); use
// NewRun to keep that structural.
type Run[K comparable] struct {
	Segment
	IDs []K
}

// NewRun returns the run starting at offset covering the given ids.
func NewRun[K comparable](offset int, ids []K) Run[K] {
	return Run[K]{
		Segment: New(offset, len(ids)),
		IDs:     ids,
	}
}

// Combine merges two overlapping or touching runs into one spanning both.
// The merged id set is the order-preserving union of both runs' ids. When the
// union's cardinality differs from the merged span the runs disagree about
// some position and ErrInconsistentIDs is returned.
func (r Run[K]) Combine(o Run[K]) (Run[K], error) {
	if !r.Overlaps(o.Segment) {
		return Run[K]{}, fmt.Errorf("segment: combine of disjoint runs %v and %v", r.Segment, o.Segment)
	}
	first, second := r, o
	if second.Offset < first.Offset {
		first, second = second, first
	}
	span := max(first.End(), second.End()) - first.Offset

	ids := make([]K, 0, span)
	seen := make(map[K]struct{}, span)
	for _, id := range first.IDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range second.IDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) != span {
		return Run[K]{}, fmt.Errorf("%w: merging %v and %v yields %d ids for span %d",
			ErrInconsistentIDs, r.Segment, o.Segment, len(ids), span)
	}
	return NewRun(first.Offset, ids), nil
}

// Intersect clips the run to the overlap with window, returning the
// positionally matching id slice. ok is false when the run and window are
// disjoint or only touch.
func (r Run[K]) Intersect(window Segment) (Run[K], bool) {
	seg, ok := r.Segment.Intersect(window)
	if !ok {
		return Run[K]{}, false
	}
	lo := seg.Offset - r.Offset
	ids := make([]K, seg.Count)
	copy(ids, r.IDs[lo:lo+seg.Count])
	return NewRun(seg.Offset, ids), true
}
