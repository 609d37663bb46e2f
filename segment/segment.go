// Package segment implements the interval algebra behind incremental result
// loading: half-open integer segments, segments annotated with the ids at
// their positions (Run), and a self-tidying sparse collection of runs per
// query (Coverage) that answers which sub-ranges of a requested window are
// still missing.
package segment

import "fmt"

// Segment is an immutable half-open range [Offset, Offset+Count) over a
// query's result positions.
type Segment struct {
	Offset int
	Count  int
}

// New returns the segment [offset, offset+count). Panics when offset or
// count is negative.
func New(offset, count int) Segment {
	if offset < 0 || count < 0 {
		panic(fmt.Sprintf("segment: invalid range [%d,%d)", offset, offset+count))
	}
	return Segment{Offset: offset, Count: count}
}

// End returns the exclusive upper bound.
func (s Segment) End() int { return s.Offset + s.Count }

// IsEmpty reports whether the segment spans no positions.
func (s Segment) IsEmpty() bool { return s.Count == 0 }

// Equal reports offset and count equality.
func (s Segment) Equal(o Segment) bool { return s.Offset == o.Offset && s.Count == o.Count }

// Overlaps reports whether the two segments intersect or merely touch.
// Touching ranges count as overlapping so that coalescing never leaves
// needless zero-width gaps.
func (s Segment) Overlaps(o Segment) bool {
	first, second := s, o
	if second.Offset < first.Offset {
		first, second = second, first
	}
	return first.End() >= second.Offset
}

// Contains reports whether o lies fully within s (exclusive end).
func (s Segment) Contains(o Segment) bool {
	return o.Offset >= s.Offset && o.End() <= s.End()
}

// ContainedIn reports whether s lies fully within o.
func (s Segment) ContainedIn(o Segment) bool { return o.Contains(s) }

// Intersect returns the overlapping portion of s and o. ok is false when the
// segments are disjoint or only touch.
func (s Segment) Intersect(o Segment) (Segment, bool) {
	lo := max(s.Offset, o.Offset)
	hi := min(s.End(), o.End())
	if hi <= lo {
		return Segment{}, false
	}
	return Segment{Offset: lo, Count: hi - lo}, true
}

// Split divides s at the absolute position at. An at outside the interior
// (at <= Offset or at >= End) leaves the segment whole.
func (s Segment) Split(at int) []Segment {
	if at <= s.Offset || at >= s.End() {
		return []Segment{s}
	}
	return []Segment{
		{Offset: s.Offset, Count: at - s.Offset},
		{Offset: at, Count: s.End() - at},
	}
}

// Subtract removes o's span from s, returning the 0, 1, or 2 disjoint parts
// that remain. The parts together with the intersection of s and o always
// reconstruct s.
func (s Segment) Subtract(o Segment) []Segment {
	if _, ok := s.Intersect(o); !ok {
		return []Segment{s}
	}
	var parts []Segment
	if o.Offset > s.Offset {
		parts = append(parts, Segment{Offset: s.Offset, Count: o.Offset - s.Offset})
	}
	if o.End() < s.End() {
		parts = append(parts, Segment{Offset: o.End(), Count: s.End() - o.End()})
	}
	return parts
}

func (s Segment) String() string {
	return fmt.Sprintf("[%d,%d)", s.Offset, s.End())
}
