package segment

import "sort"

// Coverage tracks which sub-ranges of one query's result space are loaded
// and which ids occupy them. Stored runs are kept tidy: sorted by offset
// with no two runs overlapping or touching. Coverage is not safe for
// concurrent use; the owner serializes access.
type Coverage[K comparable] struct {
	runs []Run[K]
}

func NewCoverage[K comparable]() *Coverage[K] {
	return &Coverage[K]{}
}

// Add inserts a run and re-tidies by merging overlapping and touching
// neighbours until no pair overlaps. Empty runs are ignored. Add is atomic:
// an id inconsistency leaves the coverage unchanged.
func (c *Coverage[K]) Add(r Run[K]) error {
	if r.IsEmpty() {
		return nil
	}
	merged := make([]Run[K], 0, len(c.runs)+1)
	merged = append(merged, c.runs...)
	merged = append(merged, r)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Offset < merged[j].Offset })

	tidy := merged[:1]
	for _, next := range merged[1:] {
		last := tidy[len(tidy)-1]
		if last.Overlaps(next.Segment) {
			combined, err := last.Combine(next)
			if err != nil {
				return err
			}
			tidy[len(tidy)-1] = combined
			continue
		}
		tidy = append(tidy, next)
	}
	c.runs = tidy
	return nil
}

// Runs returns a copy of the stored runs in offset order.
func (c *Coverage[K]) Runs() []Run[K] {
	out := make([]Run[K], len(c.runs))
	copy(out, c.runs)
	return out
}

// Segments projects the stored runs to plain segments.
func (c *Coverage[K]) Segments() []Segment {
	out := make([]Segment, len(c.runs))
	for i, r := range c.runs {
		out[i] = r.Segment
	}
	return out
}

// IDs returns the ids of every loaded position inside window, in position
// order. Gaps contribute nothing, so the result may be shorter than the
// window and non-contiguous.
func (c *Coverage[K]) IDs(window Segment) []K {
	var out []K
	for _, r := range c.runs {
		clipped, ok := r.Intersect(window)
		if !ok {
			continue
		}
		out = append(out, clipped.IDs...)
	}
	return out
}

// Missing returns the minimal list of maximal gaps of window not covered by
// any stored run, in offset order. An empty result means the window is fully
// loaded.
func (c *Coverage[K]) Missing(window Segment) []Segment {
	var gaps []Segment
	rem := window
	for _, r := range c.runs {
		if rem.IsEmpty() {
			break
		}
		if r.End() <= rem.Offset {
			continue
		}
		if r.Offset >= rem.End() {
			break
		}
		parts := rem.Subtract(r.Segment)
		switch len(parts) {
		case 0:
			rem = Segment{Offset: rem.End()}
		case 1:
			// A single remnant left of the run can never be covered by a
			// later run (runs are sorted and tidy), so it is a final gap.
			if parts[0].Offset < r.Offset {
				gaps = append(gaps, parts[0])
				rem = Segment{Offset: rem.End()}
			} else {
				rem = parts[0]
			}
		case 2:
			gaps = append(gaps, parts[0])
			rem = parts[1]
		}
	}
	if !rem.IsEmpty() {
		gaps = append(gaps, rem)
	}
	return gaps
}

// IsLoaded reports whether every position of window is covered.
func (c *Coverage[K]) IsLoaded(window Segment) bool {
	return len(c.Missing(window)) == 0
}

// HasID reports whether any stored run contains id.
func (c *Coverage[K]) HasID(id K) bool {
	for _, r := range c.runs {
		for _, candidate := range r.IDs {
			if candidate == id {
				return true
			}
		}
	}
	return false
}
