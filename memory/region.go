package memory

import "fmt"

// Region is the half open guest physical range [Start, Start+Size).
type Region struct {
	Start uint64
	Size  uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return r.Start <= addr && addr-r.Start < r.Size
}

// Overlaps reports whether both regions share at least one address.
func (r Region) Overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Touches reports whether the regions overlap or are adjacent.
func (r Region) Touches(o Region) bool {
	return r.Start <= o.End() && o.Start <= r.End()
}

// Union returns the smallest region covering both.
func (r Region) Union(o Region) Region {
	start, end := r.Start, r.End()

	if o.Start < start {
		start = o.Start
	}

	if o.End() > end {
		end = o.End()
	}

	return Region{Start: start, Size: end - start}
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Start, r.End())
}
