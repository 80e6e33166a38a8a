package transfer

import (
	"slices"
	"sort"
)

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in r.
func (r Range) Len() int64 { return r.End - r.Start }

// RangeSet tracks which byte ranges of a file have been covered. Adjacent
// and overlapping ranges are merged, so Covered never double counts.
type RangeSet struct {
	ranges  []Range
	covered int64
}

// Add marks [start, end) as covered and returns how many bytes were new.
func (s *RangeSet) Add(start, end int64) int64 {
	if end <= start {
		return 0
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= start
	})
	merged := Range{Start: start, End: end}
	var absorbed int64
	j := i
	for ; j < len(s.ranges) && s.ranges[j].Start <= end; j++ {
		merged.Start = min(merged.Start, s.ranges[j].Start)
		merged.End = max(merged.End, s.ranges[j].End)
		absorbed += s.ranges[j].Len()
	}
	s.ranges = slices.Replace(s.ranges, i, j, merged)
	added := merged.Len() - absorbed
	s.covered += added
	return added
}

// Covered returns the total number of distinct bytes covered.
func (s *RangeSet) Covered() int64 {
	return s.covered
}

// Covers reports whether every byte of [start, end) is covered.
func (s *RangeSet) Covers(start, end int64) bool {
	if end <= start {
		return true
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End > start
	})
	return i < len(s.ranges) && s.ranges[i].Start <= start && s.ranges[i].End >= end
}

// Ranges returns a copy of the covered ranges in ascending order.
func (s *RangeSet) Ranges() []Range {
	return slices.Clone(s.ranges)
}

// Reset forgets all coverage.
func (s *RangeSet) Reset() {
	s.ranges = nil
	s.covered = 0
}
