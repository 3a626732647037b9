package types

import "sort"

// Range is a closed interval of sequence numbers.
type Range struct {
	Lo int64
	Hi int64
}

// SeqSet is a set of int64 stored as sorted, disjoint, non-adjacent ranges.
// Contiguous runs cost a single Range no matter their length.
type SeqSet struct {
	ranges []Range
}

// search returns the index of the first range with Hi >= x.
func (s *SeqSet) search(x int64) int {
	return sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Hi >= x })
}

func (s *SeqSet) Contains(x int64) bool {
	i := s.search(x)
	return i < len(s.ranges) && s.ranges[i].Lo <= x
}

// Add inserts x and reports whether it was absent.
func (s *SeqSet) Add(x int64) bool {
	i := s.search(x)
	if i < len(s.ranges) && s.ranges[i].Lo <= x {
		return false
	}
	joinLeft := i > 0 && s.ranges[i-1].Hi == x-1
	joinRight := i < len(s.ranges) && s.ranges[i].Lo == x+1
	switch {
	case joinLeft && joinRight:
		s.ranges[i-1].Hi = s.ranges[i].Hi
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	case joinLeft:
		s.ranges[i-1].Hi = x
	case joinRight:
		s.ranges[i].Lo = x
	default:
		s.ranges = append(s.ranges, Range{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = Range{Lo: x, Hi: x}
	}
	return true
}

// AddRange inserts every value of [lo, hi].
func (s *SeqSet) AddRange(lo, hi int64) {
	if lo > hi {
		return
	}
	if n := len(s.ranges); n == 0 || lo > s.ranges[n-1].Hi+1 {
		s.ranges = append(s.ranges, Range{Lo: lo, Hi: hi})
		return
	} else if lo == s.ranges[n-1].Hi+1 {
		s.ranges[n-1].Hi = hi
		return
	}
	for x := lo; x <= hi; x++ {
		if i := s.search(x); i < len(s.ranges) && s.ranges[i].Lo <= x {
			x = s.ranges[i].Hi
			continue
		}
		s.Add(x)
	}
}

// TrimThrough drops every value <= x.
func (s *SeqSet) TrimThrough(x int64) {
	i := s.search(x)
	if i < len(s.ranges) && s.ranges[i].Lo <= x {
		s.ranges[i].Lo = x + 1
		if s.ranges[i].Lo > s.ranges[i].Hi {
			i++
		}
	}
	s.ranges = append(s.ranges[:0], s.ranges[i:]...)
}

// RunFrom returns the last value of the contiguous run starting at x, or
// x-1 if x is absent.
func (s *SeqSet) RunFrom(x int64) int64 {
	i := s.search(x)
	if i < len(s.ranges) && s.ranges[i].Lo <= x {
		return s.ranges[i].Hi
	}
	return x - 1
}

// Max returns the largest value, ok is false for an empty set.
func (s *SeqSet) Max() (max int64, ok bool) {
	if len(s.ranges) == 0 {
		return 0, false
	}
	return s.ranges[len(s.ranges)-1].Hi, true
}

// Len counts the values in the set.
func (s *SeqSet) Len() int64 {
	var n int64
	for _, r := range s.ranges {
		n += r.Hi - r.Lo + 1
	}
	return n
}

func (s *SeqSet) Empty() bool {
	return len(s.ranges) == 0
}

// Ranges returns a copy of the internal ranges.
func (s *SeqSet) Ranges() []Range {
	return append([]Range(nil), s.ranges...)
}

// SeqSetFromRanges rebuilds a set from Ranges output.
func SeqSetFromRanges(rs []Range) *SeqSet {
	s := &SeqSet{}
	for _, r := range rs {
		s.AddRange(r.Lo, r.Hi)
	}
	return s
}
