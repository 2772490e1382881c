// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "sort"

// A numberRange is an inclusive-exclusive [start, end) span of packet numbers.
type numberRange struct {
	start, end packetNumber
}

func (r numberRange) size() int64 { return int64(r.end - r.start) }

// rangeset is an ordered, merged set of non-overlapping, non-adjacent
// numberRanges, used both for the received-packet-number tracker (C4) and
// for the stream reassembly gap tracker (C8). Ranges are kept sorted
// ascending by start.
type rangeset struct {
	rs []numberRange
}

// add inserts [start, end) into the set, merging with any overlapping or
// adjacent ranges.
func (s *rangeset) add(start, end packetNumber) {
	if start >= end {
		return
	}
	i := sort.Search(len(s.rs), func(i int) bool { return s.rs[i].end >= start })
	j := sort.Search(len(s.rs), func(j int) bool { return s.rs[j].start > end })
	if i == j {
		// No overlap: insert a new range at position i.
		s.rs = append(s.rs, numberRange{})
		copy(s.rs[i+1:], s.rs[i:])
		s.rs[i] = numberRange{start, end}
		return
	}
	if s.rs[i].start < start {
		start = s.rs[i].start
	}
	if s.rs[j-1].end > end {
		end = s.rs[j-1].end
	}
	s.rs[i] = numberRange{start, end}
	s.rs = append(s.rs[:i+1], s.rs[j:]...)
}

// contains reports whether n falls within any range in the set.
func (s *rangeset) contains(n packetNumber) bool {
	i := sort.Search(len(s.rs), func(i int) bool { return s.rs[i].end > n })
	return i < len(s.rs) && s.rs[i].start <= n
}

// max returns the largest number in the set and true, or (0, false) if empty.
func (s *rangeset) max() (packetNumber, bool) {
	if len(s.rs) == 0 {
		return 0, false
	}
	return s.rs[len(s.rs)-1].end - 1, true
}

// min returns the smallest number in the set and true, or (0, false) if empty.
func (s *rangeset) min() (packetNumber, bool) {
	if len(s.rs) == 0 {
		return 0, false
	}
	return s.rs[0].start, true
}

// removeLessThan discards all ranges (and partial ranges) below n.
func (s *rangeset) removeLessThan(n packetNumber) {
	i := sort.Search(len(s.rs), func(i int) bool { return s.rs[i].end > n })
	s.rs = s.rs[i:]
	if len(s.rs) > 0 && s.rs[0].start < n {
		s.rs[0].start = n
	}
}

// numRanges reports how many disjoint ranges are in the set.
func (s *rangeset) numRanges() int { return len(s.rs) }

// isEmpty reports whether the set has no ranges.
func (s *rangeset) isEmpty() bool { return len(s.rs) == 0 }
