// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentPathSends bounds how many distinct paths one schedule() call
// may fan a single write out across, spec.md Section 5's per-turn bound on
// concurrent in-flight sends.
const maxConcurrentPathSends = 4

// multipathScheduler implements spec.md Section 4.10: active when both
// peers advertise multipath support and at least two paths are validated.
// Ranks paths by smoothed RTT ascending, splits writes into MTU-aligned
// chunks, and sends each chunk on the next path with send budget in a
// rotation over the ranked list. The rotation runs over every ranked path,
// not only over paths tied on RTT or budget: the ranking sets the order of
// the rotation, and a lower-RTT path is not otherwise preferred.
type multipathScheduler struct {
	paths *pathManager

	// roundRobinCursor is the ranked-list index where the next chunk's
	// search starts; it moves past each path that receives a chunk, across
	// schedule() calls, instead of always favoring the first ranked path.
	roundRobinCursor int

	// sem caps the number of distinct paths a single schedule() call may
	// draw on, acquired per newly-used path and released once the call
	// returns.
	sem *semaphore.Weighted
}

func newMultipathScheduler(paths *pathManager) *multipathScheduler {
	return &multipathScheduler{paths: paths, sem: semaphore.NewWeighted(maxConcurrentPathSends)}
}

// enabled reports whether multipath scheduling should be used at all,
// spec.md Section 4.10's activation condition.
func (s *multipathScheduler) enabled(peerSupportsMultipath bool) bool {
	return peerSupportsMultipath && len(s.paths.validatedPaths()) >= 2
}

// rankedPaths returns the validated, non-suspect paths ordered by
// ascending smoothed RTT, spec.md Section 4.10.
func (s *multipathScheduler) rankedPaths() []*path {
	ps := s.paths.validatedPaths()
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].loss.rtt.smoothedRTT < ps[j].loss.rtt.smoothedRTT
	})
	return ps
}

// chunk is one MTU-aligned slice of application data assigned to a path.
type chunk struct {
	path *path
	data []byte
}

// schedule splits data into chunks of at most one path's send budget and
// assigns each to the first path, searching the ranked list from
// roundRobinCursor onward, whose congestion window and anti-amplification
// limit currently permit it. Budgets are not compared between paths, and
// the same path may receive several chunks in one call.
func (s *multipathScheduler) schedule(now time.Time, data []byte) []chunk {
	ranked := s.rankedPaths()
	if len(ranked) == 0 {
		return nil
	}
	var out []chunk
	cursor := s.roundRobinCursor
	used := make(map[int]bool, len(ranked))
	var acquired int64
	defer func() {
		if acquired > 0 {
			s.sem.Release(acquired)
		}
	}()

	for len(data) > 0 {
		assigned := false
		for i := 0; i < len(ranked); i++ {
			idx := (cursor + i) % len(ranked)
			p := ranked[idx]
			if !used[p.id] {
				if !s.sem.TryAcquire(1) {
					continue // this turn's path fan-out budget is spent
				}
				used[p.id] = true
				acquired++
			}
			budget := p.loss.maxSendSize(now)
			if amp := p.antiAmplificationBudget(); amp < uint64(budget) {
				budget = int(amp)
			}
			if budget <= 0 {
				continue
			}
			n := len(data)
			if n > budget {
				n = budget
			}
			out = append(out, chunk{path: p, data: data[:n]})
			data = data[n:]
			cursor = (idx + 1) % len(ranked)
			assigned = true
			break
		}
		if !assigned {
			// No path currently has budget; stop, the caller retries once
			// a congestion window opens or an ACK arrives.
			break
		}
	}
	s.roundRobinCursor = cursor
	return out
}

// onPathSuspect returns every path whose suspect flag is set (see
// path.onPTOExpired), spec.md Section 4.10. No connection code calls it.
func (s *multipathScheduler) onPathSuspect() []*path {
	var suspects []*path
	for _, p := range s.paths.paths {
		if p.suspect {
			suspects = append(suspects, p)
		}
	}
	return suspects
}
