// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"testing"
	"time"
)

func newValidatedTestPathManager(t *testing.T, n int) *pathManager {
	t.Helper()
	local := mustAddrPort(t, "127.0.0.1:1")
	remote := mustAddrPort(t, "127.0.0.1:2")
	m := newPathManager(local, remote, CongestionNewReno, n+1, false)
	for i := 1; i < n; i++ {
		p, err := m.addPath(mustAddrPort(t, "127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:100"), CongestionNewReno)
		if err != nil {
			t.Fatalf("addPath: %v", err)
		}
		p.state = pathValidated
	}
	return m
}

func TestMultipathEnabledRequiresTwoValidatedPaths(t *testing.T) {
	m := newValidatedTestPathManager(t, 1)
	s := newMultipathScheduler(m)
	if s.enabled(true) {
		t.Fatalf("enabled() should be false with only one validated path")
	}

	m2 := newValidatedTestPathManager(t, 2)
	s2 := newMultipathScheduler(m2)
	if !s2.enabled(true) {
		t.Fatalf("enabled() should be true with two validated paths and peer support")
	}
	if s2.enabled(false) {
		t.Fatalf("enabled() should be false without peer multipath support even with two validated paths")
	}
}

func TestMultipathRankedPathsOrdersBySmoothedRTT(t *testing.T) {
	m := newValidatedTestPathManager(t, 3)
	m.paths[0].loss.rtt.smoothedRTT = 50 * time.Millisecond
	m.paths[1].loss.rtt.smoothedRTT = 10 * time.Millisecond
	m.paths[2].loss.rtt.smoothedRTT = 30 * time.Millisecond

	s := newMultipathScheduler(m)
	ranked := s.rankedPaths()
	if len(ranked) != 3 {
		t.Fatalf("rankedPaths length = %d, want 3", len(ranked))
	}
	if ranked[0] != m.paths[1] || ranked[1] != m.paths[2] || ranked[2] != m.paths[0] {
		t.Fatalf("rankedPaths did not order by ascending smoothed RTT")
	}
}

func TestMultipathScheduleChunksAcrossPaths(t *testing.T) {
	m := newValidatedTestPathManager(t, 2)
	s := newMultipathScheduler(m)
	now := time.Now()

	data := make([]byte, maxDatagramSize*3)
	chunks := s.schedule(now, data)
	if len(chunks) == 0 {
		t.Fatalf("schedule returned no chunks for non-empty data with validated paths")
	}
	var total int
	for _, c := range chunks {
		total += len(c.data)
		if len(c.data) > maxDatagramSize {
			t.Fatalf("chunk size %d exceeds maxDatagramSize %d", len(c.data), maxDatagramSize)
		}
	}
	if total != len(data) {
		t.Fatalf("scheduled chunk bytes = %d, want all %d bytes consumed", total, len(data))
	}
}

func TestMultipathScheduleRoundRobinsAcrossCalls(t *testing.T) {
	m := newValidatedTestPathManager(t, 2)
	s := newMultipathScheduler(m)
	now := time.Now()

	small := make([]byte, 10)
	first := s.schedule(now, small)
	if len(first) != 1 {
		t.Fatalf("expected a single chunk for data smaller than one path's budget, got %d", len(first))
	}
	firstPath := first[0].path

	second := s.schedule(now, small)
	if len(second) != 1 {
		t.Fatalf("expected a single chunk on the second schedule call, got %d", len(second))
	}
	if second[0].path == firstPath {
		t.Fatalf("round robin should favor a different path on the next call when both have equal budget")
	}
}

func TestMultipathScheduleExcludesUnvalidatedPaths(t *testing.T) {
	m := newValidatedTestPathManager(t, 1)
	// The second path is still pending validation, so rankedPaths (backed
	// by validatedPaths) must not offer it to the scheduler at all.
	p2, err := m.addPath(mustAddrPort(t, "127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:100"), CongestionNewReno)
	if err != nil {
		t.Fatalf("addPath: %v", err)
	}
	now := time.Now()

	s := newMultipathScheduler(m)
	data := make([]byte, 10)
	chunks := s.schedule(now, data)
	for _, c := range chunks {
		if c.path == p2 {
			t.Fatalf("schedule should not assign data to a path still pending validation")
		}
	}
}

func TestMultipathScheduleBoundsConcurrentPaths(t *testing.T) {
	m := newValidatedTestPathManager(t, maxConcurrentPathSends+2)
	s := newMultipathScheduler(m)
	now := time.Now()

	// One byte per path fits in the first path's budget, so schedule() uses
	// a single path here; whatever it does, the semaphore caps how many
	// distinct paths a single call draws on to maxConcurrentPathSends.
	data := make([]byte, len(m.paths))
	chunks := s.schedule(now, data)

	used := make(map[int]bool)
	for _, c := range chunks {
		used[c.path.id] = true
	}
	if len(used) > maxConcurrentPathSends {
		t.Fatalf("schedule used %d distinct paths in one call, want at most %d", len(used), maxConcurrentPathSends)
	}
}
