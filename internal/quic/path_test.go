// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"testing"
	"time"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return ap
}

func TestPathAntiAmplificationBudget(t *testing.T) {
	p := newPath(0, mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)
	if got := p.antiAmplificationBudget(); got != 0 {
		t.Fatalf("fresh unvalidated path budget = %d, want 0 (nothing received yet)", got)
	}
	p.recordReceived(100, time.Now())
	if got := p.antiAmplificationBudget(); got != 300 {
		t.Fatalf("budget after receiving 100 bytes = %d, want 300", got)
	}
	p.recordSent(250)
	if got := p.antiAmplificationBudget(); got != 50 {
		t.Fatalf("budget after sending 250 = %d, want 50", got)
	}
	p.recordSent(50)
	if got := p.antiAmplificationBudget(); got != 0 {
		t.Fatalf("budget after exhausting = %d, want 0", got)
	}
}

func TestPathAntiAmplificationBudgetUnboundedOnceValidated(t *testing.T) {
	p := newPath(0, mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)
	p.state = pathValidated
	if got := p.antiAmplificationBudget(); got != ^uint64(0) {
		t.Fatalf("validated path budget = %d, want unbounded", got)
	}
}

func TestPathValidationSucceeds(t *testing.T) {
	p := newPath(0, mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)
	now := time.Now()
	frame := p.beginValidation(now, 50*time.Millisecond)
	if frame.Kind != kindPathChallenge {
		t.Fatalf("beginValidation frame kind = %v, want kindPathChallenge", frame.Kind)
	}
	if !p.onPathResponse(now.Add(10*time.Millisecond), frame.PathData) {
		t.Fatalf("onPathResponse with matching data should succeed")
	}
	if p.state != pathValidated {
		t.Fatalf("path state after successful response = %v, want pathValidated", p.state)
	}
}

func TestPathValidationRejectsMismatchedData(t *testing.T) {
	p := newPath(0, mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)
	now := time.Now()
	p.beginValidation(now, 50*time.Millisecond)
	var wrong [8]byte
	if p.onPathResponse(now, wrong) {
		t.Fatalf("onPathResponse with mismatched data should fail")
	}
	if p.state == pathValidated {
		t.Fatalf("path should not be validated after a mismatched response")
	}
}

func TestPathValidationExpiresAfterDeadline(t *testing.T) {
	p := newPath(0, mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)
	now := time.Now()
	frame := p.beginValidation(now, 10*time.Millisecond)
	late := now.Add(31 * time.Millisecond) // past 3*PTO
	if !p.validationExpired(late) {
		t.Fatalf("validationExpired should report true past the 3xPTO deadline")
	}
	if p.onPathResponse(late, frame.PathData) {
		t.Fatalf("onPathResponse after the deadline should fail even with correct data")
	}
	if p.state != pathFailed {
		t.Fatalf("path state after an expired response = %v, want pathFailed", p.state)
	}
}

func TestPathSuspectAfterRepeatedPTO(t *testing.T) {
	p := newPath(0, mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)
	for i := 0; i < 3; i++ {
		p.onPTOExpired()
		if p.suspect {
			t.Fatalf("path marked suspect after only %d PTOs, want after more than 3", i+1)
		}
	}
	p.onPTOExpired()
	if !p.suspect {
		t.Fatalf("path should be marked suspect after exceeding 3 consecutive PTOs")
	}
	p.onProbeSucceeded()
	if p.suspect || p.consecutivePTOs != 0 {
		t.Fatalf("onProbeSucceeded should clear suspect state and reset the PTO count")
	}
}

func TestPathManagerInitialPathIsValidated(t *testing.T) {
	local := mustAddrPort(t, "127.0.0.1:1")
	remote := mustAddrPort(t, "127.0.0.1:2")
	m := newPathManager(local, remote, CongestionNewReno, 4, false)
	if len(m.paths) != 1 {
		t.Fatalf("newPathManager should start with exactly one path")
	}
	if m.activePath().state != pathValidated {
		t.Fatalf("initial path state = %v, want pathValidated", m.activePath().state)
	}
}

func TestPathManagerAddPathRefusesWhenMigrationDisabled(t *testing.T) {
	m := newPathManager(mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno, 4, true)
	if _, err := m.addPath(mustAddrPort(t, "127.0.0.1:3"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno); err == nil {
		t.Fatalf("addPath should fail when disableActiveMigration is set")
	}
}

func TestPathManagerAddPathRefusesWhenFull(t *testing.T) {
	m := newPathManager(mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno, 1, false)
	if _, err := m.addPath(mustAddrPort(t, "127.0.0.1:3"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno); err == nil {
		t.Fatalf("addPath should fail once maxPaths candidates already exist")
	}
}

func TestPathManagerMigrateActive(t *testing.T) {
	m := newPathManager(mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno, 4, false)
	p2, err := m.addPath(mustAddrPort(t, "127.0.0.1:3"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)
	if err != nil {
		t.Fatalf("addPath: %v", err)
	}
	m.migrateActive(p2)
	if m.activePath() != p2 {
		t.Fatalf("migrateActive did not switch the active path")
	}
}

func TestPathManagerValidatedPathsExcludesSuspectAndUnvalidated(t *testing.T) {
	m := newPathManager(mustAddrPort(t, "127.0.0.1:1"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno, 4, false)
	p2, _ := m.addPath(mustAddrPort(t, "127.0.0.1:3"), mustAddrPort(t, "127.0.0.1:2"), CongestionNewReno)

	validated := m.validatedPaths()
	if len(validated) != 1 || validated[0] != m.paths[0] {
		t.Fatalf("validatedPaths before p2 validates should contain only the initial path")
	}

	p2.state = pathValidated
	validated = m.validatedPaths()
	if len(validated) != 2 {
		t.Fatalf("validatedPaths after p2 validates = %d, want 2", len(validated))
	}

	p2.suspect = true
	validated = m.validatedPaths()
	if len(validated) != 1 {
		t.Fatalf("validatedPaths should exclude suspect paths even if validated, got %d", len(validated))
	}
}

func TestPathManagerByRemote(t *testing.T) {
	remote := mustAddrPort(t, "127.0.0.1:2")
	m := newPathManager(mustAddrPort(t, "127.0.0.1:1"), remote, CongestionNewReno, 4, false)
	p, ok := m.byRemote(remote)
	if !ok || p != m.paths[0] {
		t.Fatalf("byRemote should find the initial path by its remote address")
	}
	if _, ok := m.byRemote(mustAddrPort(t, "127.0.0.1:9")); ok {
		t.Fatalf("byRemote should report not-found for an unknown remote address")
	}
}
