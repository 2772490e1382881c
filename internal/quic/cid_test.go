// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "testing"

func TestCIDManagerMintInitial(t *testing.T) {
	m := newCIDManager(4)
	m.mintInitial([]byte{1, 2, 3, 4})
	c, ok := m.activeLocal()
	if !ok || c.seq != 0 {
		t.Fatalf("activeLocal() after mintInitial = %+v, %v, want seq 0", c, ok)
	}
}

func TestCIDManagerMintNextRefusesOverLimit(t *testing.T) {
	m := newCIDManager(2)
	m.mintInitial([]byte{1})
	if _, err := m.mintNext(8); err != nil {
		t.Fatalf("mintNext (within limit): %v", err)
	}
	if _, err := m.mintNext(8); err == nil {
		t.Fatalf("mintNext should fail once localLimit active CIDs are outstanding")
	}
}

func TestCIDManagerRetireLocalFreesLimit(t *testing.T) {
	m := newCIDManager(2)
	m.mintInitial([]byte{1})
	second, err := m.mintNext(8)
	if err != nil {
		t.Fatalf("mintNext: %v", err)
	}
	if _, err := m.mintNext(8); err == nil {
		t.Fatalf("mintNext should fail once the limit is reached")
	}
	m.retireLocal(second.seq)
	if _, err := m.mintNext(8); err != nil {
		t.Fatalf("mintNext after retiring one CID should succeed: %v", err)
	}
}

func TestCIDManagerAddRemoteRejectsDuplicateSeq(t *testing.T) {
	m := newCIDManager(4)
	var token [16]byte
	if _, err := m.addRemote(1, 0, []byte{1}, token, 4); err != nil {
		t.Fatalf("addRemote: %v", err)
	}
	toRetire, err := m.addRemote(1, 0, []byte{1}, token, 4)
	if err != nil {
		t.Fatalf("addRemote duplicate seq should be ignored, not errored: %v", err)
	}
	if toRetire != nil {
		t.Fatalf("addRemote duplicate seq should not request any retirement")
	}
}

func TestCIDManagerAddRemoteRetiresPriorTo(t *testing.T) {
	m := newCIDManager(4)
	var token [16]byte
	m.addRemote(0, 0, []byte{0}, token, 4)
	m.addRemote(1, 0, []byte{1}, token, 4)
	toRetire, err := m.addRemote(2, 2, []byte{2}, token, 4)
	if err != nil {
		t.Fatalf("addRemote: %v", err)
	}
	if len(toRetire) != 2 {
		t.Fatalf("addRemote with retirePriorTo=2 should retire seqs 0 and 1, got %v", toRetire)
	}
}

func TestCIDManagerAddRemoteRejectsOverLimit(t *testing.T) {
	m := newCIDManager(4)
	var token [16]byte
	m.addRemote(0, 0, []byte{0}, token, 1)
	if _, err := m.addRemote(1, 0, []byte{1}, token, 1); err == nil {
		t.Fatalf("addRemote should reject exceeding the active_connection_id_limit")
	}
}

func TestCIDManagerActiveRemoteFirstAdded(t *testing.T) {
	m := newCIDManager(4)
	var token [16]byte
	m.addRemote(5, 0, []byte{5}, token, 4)
	m.addRemote(2, 0, []byte{2}, token, 4)
	c, ok := m.activeRemote()
	if !ok {
		t.Fatalf("activeRemote should find a CID")
	}
	if c.seq != 5 {
		// activeRemote returns the first non-retired entry in insertion
		// order, not the numerically lowest sequence.
		t.Fatalf("activeRemote() = seq %d, want the first-added non-retired CID (seq 5)", c.seq)
	}
}
