// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"
)

const defaultCIDLen = 8

// localCID is one connection ID this endpoint has minted for the peer to
// use as a destination, spec.md Section 3's CID entity.
type localCID struct {
	seq         uint64
	id          []byte
	resetToken  [16]byte
	retired     bool
}

// remoteCID is one connection ID the peer has given us to use as a
// destination.
type remoteCID struct {
	seq           uint64
	id            []byte
	resetToken    [16]byte
	retirePriorTo uint64
	retired       bool
}

// cidManager mints and tracks connection IDs on both sides, RFC 9000
// Section 5.1 and spec.md Section 3's invariant: "at most
// active_connection_id_limit simultaneously usable CIDs per side."
type cidManager struct {
	mu sync.Mutex

	localLimit int // active_connection_id_limit we advertised to the peer
	local      []*localCID
	nextLocalSeq uint64

	remote       []*remoteCID
	nextRemoteSeqWanted uint64 // sequence the peer should retire below, once we raise it
}

func newCIDManager(localLimit int) *cidManager {
	return &cidManager{localLimit: localLimit}
}

// mintInitial registers the SCID chosen for the Initial packet as local CID
// sequence 0.
func (m *cidManager) mintInitial(scid []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = append(m.local, &localCID{seq: 0, id: scid})
	m.nextLocalSeq = 1
}

// mintNext generates a fresh local CID and reset token for a
// NEW_CONNECTION_ID frame, refusing if doing so would exceed the limit we
// ourselves must respect as a sender (RFC 9000 Section 5.1.1: at most
// active_connection_id_limit unretired local CIDs outstanding).
func (m *cidManager) mintNext(cidLen int) (*localCID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, c := range m.local {
		if !c.retired {
			active++
		}
	}
	if active >= m.localLimit {
		return nil, newTransportError(errConnectionIDLimit, "local active_connection_id_limit reached")
	}
	id := make([]byte, cidLen)
	rand.Read(id)
	var token [16]byte
	rand.Read(token[:])
	c := &localCID{seq: m.nextLocalSeq, id: id, resetToken: token}
	m.local = append(m.local, c)
	m.nextLocalSeq++
	return c, nil
}

// retireLocal marks the local CID with seq as retired in response to a
// RETIRE_CONNECTION_ID frame from the peer.
func (m *cidManager) retireLocal(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.local {
		if c.seq == seq {
			c.retired = true
			return
		}
	}
}

// addRemote processes a NEW_CONNECTION_ID frame, enforcing that the total
// outstanding remote CIDs never exceeds our own active_connection_id_limit
// transport parameter (not modeled as a separate field here; callers pass
// it as limit).
func (m *cidManager) addRemote(seq, retirePriorTo uint64, id []byte, token [16]byte, limit int) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.remote {
		if c.seq == seq {
			return nil, nil // duplicate frame, RFC 9000 Section 19.15
		}
	}
	m.remote = append(m.remote, &remoteCID{seq: seq, id: id, resetToken: token, retirePriorTo: retirePriorTo})

	var toRetire []uint64
	for _, c := range m.remote {
		if c.seq < retirePriorTo && !c.retired {
			c.retired = true
			toRetire = append(toRetire, c.seq)
		}
	}
	active := 0
	for _, c := range m.remote {
		if !c.retired {
			active++
		}
	}
	if active > limit {
		return nil, newTransportError(errConnectionIDLimit, "peer exceeded active_connection_id_limit")
	}
	return toRetire, nil
}

// activeRemote returns the first-added (insertion order) non-retired remote
// CID, used as the destination for the active path; it does not compare
// sequence numbers.
func (m *cidManager) activeRemote() (*remoteCID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.remote {
		if !c.retired {
			return c, true
		}
	}
	return nil, false
}

// matchesStatelessReset reports whether candidate (the last 16 bytes of an
// otherwise undecodable short-header packet) equals the reset token of any
// CID the peer has handed us, RFC 9000 Section 10.3.1: any of the peer's
// active stateless reset tokens, not just the one from transport
// parameters, authenticates a reset.
func (m *cidManager) matchesStatelessReset(candidate []byte) bool {
	if len(candidate) != 16 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.remote {
		if subtle.ConstantTimeCompare(c.resetToken[:], candidate) == 1 {
			return true
		}
	}
	return false
}

func (m *cidManager) activeLocal() (*localCID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.local {
		if !c.retired {
			return c, true
		}
	}
	return nil, false
}
