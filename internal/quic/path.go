// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/rand"
	"net/netip"
	"time"
)

// pathState is a path's validation lifecycle, spec.md Section 3's Path
// entity and Section 4.9.
type pathState int

const (
	pathValidating pathState = iota
	pathValidated
	pathFailed
	pathAbandoned
)

// path is one (local, remote) address pair a connection may send on,
// spec.md Section 4.9. Under multipath (C10) each validated path also owns
// an independent packetNumber space and congestion controller; path 0
// (the path a connection starts on) always exists, single-path or not.
type path struct {
	id int

	local  netip.AddrPort
	remote netip.AddrPort

	state pathState

	challengeData [8]byte
	challengeSentAt time.Time
	challengeDeadline time.Time

	bytesSent     uint64
	bytesReceived uint64 // feeds the anti-amplification budget before validation

	loss *lossRecovery

	consecutivePTOs int
	suspect         bool

	lastActivity time.Time
}

const maxAmplificationFactor = 3

func newPath(id int, local, remote netip.AddrPort, algo CongestionAlgorithm) *path {
	return &path{
		id:     id,
		local:  local,
		remote: remote,
		state:  pathValidating,
		loss:   newLossRecovery(algo),
	}
}

// antiAmplificationBudget returns how many more bytes may be sent on an
// unvalidated path, RFC 9000 Section 8.1 and spec.md Section 4.9's
// invariant: "a non-validated path may send at most 3x the bytes it has
// received."
func (p *path) antiAmplificationBudget() uint64 {
	if p.state == pathValidated {
		return ^uint64(0)
	}
	limit := p.bytesReceived * maxAmplificationFactor
	if p.bytesSent >= limit {
		return 0
	}
	return limit - p.bytesSent
}

// beginValidation arms a PATH_CHALLENGE with a fresh random payload,
// returning the frame to send. now is used to schedule the validation
// deadline at 3*PTO, spec.md Section 4.9.
func (p *path) beginValidation(now time.Time, pto time.Duration) Frame {
	rand.Read(p.challengeData[:])
	p.challengeSentAt = now
	p.challengeDeadline = now.Add(3 * pto)
	p.state = pathValidating
	return Frame{Kind: kindPathChallenge, PathData: p.challengeData}
}

// onPathResponse reports whether data matches the outstanding challenge and
// arrived within the deadline; on success the path becomes validated.
func (p *path) onPathResponse(now time.Time, data [8]byte) bool {
	if p.state != pathValidating {
		return false
	}
	if now.After(p.challengeDeadline) {
		p.state = pathFailed
		return false
	}
	if data != p.challengeData {
		return false
	}
	p.state = pathValidated
	return true
}

// validationExpired reports whether the pending challenge's deadline has
// passed without a response.
func (p *path) validationExpired(now time.Time) bool {
	return p.state == pathValidating && !p.challengeDeadline.IsZero() && now.After(p.challengeDeadline)
}

func (p *path) recordSent(n int) {
	p.bytesSent += uint64(n)
}

func (p *path) recordReceived(n int, now time.Time) {
	p.bytesReceived += uint64(n)
	p.lastActivity = now
}

// onPTOExpired updates the consecutive-PTO count used to mark a path
// suspect under multipath, spec.md Section 4.10: "if a path's consecutive
// PTO count exceeds 3, it is marked suspect and skipped until a successful
// probe."
func (p *path) onPTOExpired() {
	p.consecutivePTOs++
	if p.consecutivePTOs > 3 {
		p.suspect = true
	}
}

func (p *path) onProbeSucceeded() {
	p.consecutivePTOs = 0
	p.suspect = false
}

// pathManager tracks the active path and a bounded set of candidates,
// spec.md Section 4.9.
type pathManager struct {
	paths  []*path
	active int // index into paths of the currently preferred path

	disableActiveMigration bool
	maxPaths                int // bounded by active_connection_id_limit
}

func newPathManager(local, remote netip.AddrPort, algo CongestionAlgorithm, maxPaths int, disableMigration bool) *pathManager {
	p0 := newPath(0, local, remote, algo)
	p0.state = pathValidated // the initial path is trusted from construction; the handshake runs on it
	return &pathManager{
		paths:                  []*path{p0},
		maxPaths:               maxPaths,
		disableActiveMigration: disableMigration,
	}
}

func (m *pathManager) activePath() *path { return m.paths[m.active] }

// addPath registers a new candidate path pending validation, refusing if
// migration is disabled or the candidate set is already full.
func (m *pathManager) addPath(local, remote netip.AddrPort, algo CongestionAlgorithm) (*path, error) {
	if m.disableActiveMigration {
		return nil, newTransportError(errProtocolViolation, "active migration disabled by transport parameter")
	}
	if len(m.paths) >= m.maxPaths {
		return nil, newTransportError(errConnectionIDLimit, "no connection IDs available for a new path")
	}
	p := newPath(len(m.paths), local, remote, algo)
	m.paths = append(m.paths, p)
	return p, nil
}

// validatedPaths returns every path currently in the validated state, used
// by the multipath scheduler (C10).
func (m *pathManager) validatedPaths() []*path {
	var out []*path
	for _, p := range m.paths {
		if p.state == pathValidated && !p.suspect {
			out = append(out, p)
		}
	}
	return out
}

// migrateActive promotes p to the active path, retaining the previous
// active path as a backup, spec.md Section 4.9: "the old path is retained
// as a backup until its CIDs are retired."
func (m *pathManager) migrateActive(p *path) {
	for i, cand := range m.paths {
		if cand == p {
			m.active = i
			return
		}
	}
}

func (m *pathManager) byRemote(remote netip.AddrPort) (*path, bool) {
	for _, p := range m.paths {
		if p.remote == remote {
			return p, true
		}
	}
	return nil, false
}
