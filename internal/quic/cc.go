// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// ccLimit reports whether a sender may currently transmit, per spec.md
// Section 4.6's can_send contract.
type ccLimit int

const (
	ccOK ccLimit = iota
	ccBlocked
	ccAntiAmplificationBlocked
)

// CongestionAlgorithm selects a pluggable congestion controller, spec.md
// Section 4.6. Selection happens once at connection start; per-path
// instances are independent under multipath (spec.md Section 9's
// capability-set design note).
type CongestionAlgorithm int

const (
	CongestionNewReno CongestionAlgorithm = iota
	CongestionCubic
	CongestionBBRv2
)

func (a CongestionAlgorithm) String() string {
	switch a {
	case CongestionNewReno:
		return "newreno"
	case CongestionCubic:
		return "cubic"
	case CongestionBBRv2:
		return "bbrv2"
	default:
		return "unknown"
	}
}

const maxDatagramSize = 1452 // conservative default under common path MTUs

// minCwnd is the floor any congestion controller must respect, spec.md
// Section 8 invariant 4: "the controller never sets cwnd < 2*max_datagram_size".
const minCwnd = 2 * maxDatagramSize

const initialWindowPackets = 10 // RFC 9002 Appendix B.3 kInitialWindow

// congestionController is the common capability set every algorithm
// implements, spec.md Section 4.6.
type congestionController interface {
	onPacketSent(now time.Time, size int)
	onAck(now time.Time, acked []*sentPacket, rtt *rttStats)
	onLoss(now time.Time, lost []*sentPacket)
	onPersistentCongestion()
	onECNCE(count uint64)
	pacingRate() float64 // bytes/sec; 0 means "unpaced, use cwnd alone"
	canSend(now time.Time, bytesInFlight int) int
	setUnderutilized(bool)
	cwnd() int
	ssthresh() int
	hystart() *hyStartState // nil if the algorithm has no slow-start phase of its own
}

// newCongestionController constructs the controller for algo, grounded on
// spec.md Section 4.6's per-algorithm descriptions.
func newCongestionController(algo CongestionAlgorithm) congestionController {
	switch algo {
	case CongestionCubic:
		return newCubicSender()
	case CongestionBBRv2:
		return newBBRv2Sender()
	default:
		return newNewRenoSender()
	}
}
