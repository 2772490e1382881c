// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"time"
)

// lossDetectionTimerKind names what a scheduled alarm represents, used only
// for logging/metrics attribution.
type lossDetectionTimerKind int

const (
	timerNone lossDetectionTimerKind = iota
	timerAckDelay
	timerPTO
)

const (
	packetThreshold   = 3              // RFC 9002 Section 6.1.1, kPacketThreshold
	maxPTOBackoff     = 6               // RFC 9002 6.2.1, a cap on exponential backoff we apply locally
	persistentCongestionDurationFactor = 3 // multiplied against PTO to get the window, RFC 9002 7.6.1 (pto*3, no extra k here since jitter is folded into rttvar)
)

// spaceLoss tracks unacknowledged, in-flight packets and sent-time history
// for one packetNumber space, RFC 9002 Sections 6 and 7.
type spaceLoss struct {
	space   numberSpace
	sent    map[packetNumber]*sentPacket
	largestAcked packetNumber // -1 if none

	lossTime time.Time // earliest time a still-outstanding packet would be declared lost
	maxAckDelay time.Duration
}

func newSpaceLoss(space numberSpace) *spaceLoss {
	maxDelay := defaultMaxAckDelay
	if space != appDataSpace {
		maxDelay = 0
	}
	return &spaceLoss{
		space:       space,
		sent:        make(map[packetNumber]*sentPacket),
		largestAcked: -1,
		maxAckDelay: maxDelay,
	}
}

// lossRecovery is the per-connection (or, under multipath, per-path)
// RFC 9002 loss-detection state: one spaceLoss per number space, rtt
// statistics, the active congestion controller, and PTO bookkeeping.
// spec.md Section 4.5 names this component C5.
type lossRecovery struct {
	spaces [numberSpaceCount]*spaceLoss
	rtt    rttStats
	cc     congestionController

	ptoCount int

	// handshakeConfirmed gates whether the Initial/Handshake spaces still
	// contribute to the PTO timer computation, RFC 9002 Section 6.2.1.
	handshakeConfirmed bool
	hasHandshakeKeys   bool

	bytesInFlight int
}

func newLossRecovery(algo CongestionAlgorithm) *lossRecovery {
	l := &lossRecovery{
		cc: newCongestionController(algo),
	}
	for i := range l.spaces {
		l.spaces[i] = newSpaceLoss(numberSpace(i))
	}
	return l
}

// onPacketSent records that a packet carrying frames has just been sent.
func (l *lossRecovery) onPacketSent(now time.Time, p *sentPacket) {
	sp := l.spaces[p.space]
	sp.sent[p.number] = p
	if p.inFlight {
		l.bytesInFlight += p.size
		l.cc.onPacketSent(now, p.size)
	}
}

// onAckReceived processes a decoded ACK frame for space, returning the
// newly-acknowledged packets (for frame-retransmission bookkeeping by the
// caller) and whether any were declared lost as a side effect.
func (l *lossRecovery) onAckReceived(now time.Time, space numberSpace, ranges []ackRange, ackDelay time.Duration) (acked []*sentPacket, lost []*sentPacket) {
	sp := l.spaces[space]
	if len(ranges) == 0 {
		return nil, nil
	}
	largest := ranges[0].largest
	if largest > sp.largestAcked {
		sp.largestAcked = largest
	}

	var newlyAcked []*sentPacket
	for _, r := range ranges {
		for n := r.smallest; n <= r.largest; n++ {
			if p, ok := sp.sent[n]; ok {
				newlyAcked = append(newlyAcked, p)
				delete(sp.sent, n)
			}
		}
	}
	if len(newlyAcked) == 0 {
		return nil, nil
	}

	// RFC 9002 Section 5.1: only update RTT from the largest acknowledged
	// packet in this ACK, and only if it was ack-eliciting.
	for _, p := range newlyAcked {
		if p.number == largest && p.ackEliciting {
			sample := now.Sub(p.sentTime)
			l.rtt.updateRTT(sample, ackDelay)
		}
		if p.inFlight {
			l.bytesInFlight -= p.size
		}
	}
	if l.bytesInFlight < 0 {
		l.bytesInFlight = 0
	}

	l.cc.onAck(now, newlyAcked, &l.rtt)
	l.ptoCount = 0

	lost = l.detectLoss(now, sp)
	return newlyAcked, lost
}

// detectLoss applies both the packet- and time-threshold tests, RFC 9002
// Section 6.1, to everything still outstanding below largestAcked in sp.
func (l *lossRecovery) detectLoss(now time.Time, sp *spaceLoss) []*sentPacket {
	var lost []*sentPacket
	lossDelay := l.rtt.lossDelay()
	sp.lossTime = time.Time{}

	for n, p := range sp.sent {
		if n > sp.largestAcked {
			continue
		}
		lostByTime := !p.sentTime.IsZero() && now.Sub(p.sentTime) >= lossDelay
		lostByCount := int64(sp.largestAcked-n) >= packetThreshold
		if lostByTime || lostByCount {
			lost = append(lost, p)
			delete(sp.sent, n)
			if p.inFlight {
				l.bytesInFlight -= p.size
			}
			continue
		}
		// Not yet lost but within the loss window: schedule the loss timer
		// for when it would become time-threshold-lost.
		deadline := p.sentTime.Add(lossDelay)
		if sp.lossTime.IsZero() || deadline.Before(sp.lossTime) {
			sp.lossTime = deadline
		}
	}
	if l.bytesInFlight < 0 {
		l.bytesInFlight = 0
	}
	if len(lost) > 0 {
		l.cc.onLoss(now, lost)
		if l.isPersistentCongestion(now, lost) {
			l.cc.onPersistentCongestion()
		}
	}
	return lost
}

// isPersistentCongestion reports whether every packet sent in a window of
// persistentCongestionDurationFactor*PTO (anchored at the oldest and newest
// lost packet in this batch) was declared lost, RFC 9002 Section 7.6.
func (l *lossRecovery) isPersistentCongestion(now time.Time, lost []*sentPacket) bool {
	if len(lost) < 2 {
		return false
	}
	oldest, newest := lost[0].sentTime, lost[0].sentTime
	for _, p := range lost[1:] {
		if p.sentTime.Before(oldest) {
			oldest = p.sentTime
		}
		if p.sentTime.After(newest) {
			newest = p.sentTime
		}
	}
	pto := l.rtt.ptoDuration(defaultMaxAckDelay)
	window := pto * persistentCongestionDurationFactor
	return newest.Sub(oldest) >= window
}

// lossTimer returns the earliest alarm deadline across all spaces (loss
// timer takes priority over PTO when both are set, RFC 9002 Section 6.2.1),
// and which kind of alarm it represents.
func (l *lossRecovery) lossTimer(now time.Time) (time.Time, lossDetectionTimerKind) {
	var earliest time.Time
	for _, sp := range l.spaces {
		if sp.lossTime.IsZero() {
			continue
		}
		if earliest.IsZero() || sp.lossTime.Before(earliest) {
			earliest = sp.lossTime
		}
	}
	if !earliest.IsZero() {
		return earliest, timerAckDelay
	}
	if deadline, ok := l.ptoDeadline(now); ok {
		return deadline, timerPTO
	}
	return time.Time{}, timerNone
}

// ptoDeadline computes the next Probe Timeout expiry across spaces with
// in-flight data, RFC 9002 Section 6.2.1: exponential backoff by 2^ptoCount,
// anchored at the most recently sent ack-eliciting packet's send time.
func (l *lossRecovery) ptoDeadline(now time.Time) (time.Time, bool) {
	if l.bytesInFlight == 0 {
		return time.Time{}, false
	}
	var lastSent time.Time
	var maxAckDelay time.Duration
	found := false
	for _, sp := range l.spaces {
		if sp.space == appDataSpace && !l.handshakeConfirmed {
			continue
		}
		for _, p := range sp.sent {
			if !p.ackEliciting {
				continue
			}
			if p.sentTime.After(lastSent) {
				lastSent = p.sentTime
				maxAckDelay = sp.maxAckDelay
				found = true
			}
		}
	}
	if !found {
		return time.Time{}, false
	}
	pto := l.rtt.ptoDuration(maxAckDelay)
	backoff := l.ptoCount
	if backoff > maxPTOBackoff {
		backoff = maxPTOBackoff
	}
	for i := 0; i < backoff; i++ {
		pto *= 2
	}
	return lastSent.Add(pto), true
}

// ptoExpired is called when the PTO alarm fires: it increments the probe
// count (driving exponential backoff) and clears the congestion
// controller's underutilized flag, RFC 9002 Section 6.2.4. It returns
// nothing and does not choose probe packets. It does not itself
// mark anything lost — a PTO is not a loss signal, only a trigger to send
// new/probe data.
func (l *lossRecovery) ptoExpired() {
	l.ptoCount++
	l.cc.setUnderutilized(false)
}

// sendLimit reports how many bytes may currently be sent given the
// congestion window and bytes already in flight, spec.md Section 4.6.
func (l *lossRecovery) sendLimit(now time.Time) int {
	return l.cc.canSend(now, l.bytesInFlight)
}

// maxSendSize is the largest single datagram the congestion controller
// permits right now, bounded by both cwnd headroom and maxDatagramSize.
func (l *lossRecovery) maxSendSize(now time.Time) int {
	n := l.sendLimit(now)
	if n > maxDatagramSize {
		n = maxDatagramSize
	}
	return n
}

// discardSpace drops all outstanding packet state for space, RFC 9000
// Section 17.2.2.1 (e.g. Initial keys are discarded once Handshake keys
// are available).
func (l *lossRecovery) discardSpace(space numberSpace) {
	sp := l.spaces[space]
	for _, p := range sp.sent {
		if p.inFlight {
			l.bytesInFlight -= p.size
		}
	}
	if l.bytesInFlight < 0 {
		l.bytesInFlight = 0
	}
	sp.sent = make(map[packetNumber]*sentPacket)
	sp.lossTime = time.Time{}
}

// onECNCE forwards an observed ECN-CE increment to the congestion
// controller, RFC 9002 Section 7.3.
func (l *lossRecovery) onECNCE(count uint64) {
	l.cc.onECNCE(count)
}
