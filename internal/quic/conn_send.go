// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"time"
)

// run is the connection's single event loop: every read, write, timer, and
// control-frame request funnels through here, so no lock is needed between
// send- and receive-path decisions, spec.md Section 4.11. Grounded on the
// teacher's one-goroutine-per-Conn loop, generalized from a single wire
// buffer replay to typed per-space sent-packet bookkeeping (sent_packet.go).
func (c *Conn) run(ctx context.Context) error {
	defer c.socket.Close()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.rearmTimer(timer)
		select {
		case <-ctx.Done():
			c.abortLocked(ctx.Err())
			return ctx.Err()
		case msg := <-c.msgc:
			now := time.Now()
			if msg.datagram != nil {
				c.handleDatagram(msg.datagram, msg.from, now)
			}
			if msg.closeReq != nil {
				c.handleCloseRequest(msg.closeReq, now)
			}
			if msg.migrateReq != nil {
				c.handleMigrateRequest(msg.migrateReq)
			}
		case <-timer.C:
			c.handleTimer(time.Now())
		}

		if err := c.driveTLS(); err != nil {
			c.failConnection(err)
		}
		if err := c.maybeSend(time.Now()); err != nil {
			c.failConnection(err)
		}

		c.mu.Lock()
		done := c.state == stateClosed
		c.mu.Unlock()
		if done {
			return nil
		}
	}
}

// rearmTimer resets timer to fire at the earliest of: idle timeout, any
// path's loss/PTO deadline, any pending ACK deadline, or the
// closing/draining deadline.
func (c *Conn) rearmTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	now := time.Now()
	deadline := now.Add(c.idleTimeoutOrDefault())

	for _, p := range c.paths.paths {
		if d, kind := p.loss.lossTimer(now); kind != timerNone && d.Before(deadline) {
			deadline = d
		}
		if p.state == pathValidating && !p.challengeDeadline.IsZero() && p.challengeDeadline.Before(deadline) {
			deadline = p.challengeDeadline
		}
	}
	for _, ack := range c.acks {
		if d := ack.nextDeadline(); !d.IsZero() && d.Before(deadline) {
			deadline = d
		}
	}
	c.mu.Lock()
	if (c.state == stateClosing || c.state == stateDraining) && !c.closeDeadline.IsZero() && c.closeDeadline.Before(deadline) {
		deadline = c.closeDeadline
	}
	c.mu.Unlock()

	d := deadline.Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	timer.Reset(d)
}

func (c *Conn) idleTimeoutOrDefault() time.Duration {
	if c.idleTimeout > 0 {
		return c.idleTimeout
	}
	return 30 * time.Second
}

// handleTimer fires whichever deadline rearmTimer scheduled: idle timeout,
// per-path loss/PTO, path validation expiry, or close/drain completion.
func (c *Conn) handleTimer(now time.Time) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if (state == stateClosing || state == stateDraining) && !c.closeDeadline.IsZero() && !now.Before(c.closeDeadline) {
		c.transitionTo(stateClosed)
		return
	}

	if !c.lastActivity.IsZero() && now.Sub(c.lastActivity) >= c.idleTimeoutOrDefault() {
		c.events.emit(Event{Kind: EventConnectionClosed, Reason: "idle timeout"})
		c.transitionTo(stateClosed)
		return
	}

	for _, p := range c.paths.paths {
		if _, kind := p.loss.lossTimer(now); kind == timerPTO {
			p.loss.ptoExpired()
			p.onPTOExpired()
			if c.metrics != nil {
				c.metrics.onPTO()
			}
		}
		if p.validationExpired(now) {
			p.state = pathFailed
		}
	}
}

// maybeSend builds and transmits as many datagrams as the congestion
// window, anti-amplification budget, and pending data currently allow,
// mirroring the teacher's maybeSend/appendFrames pair in conn_send.go.
func (c *Conn) maybeSend(now time.Time) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == stateClosing || st == stateDraining || st == stateClosed {
		return nil
	}
	for _, space := range []numberSpace{initialSpace, handshakeSpace, appDataSpace} {
		if !c.wkeys[space].isSet() {
			continue
		}
		if space == appDataSpace && c.multipath.enabled(c.peerSupportsMultipath) {
			if err := c.sendMultipathTurn(now); err != nil {
				return err
			}
			continue
		}
		p := c.paths.activePath()
		for {
			sent, err := c.sendOnePacket(space, p, now)
			if err != nil {
				return err
			}
			if !sent {
				break
			}
		}
	}
	return nil
}

// maxMultipathScheduleBytes bounds how much pending stream backlog one
// sendMultipathTurn call hands to schedule(), so a large write doesn't force
// an oversized allocation. The scheduler carves it into chunks of at most
// one path's send budget each, and one path may receive several chunks in
// the same turn.
const maxMultipathScheduleBytes = 64 * 1024

// pendingStreamBytes sums unsent bytes across every stream, used to size
// the backlog sendMultipathTurn offers to the scheduler.
func (c *Conn) pendingStreamBytes() int {
	c.streams.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams.streams))
	for _, s := range c.streams.streams {
		streams = append(streams, s)
	}
	c.streams.mu.Unlock()

	var n int
	for _, s := range streams {
		n += s.pendingSendBytes()
	}
	return n
}

// sendMultipathTurn drains one turn's worth of application data across every
// validated path with send budget, spec.md Section 4.10: schedule() ranks
// paths by ascending smoothed RTT and hands out chunks of at most one path
// budget each, rotating across the paths with budget, so a path may receive
// several chunks; each chunk's length becomes the byte cap for one packet
// on its path this turn. The active path still gets a plain turn afterward
// if the scheduler gave it nothing, so ACKs/control frames/datagrams keep
// flowing even when it has no stream-data share.
func (c *Conn) sendMultipathTurn(now time.Time) error {
	active := c.paths.activePath()
	sentOnActive := false

	if backlog := c.pendingStreamBytes(); backlog > 0 {
		if backlog > maxMultipathScheduleBytes {
			backlog = maxMultipathScheduleBytes
		}
		for _, ch := range c.multipath.schedule(now, make([]byte, backlog)) {
			sent, err := c.sendOnePacketCapped(appDataSpace, ch.path, now, len(ch.data))
			if err != nil {
				return err
			}
			if sent && ch.path == active {
				sentOnActive = true
			}
		}
	}

	if sentOnActive {
		return nil
	}
	for {
		sent, err := c.sendOnePacket(appDataSpace, active, now)
		if err != nil {
			return err
		}
		if !sent {
			return nil
		}
	}
}

// sendOnePacket builds at most one datagram for space and transmits it,
// reporting whether anything was sent.
func (c *Conn) sendOnePacket(space numberSpace, p *path, now time.Time) (bool, error) {
	return c.sendOnePacketCapped(space, p, now, 0)
}

// sendOnePacketCapped is sendOnePacket with an additional ceiling on the
// datagram's payload budget; maxBytes <= 0 means no additional cap beyond
// the path's own congestion/anti-amplification limits. Used by
// sendMultipathTurn to confine each path's packet to its scheduled chunk.
func (c *Conn) sendOnePacketCapped(space numberSpace, p *path, now time.Time, maxBytes int) (bool, error) {
	budget := p.loss.maxSendSize(now)
	if amp := p.antiAmplificationBudget(); amp < uint64(budget) {
		budget = int(amp)
	}
	if maxBytes > 0 && maxBytes < budget {
		budget = maxBytes
	}
	if budget <= 0 {
		return false, nil
	}

	largestAcked := p.loss.spaces[space].largestAcked
	if largestAcked < 0 {
		largestAcked = 0
	}
	pnum := c.nextPN[space]

	c.w.reset(budget)
	if space == appDataSpace {
		dcid := c.peerCID
		c.w.start1RTTPacket(pnum, largestAcked, dcid, c.keyPhase)
	} else {
		dcid := c.peerCID
		scid, _ := c.cids.activeLocal()
		var scidBytes []byte
		if scid != nil {
			scidBytes = scid.id
		}
		c.w.startProtectedLongHeaderPacket(largestAcked, longPacket{
			ptype:     packetTypeForSpace(space),
			version:   versionQUIC1,
			num:       pnum,
			dstConnID: dcid,
			srcConnID: scidBytes,
		})
	}

	wrote := c.appendFrames(space, p, now)

	var sp *sentPacket
	if space == appDataSpace {
		sp = c.w.finish1RTTPacket(pnum, largestAcked, c.peerCID, c.wkeys[appDataSpace])
	} else {
		scid, _ := c.cids.activeLocal()
		var scidBytes []byte
		if scid != nil {
			scidBytes = scid.id
		}
		sp = c.w.finishProtectedLongHeaderPacket(largestAcked, c.wkeys[space], longPacket{
			ptype:     packetTypeForSpace(space),
			version:   versionQUIC1,
			dstConnID: c.peerCID,
			srcConnID: scidBytes,
			num:       pnum,
		})
	}
	if sp == nil || !wrote {
		return false, nil
	}
	c.nextPN[space]++
	sp.pathID = p.id
	sp.sentTime = now

	datagram := c.w.datagram()
	if space == initialSpace && len(datagram) < minimumClientInitialDatagramSize {
		c.w.appendPaddingTo(minimumClientInitialDatagramSize)
		datagram = c.w.datagram()
	}

	if _, err := c.socket.WriteToUDPAddrPort(datagram, p.remote); err != nil {
		return false, err
	}
	p.recordSent(len(datagram))
	p.loss.onPacketSent(now, sp)
	if c.metrics != nil {
		c.metrics.onBytesSent(len(datagram))
		for _, f := range sp.frames {
			c.metrics.onFrameSent(f.Kind)
		}
		c.metrics.setPathGauges(p.id, p.loss.cc.cwnd(), p.loss.bytesInFlight, p.loss.rtt.smoothedRTT.Seconds())
	}
	return true, nil
}

const minimumClientInitialDatagramSize = 1200

func packetTypeForSpace(space numberSpace) packetType {
	if space == handshakeSpace {
		return packetTypeHandshake
	}
	return packetTypeInitial
}

// appendFrames fills the packet under construction with everything due to
// be sent in space, in priority order: ACK, CRYPTO, then (application space
// only) connection/stream control frames, STREAM data, and DATAGRAM
// payloads. It reports whether anything was appended.
func (c *Conn) appendFrames(space numberSpace, p *path, now time.Time) bool {
	wrote := false

	if ranges, delay := c.acks[space].acksToSend(now); len(ranges) > 0 {
		unscaled := unscaledAckDelayFromDuration(delay, defaultAckDelayExponent)
		if c.w.appendAckFrame(ranges, unscaled) {
			c.acks[space].sentAck()
			wrote = true
		}
	}

	if off := c.cryptoSendOffset[space]; off < uint64(len(c.cryptoSend[space])) {
		data := c.cryptoSend[space][off:]
		n := c.w.remaining() - cryptoFrameOverhead
		if n > 0 {
			if n > len(data) {
				n = len(data)
			}
			if n > 0 {
				wire := appendCryptoFrame(c.w.datagram(), off, data[:n])
				if c.w.appendFrame(Frame{Kind: kindCrypto, Offset: off, Data: data[:n]}, wire) {
					c.cryptoSendOffset[space] += uint64(n)
					wrote = true
				}
			}
		}
	}

	if space != appDataSpace {
		return wrote
	}

	c.mu.Lock()
	pending := c.pendingControl
	c.pendingControl = nil
	c.mu.Unlock()
	for _, f := range pending {
		if c.appendControlFrame(f) {
			wrote = true
		}
	}

	if limit, should := c.connFlow.blockedAt(); should {
		wire := appendDataBlockedFrame(c.w.datagram(), limit)
		if c.w.appendFrame(Frame{Kind: kindDataBlocked, Max: limit}, wire) {
			wrote = true
		}
	}

	// Under multipath, sendMultipathTurn has already picked which path (p)
	// this packet belongs to and capped its budget to the scheduled chunk
	// size (spec.md Section 4.10); appendStreamFrames itself only cares
	// about the budget reserved in c.w, not which path it is.
	if c.appendStreamFrames(p) {
		wrote = true
	}
	if c.appendDatagramFrames() {
		wrote = true
	}
	return wrote
}

const cryptoFrameOverhead = 16

func (c *Conn) appendControlFrame(f Frame) bool {
	var wire []byte
	switch f.Kind {
	case kindMaxStreamData:
		wire = appendMaxStreamDataFrame(c.w.datagram(), f.StreamID, f.Max)
	case kindMaxData:
		wire = appendMaxDataFrame(c.w.datagram(), f.Max)
	case kindMaxStreams:
		wire = appendMaxStreamsFrame(c.w.datagram(), f.Uni, f.MaxStreams)
	case kindStopSending:
		wire = appendStopSendingFrame(c.w.datagram(), f.StreamID, f.AppCode)
	case kindRetireConnectionID:
		wire = appendRetireConnectionIDFrame(c.w.datagram(), f.RetireSeq)
	case kindPathResponse:
		wire = appendPathResponseFrame(c.w.datagram(), f.PathData)
	case kindPathChallenge:
		wire = appendPathChallengeFrame(c.w.datagram(), f.PathData)
	case kindNewConnectionID:
		wire = appendNewConnectionIDFrame(c.w.datagram(), f.Seq, f.RetirePriorTo, f.ConnID, f.ResetToken)
	case kindHandshakeDone:
		wire = appendHandshakeDoneFrame(c.w.datagram())
	default:
		return false
	}
	return c.w.appendFrame(f, wire)
}

// appendStreamFrames walks every stream with pending send data once,
// respecting connection-level flow-control credit as a shared budget.
func (c *Conn) appendStreamFrames(p *path) bool {
	wrote := false
	c.streams.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams.streams))
	for _, s := range c.streams.streams {
		streams = append(streams, s)
	}
	c.streams.mu.Unlock()

	for _, s := range streams {
		avail := c.w.remaining()
		if avail <= streamFrameOverhead {
			break
		}
		if credit := c.connFlow.canSend(); credit < uint64(avail) {
			avail = int(credit)
		}
		if avail <= streamFrameOverhead {
			break
		}
		f, ok := s.pendingFrame(avail - streamFrameOverhead)
		if !ok {
			continue
		}
		var wire []byte
		if f.Kind == kindResetStream {
			wire = appendResetStreamFrame(c.w.datagram(), f.StreamID, f.AppCode, f.FinalSize)
		} else {
			wire = appendStreamFrame(c.w.datagram(), f.StreamID, f.Offset, f.Data, f.Fin)
			c.connFlow.addSent(uint64(len(f.Data)))
		}
		if c.w.appendFrame(f, wire) {
			wrote = true
		}
	}
	return wrote
}

const streamFrameOverhead = 16

func (c *Conn) appendDatagramFrames() bool {
	wrote := false
	for {
		data, ok := c.datagrams.nextToSend()
		if !ok {
			return wrote
		}
		if len(data)+8 > c.w.remaining() {
			// Put it back; datagrams are not split across packets, RFC 9221.
			c.datagrams.mu.Lock()
			c.datagrams.sendQ = append([][]byte{data}, c.datagrams.sendQ...)
			c.datagrams.mu.Unlock()
			return wrote
		}
		wire := appendDatagramFrame(c.w.datagram(), data)
		if c.w.appendFrame(Frame{Kind: kindDatagram, Data: data}, wire) {
			wrote = true
		}
	}
}
