// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"crypto/subtle"
	"net/netip"
	"time"
)

// readLoop owns the socket's read side exclusively, handing each datagram
// to run (over msgc) rather than touching connection state itself, so that
// run remains the single owner of everything else, spec.md Section 4.11's
// event-loop architecture.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		n, from, err := c.socket.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
		pkt := append([]byte(nil), buf[:n]...)
		select {
		case c.msgc <- connMessage{datagram: pkt, from: from}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleDatagram processes one UDP datagram, which may carry one or more
// coalesced QUIC packets, RFC 9000 Section 12.2. Called only from run.
func (c *Conn) handleDatagram(buf []byte, from netip.AddrPort, now time.Time) {
	if c.metrics != nil {
		c.metrics.onBytesReceived(len(buf))
	}
	p, ok := c.paths.byRemote(from)
	if !ok {
		p = c.paths.activePath()
	}
	p.recordReceived(len(buf), now)
	c.lastActivity = now

	for len(buf) > 0 {
		if !isLongHeader(buf[0]) {
			n := c.handleShortHeaderPacket(buf, p, now)
			if n <= 0 {
				return
			}
			buf = buf[n:]
			continue
		}
		n := c.handleLongHeaderPacket(buf, p, now)
		if n <= 0 {
			return
		}
		buf = buf[n:]
	}
}

func (c *Conn) handleLongHeaderPacket(buf []byte, p *path, now time.Time) int {
	version, err := mustParseVersion(buf)
	if err != nil {
		return -1
	}
	if version == 0 {
		// Version Negotiation: out of scope once a version is fixed by the
		// first Initial we sent: spec.md names no client-side VN handling
		// beyond aborting if our chosen version is absent from the list.
		return -1
	}
	ptype := longHeaderTypeFromBits(version, (buf[0]>>4)&0x3)
	space := spaceForPacketType(ptype)
	k := c.rkeys[space]
	if !k.isSet() {
		// Keys for this space are not yet installed (or already discarded);
		// RFC 9000 Section 12.2 says to buffer, but a client practically
		// only sees this for 0-RTT/Retry, both out of scope here.
		return -1
	}
	pkt, n := parseLongHeaderPacket(buf, k, c.acks[space].largestSeen())
	if n < 0 {
		return -1
	}
	if len(pkt.srcConnID) > 0 {
		c.peerCID = pkt.srcConnID
	}
	c.processPacketPayload(space, pkt.num, pkt.payload, p, now)
	return n
}

func (c *Conn) handleShortHeaderPacket(buf []byte, p *path, now time.Time) int {
	local, ok := c.cids.activeLocal()
	cidLen := defaultCIDLen
	if ok {
		cidLen = len(local.id)
	}
	k := c.rkeys[appDataSpace]
	if !k.isSet() {
		return -1
	}
	largestSeen := c.acks[appDataSpace].largestSeen()

	if pkt, n := parse1RTTPacket(buf, k, cidLen, largestSeen); n >= 0 {
		c.processPacketPayload(appDataSpace, pkt.num, pkt.payload, p, now)
		return n
	}

	// Current-generation keys failed to open the packet. A packet reordered
	// from just before our own last key update still carries the previous
	// phase, RFC 9001 Section 6.3; try it while it's within its one-PTO
	// retention window.
	if c.rkeysPrev.isSet() && now.Before(c.rkeysPrevUntil) {
		if pkt, n := parse1RTTPacket(buf, c.rkeysPrev, cidLen, largestSeen); n >= 0 {
			c.processPacketPayload(appDataSpace, pkt.num, pkt.payload, p, now)
			return n
		}
	}

	// Trial-decrypt with the next key-phase generation: if it opens, the
	// peer has initiated a key update, RFC 9001 Section 6.2. The header
	// protection key is unchanged across phases (Section 6.4), so the
	// unprotect step above already reused it; only the AEAD key/IV differ.
	if len(c.appReadSecret) > 0 {
		nextSecret := updateSecret(c.appReadSecret)
		if nextKeys, err := deriveUpdatedKeys(k.algo, nextSecret, k.hpKey); err == nil {
			if pkt, n := parse1RTTPacket(buf, nextKeys, cidLen, largestSeen); n >= 0 {
				c.rotateKeys(nextKeys, nextSecret, p, now)
				c.processPacketPayload(appDataSpace, pkt.num, pkt.payload, p, now)
				return n
			}
		}
	}

	// Nothing opened the packet with any known or next-generation key; check
	// whether its trailing 16 bytes match a stateless reset token the peer
	// has advertised, spec.md Section 7 and RFC 9000 Section 10.3. A match
	// ends the connection immediately with no CONNECTION_CLOSE.
	if len(buf) >= 16 {
		candidate := buf[len(buf)-16:]
		matched := c.cids.matchesStatelessReset(candidate)
		if !matched && c.peerParams != nil && c.peerParams.haveStatelessResetToken {
			matched = subtle.ConstantTimeCompare(c.peerParams.statelessResetToken[:], candidate) == 1
		}
		if matched {
			c.closeOnStatelessReset()
			return -1
		}
	}
	return -1
}

// rotateKeys installs a newly-confirmed key update generation, RFC 9001
// Section 6.2. The prior read keys are kept for one PTO so packets already
// in flight under the old phase still decrypt; the write side ratchets in
// lockstep so this endpoint never sends with a stale phase once it has
// acknowledged the peer's update by accepting a packet under the new one.
func (c *Conn) rotateKeys(nextRead keys, nextReadSecret []byte, p *path, now time.Time) {
	pto := p.loss.rtt.ptoDuration(defaultMaxAckDelay)
	if pto <= 0 {
		pto = 999 * time.Millisecond
	}
	c.rkeysPrev = c.rkeys[appDataSpace]
	c.rkeysPrevUntil = now.Add(pto)
	c.rkeys[appDataSpace] = nextRead
	c.appReadSecret = nextReadSecret

	if nextWriteSecret := updateSecret(c.appWriteSecret); nextWriteSecret != nil {
		if nextWrite, err := deriveUpdatedKeys(c.wkeys[appDataSpace].algo, nextWriteSecret, c.wkeys[appDataSpace].hpKey); err == nil {
			c.wkeys[appDataSpace] = nextWrite
			c.appWriteSecret = nextWriteSecret
		}
	}
	c.keyPhase ^= 1

	c.events.emit(Event{Kind: EventKeyUpdated})
}

// processPacketPayload records the packet number for ACK purposes and
// dispatches every frame within it, spec.md Section 4.4 and Section 4.11.
func (c *Conn) processPacketPayload(space numberSpace, num packetNumber, payload []byte, p *path, now time.Time) {
	ackEliciting := false
	ecn := byte(0)
	dup := c.acks[space].receive(now, num, false, ecn)
	if dup {
		return
	}
	for len(payload) > 0 {
		f, n := parseFrame(payload)
		if n < 0 {
			c.failConnection(newTransportError(errFrameEncoding, "malformed frame"))
			return
		}
		if f.Kind != kindPadding && f.Kind != kindAck && f.Kind != -1 {
			ackEliciting = true
		}
		if c.logger != nil {
			c.logger.frameLog(space, f)
		}
		if f.Kind != -1 { // -1 marks an ignored grease frame
			if err := c.dispatchFrame(space, f, p, now); err != nil {
				c.failConnection(err)
				return
			}
		}
		payload = payload[n:]
	}
	if ackEliciting {
		c.acks[space].ackElicitingSinceLastAck++
		if c.acks[space].firstUnackedTime.IsZero() {
			c.acks[space].firstUnackedTime = now
		}
		if c.acks[space].maxAckDelay == 0 {
			c.acks[space].deadline = now
		} else if c.acks[space].deadline.IsZero() {
			c.acks[space].deadline = now.Add(c.acks[space].maxAckDelay)
		}
		if c.acks[space].ackElicitingSinceLastAck >= 2 {
			c.acks[space].deadline = now
		}
	}
}

// dispatchFrame routes one decoded frame to the component responsible for
// it, spec.md Section 4.11's per-frame-kind dispatch table, grounded on the
// teacher's handleAckOrLoss switch in conn_loss.go generalized to the live
// receive path instead of just ack/loss replay.
func (c *Conn) dispatchFrame(space numberSpace, f Frame, p *path, now time.Time) error {
	switch f.Kind {
	case kindPadding, kindPing:
		return nil
	case kindAck:
		delay := durationFromUnscaledAckDelay(f.AckDelay, c.peerAckDelayExponent())
		acked, lost := p.loss.onAckReceived(now, space, f.AckRanges, delay)
		c.onPacketsAcked(space, acked)
		_ = lost
		if f.HasECN {
			p.loss.onECNCE(f.ECNCE)
		}
		return nil
	case kindCrypto:
		return c.handleCryptoFrame(space, f)
	case kindResetStream:
		s, err := c.streams.remote(f.StreamID)
		if err != nil {
			return err
		}
		return s.handleResetStream(f.AppCode, f.FinalSize)
	case kindStopSending:
		s, ok := c.streams.byID(f.StreamID)
		if !ok {
			return nil
		}
		s.handleStopSending(f.AppCode)
		return nil
	case kindStream:
		s, err := c.streams.remote(f.StreamID)
		if err != nil {
			return err
		}
		if err := s.handleStreamFrame(f.Offset, f.Data, f.Fin); err != nil {
			return err
		}
		c.events.emit(Event{Kind: EventStreamOpened, StreamID: f.StreamID})
		return nil
	case kindMaxData:
		c.connFlow.setSendMax(f.Max)
		return nil
	case kindMaxStreamData:
		if s, ok := c.streams.byID(f.StreamID); ok && s.sendFlow != nil {
			s.sendFlow.setSendMax(f.Max)
		}
		return nil
	case kindMaxStreams:
		c.streams.limits.setMaxLocal(f.Uni, f.MaxStreams)
		return nil
	case kindDataBlocked, kindStreamDataBlocked, kindStreamsBlocked:
		return nil // informational; no local action required
	case kindNewConnectionID:
		toRetire, err := c.cids.addRemote(f.Seq, f.RetirePriorTo, f.ConnID, f.ResetToken, c.config.ActiveConnectionIDLimit)
		if err != nil {
			return err
		}
		for _, seq := range toRetire {
			c.queueControlFrame(Frame{Kind: kindRetireConnectionID, RetireSeq: seq})
		}
		return nil
	case kindRetireConnectionID:
		c.cids.retireLocal(f.RetireSeq)
		return nil
	case kindPathChallenge:
		c.sendPathProbe(p, Frame{Kind: kindPathResponse, PathData: f.PathData}, now)
		return nil
	case kindPathResponse:
		if p.onPathResponse(now, f.PathData) {
			p.onProbeSucceeded()
			if c.metrics != nil {
				c.metrics.onPathValidated()
			}
			if !c.multipath.enabled(c.peerSupportsMultipath) && p != c.paths.activePath() {
				c.paths.migrateActive(p)
			}
			c.events.emit(Event{Kind: EventPathValidated, PathID: p.id})
		}
		return nil
	case kindNewToken:
		return nil // client-only connection never presents a Retry token from this
	case kindHandshakeDone:
		c.handshakeConfirmedLocked()
		return nil
	case kindDatagram:
		c.datagrams.deliver(f.Data)
		c.events.emit(Event{Kind: EventDatagramReceived})
		return nil
	case kindConnectionClose:
		c.onPeerClose(f)
		return nil
	default:
		return nil
	}
}

// onPacketsAcked retires sent-frame state for every newly-acknowledged
// packet: STREAM/RESET_STREAM bookkeeping and crypto-retransmit tracking.
func (c *Conn) onPacketsAcked(space numberSpace, acked []*sentPacket) {
	for _, sp := range acked {
		for _, f := range sp.frames {
			switch f.Kind {
			case kindStream:
				if s, ok := c.streams.byID(f.StreamID); ok {
					s.ackStreamFrame(f.Offset, len(f.Data), f.Fin)
				}
			case kindResetStream:
				if s, ok := c.streams.byID(f.StreamID); ok {
					s.ackResetStream()
				}
			case kindAck:
				// nothing further to retire
			}
		}
	}
}

// handleCryptoFrame reassembles CRYPTO stream bytes in order (out-of-order
// fragments are buffered until contiguous) and feeds completed runs to the
// TLS engine, RFC 9000 Section 19.6.
func (c *Conn) handleCryptoFrame(space numberSpace, f Frame) error {
	buf := c.cryptoRecvPending[space]
	if buf == nil {
		buf = make(map[uint64][]byte)
		c.cryptoRecvPending[space] = buf
	}
	buf[f.Offset] = append([]byte(nil), f.Data...)

	for {
		chunk, ok := buf[c.cryptoRecvOffset[space]]
		if !ok {
			break
		}
		delete(buf, c.cryptoRecvOffset[space])
		c.cryptoRecvOffset[space] += uint64(len(chunk))
		if err := c.tlsConn.HandleData(spaceToLevel(space), chunk); err != nil {
			return newTransportError(errCryptoAlertBase, err.Error())
		}
	}
	return c.driveTLS()
}

func (c *Conn) peerAckDelayExponent() uint8 {
	if c.peerParams != nil {
		return c.peerParams.ackDelayExponent
	}
	return defaultAckDelayExponent
}

func (c *Conn) handshakeConfirmedLocked() {
	c.mu.Lock()
	for i := range c.paths.paths {
		c.paths.paths[i].loss.handshakeConfirmed = true
	}
	c.mu.Unlock()
}
