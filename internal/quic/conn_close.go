// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// currentPTO returns the active path's current PTO estimate, used to scale
// the close/draining deadline and path-validation deadlines, RFC 9002
// Section 6.2.1. Before any RTT sample exists this falls back to 999ms, the
// PTO that RFC 9002's initial RTT of 333ms yields; rttStats.ptoDuration
// itself has no such default.
func (c *Conn) currentPTO() time.Duration {
	p := c.paths.activePath()
	pto := p.loss.rtt.ptoDuration(defaultMaxAckDelay)
	if !p.loss.rtt.firstSample || pto <= 0 {
		pto = 999 * time.Millisecond
	}
	return pto
}

// failConnection begins the Closing state in response to a locally
// detected error, spec.md Section 4.11's Any→Closing transition. A
// CONNECTION_CLOSE (transport) frame is sent immediately at whichever
// encryption level is currently available; RFC 9000 Section 10.2 permits
// this rather than waiting for the frame's turn in the send queue.
func (c *Conn) failConnection(err error) {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	transport, ok := err.(*TransportError)
	if !ok {
		transport = newTransportError(errInternal, err.Error())
	}
	c.closeErr = &ErrConnectionClosed{Transport: transport}
	c.state = stateClosing
	now := time.Now()
	c.closeDeadline = now.Add(3 * c.currentPTO())
	c.mu.Unlock()

	c.events.emit(Event{Kind: EventConnectionClosed, TCode: transport.Code, Reason: transport.Reason, Err: err})
	c.sendConnectionClose(now, transport, nil)
}

// closeOnStatelessReset ends the connection immediately on receipt of a
// validated stateless reset, spec.md Section 7: unlike failConnection, no
// CONNECTION_CLOSE is sent, since a stateless reset means the peer has no
// state left to process one and RFC 9000 Section 10.3 treats the datagram
// itself as the closing signal.
func (c *Conn) closeOnStatelessReset() {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.closeErr = &ErrConnectionClosed{Transport: newTransportError(errInternal, errStatelessReset.Error())}
	c.state = stateClosed
	c.mu.Unlock()

	c.events.emit(Event{Kind: EventConnectionClosed, Reason: errStatelessReset.Error(), Err: errStatelessReset})
}

// onPeerClose handles a received CONNECTION_CLOSE frame, RFC 9000
// Section 10.2: the connection enters the draining state, sending nothing
// further, and waits out a 3*PTO deadline before moving to Closed.
// EventConnectionClosed is emitted to the application right away.
func (c *Conn) onPeerClose(f Frame) {
	c.mu.Lock()
	if c.state == stateDraining || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	closed := &ErrConnectionClosed{}
	if f.IsApplication {
		closed.Application = &ApplicationError{Code: f.AppErrCode, Reason: f.Reason}
	} else {
		closed.Transport = &TransportError{Code: f.ErrCode, Frame: f.FrameType, Reason: f.Reason}
	}
	c.closeErr = closed
	c.state = stateDraining
	c.closeDeadline = time.Now().Add(3 * c.currentPTO())
	c.mu.Unlock()

	c.events.emit(Event{Kind: EventConnectionClosed, Reason: closed.Error()})
}

// handleCloseRequest services an application call to Close, spec.md
// Section 6's close(code, reason). It sends one CONNECTION_CLOSE
// (application) frame and enters the Closing state.
func (c *Conn) handleCloseRequest(req *closeRequest, now time.Time) {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		c.mu.Unlock()
		req.done <- nil
		return
	}
	appErr := &ApplicationError{Code: req.code, Reason: req.reason}
	c.closeErr = &ErrConnectionClosed{Application: appErr}
	c.state = stateClosing
	c.closeDeadline = now.Add(3 * c.currentPTO())
	c.mu.Unlock()

	c.sendConnectionClose(now, nil, appErr)
	c.events.emit(Event{Kind: EventConnectionClosed, Code: req.code, Reason: req.reason})
	req.done <- nil
}

// sendConnectionClose writes one CONNECTION_CLOSE packet directly to the
// active path, bypassing the normal queued-frame send path since a closing
// or draining connection no longer runs the ordinary send loop. Exactly
// one of transport/app is non-nil.
func (c *Conn) sendConnectionClose(now time.Time, transport *TransportError, app *ApplicationError) {
	space := appDataSpace
	switch {
	case c.wkeys[appDataSpace].isSet():
		space = appDataSpace
	case c.wkeys[handshakeSpace].isSet():
		space = handshakeSpace
	case c.wkeys[initialSpace].isSet():
		space = initialSpace
	default:
		return
	}
	p := c.paths.activePath()

	budget := maxDatagramSize
	c.w.reset(budget)

	largestAcked := c.acks[space].largestSeen()
	if largestAcked < 0 {
		largestAcked = 0
	}
	pnum := c.nextPN[space]

	if space == appDataSpace {
		c.w.start1RTTPacket(pnum, largestAcked, c.peerCID, c.keyPhase)
	} else {
		scid, _ := c.cids.activeLocal()
		var scidBytes []byte
		if scid != nil {
			scidBytes = scid.id
		}
		c.w.startProtectedLongHeaderPacket(largestAcked, longPacket{
			ptype:     packetTypeForSpace(space),
			version:   versionQUIC1,
			num:       pnum,
			dstConnID: c.peerCID,
			srcConnID: scidBytes,
		})
	}

	var f Frame
	var wire []byte
	if app != nil {
		f = Frame{Kind: kindConnectionClose, IsApplication: true, AppErrCode: app.Code, Reason: app.Reason}
		wire = appendConnectionCloseAppFrame(c.w.datagram(), app.Code, app.Reason)
	} else {
		f = Frame{Kind: kindConnectionClose, ErrCode: transport.Code, FrameType: transport.Frame, Reason: transport.Reason}
		wire = appendConnectionCloseTransportFrame(c.w.datagram(), transport.Code, transport.Frame, transport.Reason)
	}
	if !c.w.appendFrame(f, wire) {
		c.w.abandonPacket()
		return
	}

	var sp *sentPacket
	if space == appDataSpace {
		sp = c.w.finish1RTTPacket(pnum, largestAcked, c.peerCID, c.wkeys[space])
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
	if sp == nil {
		return
	}
	c.nextPN[space]++
	c.socket.WriteToUDPAddrPort(c.w.datagram(), p.remote)
}

// sendPathProbe sends a single PATH_CHALLENGE or PATH_RESPONSE frame
// addressed to p, bypassing the normal per-active-path send loop: a probe
// frame must travel on the candidate path itself, not whichever path is
// currently active, RFC 9000 Section 8.2.
func (c *Conn) sendPathProbe(p *path, f Frame, now time.Time) {
	if !c.wkeys[appDataSpace].isSet() {
		return
	}
	c.w.reset(maxDatagramSize)

	pnum := c.nextPN[appDataSpace]
	largestAcked := c.acks[appDataSpace].largestSeen()
	if largestAcked < 0 {
		largestAcked = 0
	}
	c.w.start1RTTPacket(pnum, largestAcked, c.peerCID, c.keyPhase)

	var wire []byte
	switch f.Kind {
	case kindPathChallenge:
		wire = appendPathChallengeFrame(c.w.datagram(), f.PathData)
	case kindPathResponse:
		wire = appendPathResponseFrame(c.w.datagram(), f.PathData)
	default:
		c.w.abandonPacket()
		return
	}
	if !c.w.appendFrame(f, wire) {
		c.w.abandonPacket()
		return
	}

	sp := c.w.finish1RTTPacket(pnum, largestAcked, c.peerCID, c.wkeys[appDataSpace])
	if sp == nil {
		return
	}
	c.nextPN[appDataSpace]++
	sp.sentTime = now
	sp.pathID = p.id

	datagram := c.w.datagram()
	if _, err := c.socket.WriteToUDPAddrPort(datagram, p.remote); err != nil {
		return
	}
	p.recordSent(len(datagram))
	p.loss.onPacketSent(now, sp)
}

// handleMigrateRequest services an application call to Migrate, spec.md
// Section 6 and Section 4.9: a new candidate path is registered and a
// PATH_CHALLENGE is sent on it; the path only becomes active once
// onPathResponse confirms it (dispatchFrame's kindPathResponse case).
func (c *Conn) handleMigrateRequest(req *migrateRequest) {
	p, err := c.paths.addPath(req.local, c.remoteAddr, c.config.CongestionAlgorithm)
	if err != nil {
		req.done <- migrateResult{ok: false, err: err}
		return
	}
	now := time.Now()
	frame := p.beginValidation(now, c.currentPTO())
	c.sendPathProbe(p, frame, now)
	c.events.emit(Event{Kind: EventPathChallenge, PathID: p.id})
	req.done <- migrateResult{ok: true}
}

// transitionTo moves the connection to state under lock. Used for
// transitions with no outbound frame of their own (Closing/Draining →
// Closed once their deadline elapses).
func (c *Conn) transitionTo(state connState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// abortLocked ends the connection immediately in response to the caller's
// context being canceled: there is no time left for the graceful
// Closing/Draining handshake, so the connection goes straight to Closed.
func (c *Conn) abortLocked(err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.closeErr = &ErrConnectionClosed{Transport: newTransportError(errInternal, err.Error())}
	c.state = stateClosed
	c.mu.Unlock()
	c.events.emit(Event{Kind: EventConnectionClosed, Reason: err.Error(), Err: err})
}
