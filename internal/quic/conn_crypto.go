// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/tls"
)

// levelToSpace maps a tls.QUICEncryptionLevel to our numberSpace, RFC 9001
// Section 4's three-level handshake.
func levelToSpace(level tls.QUICEncryptionLevel) numberSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return initialSpace
	case tls.QUICEncryptionLevelHandshake:
		return handshakeSpace
	default:
		return appDataSpace
	}
}

// spaceToLevel is the inverse of levelToSpace, used when feeding received
// CRYPTO bytes back into the TLS engine.
func spaceToLevel(space numberSpace) tls.QUICEncryptionLevel {
	switch space {
	case initialSpace:
		return tls.QUICEncryptionLevelInitial
	case handshakeSpace:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

// algoForSuite maps a negotiated TLS 1.3 cipher suite to the AEAD this
// package implements, RFC 9001 Section 5.
func algoForSuite(suite uint16) aeadAlgorithm {
	switch suite {
	case tls.TLS_AES_256_GCM_SHA384:
		return aeadAES256GCM
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return aeadChaCha20Poly1305
	default:
		return aeadAES128GCM
	}
}

// driveTLS drains every event the TLS engine currently has queued, feeding
// the key schedule (C3) and crypto send queues, per spec.md Section 4.3:
// "the connection state machine drains NextEvent() to completion after
// every HandleData call and after Start."
func (c *Conn) driveTLS() error {
	for {
		ev := c.tlsConn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			k, err := deriveKeys(algoForSuite(ev.Suite), ev.Data)
			if err != nil {
				return newTransportError(errInternal, "derive read secret: "+err.Error())
			}
			space := levelToSpace(ev.Level)
			c.rkeys[space] = k
			if space == appDataSpace {
				c.appReadSecret = append([]byte(nil), ev.Data...)
			}
		case tls.QUICSetWriteSecret:
			k, err := deriveKeys(algoForSuite(ev.Suite), ev.Data)
			if err != nil {
				return newTransportError(errInternal, "derive write secret: "+err.Error())
			}
			space := levelToSpace(ev.Level)
			c.wkeys[space] = k
			if space == appDataSpace {
				c.appWriteSecret = append([]byte(nil), ev.Data...)
			}
		case tls.QUICWriteData:
			space := levelToSpace(ev.Level)
			c.cryptoSend[space] = append(c.cryptoSend[space], ev.Data...)
		case tls.QUICTransportParameters:
			params, err := parseTransportParameters(ev.Data)
			if err != nil {
				return err
			}
			c.peerParams = params
			c.applyPeerParams(params)
		case tls.QUICHandshakeDone:
			c.handshakeDone = true
			c.markConnected()
			c.events.emit(Event{Kind: EventHandshakeConfirmed})
		}
	}
}

// applyPeerParams folds the peer's transport parameters into the
// connection's flow-control and stream-limit state, spec.md Section 4.13.
func (c *Conn) applyPeerParams(p *peerTransportParameters) {
	c.connFlow.setSendMax(p.initialMaxData)
	c.streams.mu.Lock()
	c.streams.initialMaxStreamDataBidiRemote = p.initialMaxStreamDataBidiRemote
	c.streams.initialMaxStreamDataUni = p.initialMaxStreamDataUni
	c.streams.limits.setMaxLocal(false, p.initialMaxStreamsBidi)
	c.streams.limits.setMaxLocal(true, p.initialMaxStreamsUni)
	c.streams.mu.Unlock()
	if p.maxIdleTimeout > 0 && p.maxIdleTimeout < c.idleTimeout {
		c.idleTimeout = p.maxIdleTimeout
	}
	if p.maxDatagramFrameSize > 0 {
		c.datagrams.mu.Lock()
		c.datagrams.maxFrameSize = int(p.maxDatagramFrameSize)
		c.datagrams.mu.Unlock()
	}
}
