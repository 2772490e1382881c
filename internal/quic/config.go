// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
)

// Config carries the sender-side defaults for every RFC 9000 Section 18.2
// transport parameter, spec.md Section 4.13.
type Config struct {
	TLSConfig *tls.Config

	MaxIdleTimeout time.Duration

	MaxUDPPayloadSize uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint8
	MaxAckDelay      time.Duration

	DisableActiveMigration bool
	ActiveConnectionIDLimit int

	MaxDatagramFrameSize uint64

	CongestionAlgorithm CongestionAlgorithm

	EnableMultipath bool

	Tickets *TicketCache

	// Logger is the base logrus.FieldLogger every connection's log entries
	// are tagged onto with a conn_id field, spec.md Section 4.14. A nil
	// Logger falls back to logrus.StandardLogger().
	Logger logrus.FieldLogger

	Metrics *Metrics
}

// DefaultConfig returns a Config populated with spec.md Section 4.13's
// RFC-compliant defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxIdleTimeout:                  30 * time.Second,
		MaxUDPPayloadSize:               1452,
		InitialMaxData:                  1 << 20,
		InitialMaxStreamDataBidiLocal:   1 << 18,
		InitialMaxStreamDataBidiRemote:  1 << 18,
		InitialMaxStreamDataUni:         1 << 18,
		InitialMaxStreamsBidi:           100,
		InitialMaxStreamsUni:            100,
		AckDelayExponent:                defaultAckDelayExponent,
		MaxAckDelay:                     defaultMaxAckDelay,
		ActiveConnectionIDLimit:         4,
		CongestionAlgorithm:             CongestionCubic,
	}
}

// Validate rejects an invalid Config before any socket I/O, spec.md
// Section 4.13: ranges are checked against RFC 9000 bounds and never
// silently clamped.
func (c *Config) Validate() error {
	if c.MaxUDPPayloadSize != 0 && c.MaxUDPPayloadSize < 1200 {
		return &ConfigError{Field: "MaxUDPPayloadSize", Reason: "must be >= 1200 per RFC 9000 Section 18.2"}
	}
	if c.ActiveConnectionIDLimit < 2 {
		return &ConfigError{Field: "ActiveConnectionIDLimit", Reason: "must be >= 2 per RFC 9000 Section 18.2"}
	}
	if c.AckDelayExponent > 20 {
		return &ConfigError{Field: "AckDelayExponent", Reason: "must be <= 20 per RFC 9000 Section 18.2"}
	}
	if c.MaxAckDelay >= (1 << 14) * time.Millisecond {
		return &ConfigError{Field: "MaxAckDelay", Reason: "must be < 2^14 milliseconds per RFC 9000 Section 18.2"}
	}
	return nil
}

// transportParameter is one (id, value) pair to be encoded into the TLS
// quic_transport_parameters extension (0x39), RFC 9000 Section 18.
type transportParameter struct {
	id    uint64
	value []byte
}

const (
	tpOriginalDestinationConnectionID = 0x00
	tpMaxIdleTimeout                  = 0x01
	tpStatelessResetToken             = 0x02
	tpMaxUDPPayloadSize               = 0x03
	tpInitialMaxData                  = 0x04
	tpInitialMaxStreamDataBidiLocal   = 0x05
	tpInitialMaxStreamDataBidiRemote  = 0x06
	tpInitialMaxStreamDataUni         = 0x07
	tpInitialMaxStreamsBidi           = 0x08
	tpInitialMaxStreamsUni            = 0x09
	tpAckDelayExponent                = 0x0a
	tpMaxAckDelay                     = 0x0b
	tpDisableActiveMigration          = 0x0c
	tpPreferredAddress                = 0x0d
	tpActiveConnectionIDLimit         = 0x0e
	tpInitialSourceConnectionID       = 0x0f
	tpRetrySourceConnectionID         = 0x10
	tpMaxDatagramFrameSize            = 0x20
)

// transportParameters encodes the wire format consumed by the key schedule
// (C3) and connection state machine (C11) on ClientHello, spec.md
// Section 4.13.
func (c *Config) transportParameters(initialSourceCID []byte) []byte {
	var out []byte
	appendTP := func(id uint64, v uint64) {
		out = appendVarint(out, id)
		var vb []byte
		vb = appendVarint(vb, v)
		out = appendVarint(out, uint64(len(vb)))
		out = append(out, vb...)
	}
	appendTPBytes := func(id uint64, b []byte) {
		out = appendVarint(out, id)
		out = appendVarint(out, uint64(len(b)))
		out = append(out, b...)
	}

	if c.MaxIdleTimeout > 0 {
		appendTP(tpMaxIdleTimeout, uint64(c.MaxIdleTimeout.Milliseconds()))
	}
	if c.MaxUDPPayloadSize > 0 {
		appendTP(tpMaxUDPPayloadSize, c.MaxUDPPayloadSize)
	}
	appendTP(tpInitialMaxData, c.InitialMaxData)
	appendTP(tpInitialMaxStreamDataBidiLocal, c.InitialMaxStreamDataBidiLocal)
	appendTP(tpInitialMaxStreamDataBidiRemote, c.InitialMaxStreamDataBidiRemote)
	appendTP(tpInitialMaxStreamDataUni, c.InitialMaxStreamDataUni)
	appendTP(tpInitialMaxStreamsBidi, c.InitialMaxStreamsBidi)
	appendTP(tpInitialMaxStreamsUni, c.InitialMaxStreamsUni)
	appendTP(tpAckDelayExponent, uint64(c.AckDelayExponent))
	appendTP(tpMaxAckDelay, uint64(c.MaxAckDelay.Milliseconds()))
	if c.DisableActiveMigration {
		appendTPBytes(tpDisableActiveMigration, nil)
	}
	appendTP(tpActiveConnectionIDLimit, uint64(c.ActiveConnectionIDLimit))
	appendTPBytes(tpInitialSourceConnectionID, initialSourceCID)
	if c.MaxDatagramFrameSize > 0 {
		appendTP(tpMaxDatagramFrameSize, c.MaxDatagramFrameSize)
	}
	return out
}

// peerTransportParameters holds the decoded values from the peer's
// EncryptedExtensions, applied once available.
type peerTransportParameters struct {
	maxIdleTimeout                  time.Duration
	statelessResetToken             [16]byte
	haveStatelessResetToken         bool
	maxUDPPayloadSize               uint64
	initialMaxData                  uint64
	initialMaxStreamDataBidiLocal   uint64
	initialMaxStreamDataBidiRemote  uint64
	initialMaxStreamDataUni         uint64
	initialMaxStreamsBidi           uint64
	initialMaxStreamsUni            uint64
	ackDelayExponent                uint8
	maxAckDelay                     time.Duration
	disableActiveMigration          bool
	activeConnectionIDLimit         int
	initialSourceConnectionID       []byte
	retrySourceConnectionID         []byte
	haveRetrySourceConnectionID     bool
	maxDatagramFrameSize            uint64
}

// parseTransportParameters decodes the peer's quic_transport_parameters
// extension payload, RFC 9000 Section 18.
func parseTransportParameters(b []byte) (*peerTransportParameters, error) {
	p := &peerTransportParameters{
		ackDelayExponent:         defaultAckDelayExponent,
		maxAckDelay:              defaultMaxAckDelay,
		activeConnectionIDLimit:  2,
	}
	for len(b) > 0 {
		id, n1 := consumeVarint(b)
		if n1 < 0 {
			return nil, newTransportError(errTransportParameter, "malformed transport parameter id")
		}
		b = b[n1:]
		length, n2 := consumeVarint(b)
		if n2 < 0 {
			return nil, newTransportError(errTransportParameter, "malformed transport parameter length")
		}
		b = b[n2:]
		if uint64(len(b)) < length {
			return nil, newTransportError(errTransportParameter, "truncated transport parameter value")
		}
		val := b[:length]
		b = b[length:]

		switch id {
		case tpMaxIdleTimeout:
			v, _ := consumeVarint(val)
			p.maxIdleTimeout = time.Duration(v) * time.Millisecond
		case tpStatelessResetToken:
			if len(val) == 16 {
				copy(p.statelessResetToken[:], val)
				p.haveStatelessResetToken = true
			}
		case tpMaxUDPPayloadSize:
			v, _ := consumeVarint(val)
			p.maxUDPPayloadSize = v
		case tpInitialMaxData:
			v, _ := consumeVarint(val)
			p.initialMaxData = v
		case tpInitialMaxStreamDataBidiLocal:
			v, _ := consumeVarint(val)
			p.initialMaxStreamDataBidiLocal = v
		case tpInitialMaxStreamDataBidiRemote:
			v, _ := consumeVarint(val)
			p.initialMaxStreamDataBidiRemote = v
		case tpInitialMaxStreamDataUni:
			v, _ := consumeVarint(val)
			p.initialMaxStreamDataUni = v
		case tpInitialMaxStreamsBidi:
			v, _ := consumeVarint(val)
			p.initialMaxStreamsBidi = v
		case tpInitialMaxStreamsUni:
			v, _ := consumeVarint(val)
			p.initialMaxStreamsUni = v
		case tpAckDelayExponent:
			v, _ := consumeVarint(val)
			p.ackDelayExponent = uint8(v)
		case tpMaxAckDelay:
			v, _ := consumeVarint(val)
			p.maxAckDelay = time.Duration(v) * time.Millisecond
		case tpDisableActiveMigration:
			p.disableActiveMigration = true
		case tpActiveConnectionIDLimit:
			v, _ := consumeVarint(val)
			p.activeConnectionIDLimit = int(v)
		case tpInitialSourceConnectionID:
			p.initialSourceConnectionID = append([]byte(nil), val...)
		case tpRetrySourceConnectionID:
			p.retrySourceConnectionID = append([]byte(nil), val...)
			p.haveRetrySourceConnectionID = true
		case tpMaxDatagramFrameSize:
			v, _ := consumeVarint(val)
			p.maxDatagramFrameSize = v
		}
	}
	return p, nil
}
