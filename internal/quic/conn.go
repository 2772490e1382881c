// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

// connState is the connection lifecycle, RFC 9000 Section 3 (as specialized
// in spec.md Section 4.11): Handshaking → Connected → Closing → Draining →
// Closed. There is no separate Idle state; Dial creates a Conn directly in
// stateHandshaking.
type connState int

const (
	stateHandshaking connState = iota
	stateConnected
	stateClosing
	stateDraining
	stateClosed
)

// Conn is one QUIC client connection, spec.md Section 3's Connection
// entity. A single goroutine (run) drives the handshake, timers and packet
// I/O, mirroring the teacher's single-event-loop design; Close and Migrate
// reach it over msgc. State that exported methods also touch is guarded by
// locks: mu covers the lifecycle state and pending control frames, and the
// stream manager, flow controllers and datagram queue have their own
// mutexes.
type Conn struct {
	config *Config
	socket socket

	remoteAddr netip.AddrPort

	tlsConn *tls.QUICConn
	handshakeDone bool

	wkeys [numberSpaceCount]keys
	rkeys [numberSpaceCount]keys

	// appReadSecret/appWriteSecret are the current 1-RTT traffic secrets,
	// retained (unlike every other space) so a key update can ratchet them
	// with updateSecret, RFC 9001 Section 6.1.
	appReadSecret  []byte
	appWriteSecret []byte

	// keyPhase is the bit stamped on outgoing 1-RTT packets and expected on
	// incoming ones; it flips every time a key update is accepted.
	keyPhase int

	// rkeysPrev holds the previous generation's read keys for one PTO after
	// a key update, so packets reordered ahead of the phase flip still
	// decrypt, RFC 9001 Section 6.3.
	rkeysPrev      keys
	rkeysPrevUntil time.Time

	// peerCID is the connection ID currently used to address the peer,
	// updated to the source CID observed on the first packet it sends.
	peerCID []byte

	cryptoSend        [numberSpaceCount][]byte
	cryptoSendOffset  [numberSpaceCount]uint64
	cryptoRecvOffset  [numberSpaceCount]uint64
	cryptoRecvPending [numberSpaceCount]map[uint64][]byte

	acks [numberSpaceCount]*ackTracker

	// nextPN is the next packet number to assign in each space. Packet
	// numbers must never repeat within a space even after the sent-packet
	// record is removed on ack/loss, RFC 9000 Section 12.3, so this is
	// tracked independently of spaceLoss.sent's size.
	nextPN [numberSpaceCount]packetNumber

	cids *cidManager

	paths     *pathManager
	multipath *multipathScheduler
	peerSupportsMultipath bool

	streams  *streamManager
	connFlow *connFlowControl

	datagrams *datagramQueue

	peerParams *peerTransportParameters

	events  *eventSink
	metrics *Metrics
	logger  *connLogger

	w packetWriter

	mu    sync.Mutex
	state connState

	idleTimeout time.Duration
	lastActivity time.Time

	closeErr       *ErrConnectionClosed
	closeDeadline  time.Time

	pendingControl []Frame

	msgc        chan connMessage
	connectedCh chan struct{}

	group *errgroup.Group
}

// connMessage is sent to the event loop to request work be done there,
// avoiding any cross-goroutine mutation of connection state.
type connMessage struct {
	datagram []byte
	from     netip.AddrPort
	closeReq *closeRequest
	migrateReq *migrateRequest
	timerFired bool
}

type closeRequest struct {
	code   AppErrorCode
	reason string
	done   chan error
}

type migrateRequest struct {
	local netip.AddrPort
	done  chan migrateResult
}

type migrateResult struct {
	ok  bool
	err error
}

// Dial opens a QUIC connection to addr over UDP, performs the handshake,
// and returns once 1-RTT keys are installed, spec.md Section 6's
// `connect(host, port, alpn)`.
func Dial(ctx context.Context, addr string, alpn []string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	remote, err := netip.ParseAddrPort(addr)
	if err != nil {
		resolved, rerr := resolveUDPAddrPort(addr)
		if rerr != nil {
			return nil, fmt.Errorf("quic: resolve %q: %w", addr, err)
		}
		remote = resolved
	}

	sock, local, err := newUDPSocket()
	if err != nil {
		return nil, fmt.Errorf("quic: open socket: %w", err)
	}

	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	if len(alpn) > 0 {
		clone := tlsCfg.Clone()
		clone.NextProtos = alpn
		tlsCfg = clone
	}

	connID := xid.New().String()
	c := &Conn{
		config:      cfg,
		socket:      sock,
		remoteAddr:  remote,
		cids:        newCIDManager(cfg.ActiveConnectionIDLimit),
		connFlow:    newConnFlowControl(cfg.InitialMaxData, cfg.InitialMaxData),
		datagrams:   newDatagramQueue(0),
		idleTimeout: cfg.MaxIdleTimeout,
		msgc:        make(chan connMessage, 64),
		connectedCh: make(chan struct{}),
		state:       stateHandshaking,
	}
	c.logger = newConnLogger(cfg.Logger, connID)
	c.events = newEventSink(c.logger)
	c.metrics = cfg.Metrics
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	for i := range c.acks {
		c.acks[i] = newAckTracker(numberSpace(i))
	}
	c.paths = newPathManager(local, remote, cfg.CongestionAlgorithm, cfg.ActiveConnectionIDLimit, cfg.DisableActiveMigration)
	c.multipath = newMultipathScheduler(c.paths)
	c.streams = newStreamManager(c, cfg.InitialMaxStreamsBidi, cfg.InitialMaxStreamsUni,
		cfg.InitialMaxStreamDataBidiLocal, cfg.InitialMaxStreamDataBidiRemote, cfg.InitialMaxStreamDataUni,
		cfg.InitialMaxStreamDataBidiLocal)

	scid := make([]byte, defaultCIDLen)
	rand.Read(scid)
	c.cids.mintInitial(scid)
	dcid := make([]byte, defaultCIDLen)
	rand.Read(dcid)

	c.peerCID = dcid
	for i := range c.cryptoRecvPending {
		c.cryptoRecvPending[i] = make(map[uint64][]byte)
	}

	ik, sk, err := deriveInitialKeys(versionQUIC1, dcid)
	if err != nil {
		return nil, fmt.Errorf("quic: derive initial keys: %w", err)
	}
	c.wkeys[initialSpace] = ik
	c.rkeys[initialSpace] = sk

	c.tlsConn = tls.QUICClient(&tls.QUICConfig{TLSConfig: tlsCfg})
	c.tlsConn.SetTransportParameters(cfg.transportParameters(scid))

	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.run(gctx) })

	if err := c.tlsConn.Start(ctx); err != nil {
		return nil, fmt.Errorf("quic: start TLS: %w", err)
	}
	c.msgc <- connMessage{} // kick the loop to process the initial TLS events

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.connectedCh:
	}
	return c, nil
}

// markConnected transitions out of stateHandshaking and releases any Dial
// call blocked on the connection becoming usable, spec.md Section 4.11's
// Handshaking→Connected transition. Must be called from the event loop.
func (c *Conn) markConnected() {
	c.mu.Lock()
	already := c.state != stateHandshaking
	if !already {
		c.state = stateConnected
	}
	c.mu.Unlock()
	if !already {
		close(c.connectedCh)
		c.events.emit(Event{Kind: EventConnectionEstablished})
	}
}

// OpenStream allocates a new stream, spec.md Section 6's `open_stream(dir)`.
func (c *Conn) OpenStream(dir StreamDir) (*Stream, error) {
	return c.streams.Open(dir)
}

// SendDatagram enqueues an unreliable DATAGRAM payload, spec.md Section 6.
func (c *Conn) SendDatagram(p []byte) error {
	return c.datagrams.Send(p)
}

// RecvDatagram blocks until a DATAGRAM payload is available or ctx is
// done, spec.md Section 6.
func (c *Conn) RecvDatagram(ctx context.Context) ([]byte, error) {
	for {
		if p, ok := c.datagrams.Recv(); ok {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.datagrams.recvReady:
		}
	}
}

// Migrate requests the connection switch to a new local address, spec.md
// Section 6 and Section 4.9.
func (c *Conn) Migrate(ctx context.Context, local netip.AddrPort) (bool, error) {
	req := &migrateRequest{local: local, done: make(chan migrateResult, 1)}
	select {
	case c.msgc <- connMessage{migrateReq: req}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.ok, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close starts a graceful shutdown with the given application error code,
// spec.md Section 6 and Section 4.11's Any→Closing transition.
func (c *Conn) Close(code AppErrorCode, reason string) error {
	req := &closeRequest{code: code, reason: reason, done: make(chan error, 1)}
	c.msgc <- connMessage{closeReq: req}
	return <-req.done
}

// Events returns the channel of lifecycle notifications, spec.md
// Section 6's `events()`.
func (c *Conn) Events() <-chan Event { return c.events.ch }

// ConnectionStats reports point-in-time connection statistics, spec.md
// Section 3 and Section 4.15.
type ConnectionStats struct {
	ActivePathID     int
	SmoothedRTT      time.Duration
	CongestionWindow int
	BytesInFlight    int
	Ssthresh         int
	StreamsOpen      int
	DatagramsSendDropped uint64
	DatagramsRecvDropped uint64
}

// Stats returns a snapshot of the connection's current state, spec.md
// Section 6's `stats()`.
func (c *Conn) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.paths.activePath()
	sendDropped, recvDropped := c.datagrams.droppedCounts()
	return ConnectionStats{
		ActivePathID:         p.id,
		SmoothedRTT:          p.loss.rtt.smoothedRTT,
		CongestionWindow:     p.loss.cc.cwnd(),
		BytesInFlight:        p.loss.bytesInFlight,
		Ssthresh:             p.loss.cc.ssthresh(),
		StreamsOpen:          len(c.streams.streams),
		DatagramsSendDropped: sendDropped,
		DatagramsRecvDropped: recvDropped,
	}
}

// queueControlFrame hands a frame to the event loop to be scheduled on the
// next send opportunity, used by Stream for MAX_STREAM_DATA/STOP_SENDING.
func (c *Conn) queueControlFrame(f Frame) {
	c.mu.Lock()
	c.pendingControl = append(c.pendingControl, f)
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) wake() {
	select {
	case c.msgc <- connMessage{}:
	default:
	}
}
