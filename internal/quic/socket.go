// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"errors"
	"net"
	"net/netip"
)

// socket is the minimal UDP transport a Conn needs, narrowed from
// *net.UDPConn so path.go/conn.go can be exercised against a fake in
// tests without opening a real socket.
type socket interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	LocalAddrPort() netip.AddrPort
	Close() error
}

// udpSocket wraps *net.UDPConn to satisfy socket, spec.md Section 4.18's
// "one UDP socket per Conn, optionally more than one under multipath."
type udpSocket struct {
	conn *net.UDPConn
}

func (s *udpSocket) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(b, addr)
}

func (s *udpSocket) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	return s.conn.ReadFromUDPAddrPort(b)
}

func (s *udpSocket) LocalAddrPort() netip.AddrPort {
	addr, _ := netip.ParseAddrPort(s.conn.LocalAddr().String())
	return addr
}

func (s *udpSocket) Close() error { return s.conn.Close() }

// newUDPSocket opens an unconnected UDP socket bound to an ephemeral local
// port on the wildcard address, returning it alongside the address it
// bound to.
func newUDPSocket() (socket, netip.AddrPort, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	local, ok := netip.AddrFromSlice(conn.LocalAddr().(*net.UDPAddr).IP)
	if !ok {
		conn.Close()
		return nil, netip.AddrPort{}, errors.New("quic: could not determine local address")
	}
	addr := netip.AddrPortFrom(local, uint16(conn.LocalAddr().(*net.UDPAddr).Port))
	return &udpSocket{conn: conn}, addr, nil
}

// resolveUDPAddrPort resolves a host:port string that netip.ParseAddrPort
// could not parse directly (a DNS name rather than a literal address).
func resolveUDPAddrPort(addr string) (netip.AddrPort, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.AddrPort{}, errors.New("quic: resolved address has unexpected form")
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(udpAddr.Port)), nil
}
