// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"testing"
)

func TestNewUDPSocketBindsEphemeralPort(t *testing.T) {
	s, addr, err := newUDPSocket()
	if err != nil {
		t.Fatalf("newUDPSocket: %v", err)
	}
	defer s.Close()
	if addr.Port() == 0 {
		t.Fatalf("newUDPSocket bound to port 0, want a real ephemeral port")
	}
	if got := s.LocalAddrPort(); got.Port() != addr.Port() {
		t.Fatalf("LocalAddrPort() = %v, want port %d", got, addr.Port())
	}
}

func TestUDPSocketWriteReadRoundTrip(t *testing.T) {
	a, addrA, err := newUDPSocket()
	if err != nil {
		t.Fatalf("newUDPSocket (a): %v", err)
	}
	defer a.Close()
	b, _, err := newUDPSocket()
	if err != nil {
		t.Fatalf("newUDPSocket (b): %v", err)
	}
	defer b.Close()

	loopback := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), addrA.Port())
	if _, err := b.WriteToUDPAddrPort([]byte("ping"), loopback); err != nil {
		t.Fatalf("WriteToUDPAddrPort: %v", err)
	}

	buf := make([]byte, 16)
	n, _, err := a.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("ReadFromUDPAddrPort: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("round-tripped payload = %q, want %q", buf[:n], "ping")
	}
}

func TestResolveUDPAddrPortAcceptsLiteralAddress(t *testing.T) {
	ap, err := resolveUDPAddrPort("127.0.0.1:4433")
	if err != nil {
		t.Fatalf("resolveUDPAddrPort: %v", err)
	}
	if ap.Addr().String() != "127.0.0.1" || ap.Port() != 4433 {
		t.Fatalf("resolveUDPAddrPort = %v, want 127.0.0.1:4433", ap)
	}
}

// fakeSocket is an in-memory socket that stands in for a real UDP port;
// only TestFakeSocketRecordsWrites uses it.
type fakeSocket struct {
	local netip.AddrPort
	sent  [][]byte
	to    []netip.AddrPort
	recvc chan []byte
}

func newFakeSocket(local netip.AddrPort) *fakeSocket {
	return &fakeSocket{local: local, recvc: make(chan []byte, 64)}
}

func (f *fakeSocket) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	f.to = append(f.to, addr)
	return len(b), nil
}

func (f *fakeSocket) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	p := <-f.recvc
	n := copy(b, p)
	return n, f.local, nil
}

func (f *fakeSocket) LocalAddrPort() netip.AddrPort { return f.local }

func (f *fakeSocket) Close() error { return nil }

func TestFakeSocketRecordsWrites(t *testing.T) {
	f := newFakeSocket(mustAddrPort(t, "127.0.0.1:9"))
	dst := mustAddrPort(t, "127.0.0.1:10")
	if _, err := f.WriteToUDPAddrPort([]byte("abc"), dst); err != nil {
		t.Fatalf("WriteToUDPAddrPort: %v", err)
	}
	if len(f.sent) != 1 || string(f.sent[0]) != "abc" {
		t.Fatalf("fakeSocket did not record the write")
	}
	if f.to[0] != dst {
		t.Fatalf("fakeSocket recorded destination %v, want %v", f.to[0], dst)
	}
}
