// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestConfigValidateRejectsSmallMaxUDPPayloadSize(t *testing.T) {
	c := DefaultConfig()
	c.MaxUDPPayloadSize = 1199
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate should reject MaxUDPPayloadSize below 1200")
	}
}

func TestConfigValidateRejectsSmallActiveConnectionIDLimit(t *testing.T) {
	c := DefaultConfig()
	c.ActiveConnectionIDLimit = 1
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate should reject ActiveConnectionIDLimit below 2")
	}
}

func TestConfigValidateRejectsOversizedAckDelayExponent(t *testing.T) {
	c := DefaultConfig()
	c.AckDelayExponent = 21
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate should reject AckDelayExponent above 20")
	}
}

func TestConfigValidateRejectsOversizedMaxAckDelay(t *testing.T) {
	c := DefaultConfig()
	c.MaxAckDelay = (1 << 14) * time.Millisecond
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate should reject MaxAckDelay >= 2^14 ms")
	}
}

func TestTransportParametersRoundTrip(t *testing.T) {
	c := DefaultConfig()
	c.MaxDatagramFrameSize = 1200
	c.DisableActiveMigration = true
	scid := []byte{1, 2, 3, 4}

	encoded := c.transportParameters(scid)
	p, err := parseTransportParameters(encoded)
	if err != nil {
		t.Fatalf("parseTransportParameters: %v", err)
	}

	if p.initialMaxData != c.InitialMaxData {
		t.Errorf("initialMaxData = %d, want %d", p.initialMaxData, c.InitialMaxData)
	}
	if p.initialMaxStreamsBidi != c.InitialMaxStreamsBidi {
		t.Errorf("initialMaxStreamsBidi = %d, want %d", p.initialMaxStreamsBidi, c.InitialMaxStreamsBidi)
	}
	if p.maxAckDelay != c.MaxAckDelay {
		t.Errorf("maxAckDelay = %v, want %v", p.maxAckDelay, c.MaxAckDelay)
	}
	if !p.disableActiveMigration {
		t.Errorf("disableActiveMigration should round-trip as true")
	}
	if p.maxDatagramFrameSize != 1200 {
		t.Errorf("maxDatagramFrameSize = %d, want 1200", p.maxDatagramFrameSize)
	}
	if string(p.initialSourceConnectionID) != string(scid) {
		t.Errorf("initialSourceConnectionID = %v, want %v", p.initialSourceConnectionID, scid)
	}
}

func TestParseTransportParametersDefaults(t *testing.T) {
	p, err := parseTransportParameters(nil)
	if err != nil {
		t.Fatalf("parseTransportParameters(nil): %v", err)
	}
	if p.ackDelayExponent != defaultAckDelayExponent {
		t.Errorf("ackDelayExponent default = %d, want %d", p.ackDelayExponent, defaultAckDelayExponent)
	}
	if p.activeConnectionIDLimit != 2 {
		t.Errorf("activeConnectionIDLimit default = %d, want 2", p.activeConnectionIDLimit)
	}
}

func TestParseTransportParametersRejectsTruncatedValue(t *testing.T) {
	// id=tpMaxIdleTimeout, length=5, but only 1 byte of value follows.
	b := appendVarint(nil, tpMaxIdleTimeout)
	b = appendVarint(b, 5)
	b = append(b, 0x01)
	if _, err := parseTransportParameters(b); err == nil {
		t.Fatalf("parseTransportParameters should reject a truncated parameter value")
	}
}
