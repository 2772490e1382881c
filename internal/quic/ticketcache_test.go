// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "testing"

func TestTicketCacheStoreAndLookup(t *testing.T) {
	c := NewTicketCache(2)
	c.Store("example.com", []byte("ticket-a"), nil)
	ticket, _, ok := c.Lookup("example.com")
	if !ok || string(ticket) != "ticket-a" {
		t.Fatalf("Lookup() = %q, %v, want \"ticket-a\", true", ticket, ok)
	}
	if _, _, ok := c.Lookup("unknown.com"); ok {
		t.Fatalf("Lookup() for an unstored host should report false")
	}
}

func TestTicketCacheStoreOverwritesExisting(t *testing.T) {
	c := NewTicketCache(2)
	c.Store("example.com", []byte("old"), nil)
	c.Store("example.com", []byte("new"), nil)
	ticket, _, ok := c.Lookup("example.com")
	if !ok || string(ticket) != "new" {
		t.Fatalf("Lookup() after overwrite = %q, %v, want \"new\", true", ticket, ok)
	}
	if c.ll.Len() != 1 {
		t.Fatalf("overwriting an existing host should not grow the LRU list, len=%d", c.ll.Len())
	}
}

func TestTicketCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewTicketCache(2)
	c.Store("a.com", []byte("a"), nil)
	c.Store("b.com", []byte("b"), nil)
	// Touch a.com so it becomes more recently used than b.com.
	c.Lookup("a.com")
	c.Store("c.com", []byte("c"), nil)

	if _, _, ok := c.Lookup("b.com"); ok {
		t.Fatalf("b.com should have been evicted as the least-recently-used entry")
	}
	if _, _, ok := c.Lookup("a.com"); !ok {
		t.Fatalf("a.com should still be cached after being touched")
	}
	if _, _, ok := c.Lookup("c.com"); !ok {
		t.Fatalf("c.com should be cached as the newest entry")
	}
}

func TestTicketCacheEvict(t *testing.T) {
	c := NewTicketCache(2)
	c.Store("example.com", []byte("ticket"), nil)
	c.Evict("example.com")
	if _, _, ok := c.Lookup("example.com"); ok {
		t.Fatalf("Lookup() after Evict should report false")
	}
}

func TestNewTicketCacheDefaultsCapacity(t *testing.T) {
	c := NewTicketCache(0)
	if c.capacity != defaultTicketCacheCapacity {
		t.Fatalf("capacity with 0 requested = %d, want default %d", c.capacity, defaultTicketCacheCapacity)
	}
}
