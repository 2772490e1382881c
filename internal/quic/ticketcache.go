// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/xid"
)

// ticketEntry is one cached session ticket, tagged with an xid so log lines
// can reference a specific cache insert without printing ticket material.
type ticketEntry struct {
	id         xid.ID
	serverName string
	ticket     []byte
	params     *peerTransportParameters
	storedAt   time.Time
}

// TicketCache is a small mutex-protected LRU of TLS session tickets, shared
// across connections to the same host, spec.md Section 4.16. Persistence
// is explicitly in-memory only — there is no on-disk resumption store.
type TicketCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

const defaultTicketCacheCapacity = 256

// NewTicketCache constructs an empty cache holding up to capacity entries;
// capacity <= 0 uses defaultTicketCacheCapacity.
func NewTicketCache(capacity int) *TicketCache {
	if capacity <= 0 {
		capacity = defaultTicketCacheCapacity
	}
	return &TicketCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Store records a session ticket for serverName, evicting the
// least-recently-used entry if the cache is full, spec.md Section 4.16.
func (c *TicketCache) Store(serverName string, ticket []byte, params *peerTransportParameters) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[serverName]; ok {
		el.Value.(*ticketEntry).ticket = ticket
		el.Value.(*ticketEntry).params = params
		el.Value.(*ticketEntry).storedAt = time.Time{}
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= c.capacity {
		back := c.ll.Back()
		if back != nil {
			c.ll.Remove(back)
			delete(c.index, back.Value.(*ticketEntry).serverName)
		}
	}
	entry := &ticketEntry{id: xid.New(), serverName: serverName, ticket: ticket, params: params}
	c.index[serverName] = c.ll.PushFront(entry)
}

// Lookup returns the cached ticket for serverName, if any, moving it to the
// front of the LRU. Nothing in the connection or handshake path calls
// Lookup or Store, so no cached ticket is presented to the TLS engine.
func (c *TicketCache) Lookup(serverName string) (ticket []byte, params *peerTransportParameters, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.index[serverName]
	if !found {
		return nil, nil, false
	}
	c.ll.MoveToFront(el)
	entry := el.Value.(*ticketEntry)
	return entry.ticket, entry.params, true
}

// Evict removes any cached ticket for serverName, e.g. after a resumption
// attempt the server rejected.
func (c *TicketCache) Evict(serverName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[serverName]; ok {
		c.ll.Remove(el)
		delete(c.index, serverName)
	}
}
