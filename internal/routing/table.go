// Package routing implements the Sybil node's routing table: a bounded FIFO
// set of recently-heard DHT contacts. Unlike a real Kademlia k-bucket tree,
// this table doesn't need lookup accuracy -- the Sybil never performs
// honest lookups -- it only needs a steady supply of plausible targets to
// hand out in find_node replies and to pollinate via outgoing find_node
// queries.
package routing

import (
	"sync"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

// Table is a mutex-guarded, capacity-bounded FIFO set of NodeContacts keyed
// by NodeID. It is written to by the Sybil node's receive loop and read by
// its pollination loop and its find_node/get_peers reply handlers.
type Table struct {
	mu        sync.RWMutex
	capacity  int
	contacts  map[dhtid.ID]dhtid.NodeContact
	order     []dhtid.ID // FIFO eviction order
	evictions int64
}

// New builds a Table that holds at most capacity contacts.
func New(capacity int) *Table {
	return &Table{
		capacity: capacity,
		contacts: make(map[dhtid.ID]dhtid.NodeContact, capacity),
	}
}

// Insert adds or refreshes a contact. When the table is at capacity and the
// contact is new, the oldest entry is evicted to make room; an Insert of an
// already-known ID never evicts anything, favoring stability over churn.
func (t *Table) Insert(c dhtid.NodeContact) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.contacts[c.ID]; exists {
		t.contacts[c.ID] = c
		return
	}
	if len(t.contacts) >= t.capacity {
		t.evictOldestLocked()
	}
	t.contacts[c.ID] = c
	t.order = append(t.order, c.ID)
}

func (t *Table) evictOldestLocked() {
	for len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.contacts[oldest]; ok {
			delete(t.contacts, oldest)
			t.evictions++
			return
		}
	}
}

// Sample returns up to k contacts without replacement, in no particular
// order. It is the source of both find_node/get_peers reply candidates and
// outgoing pollination targets.
func (t *Table) Sample(k int) []dhtid.NodeContact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if k > len(t.order) {
		k = len(t.order)
	}
	out := make([]dhtid.NodeContact, 0, k)
	for _, id := range t.order {
		if len(out) >= k {
			break
		}
		if c, ok := t.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Len reports the current number of distinct contacts.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contacts)
}

// Evictions reports how many contacts have been dropped to stay within
// capacity, surfaced through the stats endpoint as a collision counter.
func (t *Table) Evictions() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evictions
}

// Capacity returns the configured max_neighbours value.
func (t *Table) Capacity() int {
	return t.capacity
}
