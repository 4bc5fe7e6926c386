// Package subscriber implements the server-side Subscriber table: live
// viewer endpoints recognized by source address and recent activity, per
// spec §3 and §4.6.
package subscriber

import (
	"net"
	"sync"
	"time"
)

// StaleAfter is the idle duration after which a subscriber is evicted, per
// spec §5.
const StaleAfter = 10 * time.Second

// Subscriber is one live viewer endpoint. Its reply path is the source
// address of its first recognized datagram; the server never opens a second
// outbound association to it (spec §9).
type Subscriber struct {
	Key      string
	Addr     *net.UDPAddr
	lastSeen time.Time

	// MaxPacketSize is the max packet size from this subscriber's most
	// recent CONFIG_UPDATE. The server's Send does not read it; fragments
	// are sized from the server's current StreamConfig.
	MaxPacketSize uint32
}

// KeyFor derives the stable subscriber identity from a transport address.
func KeyFor(addr *net.UDPAddr) string {
	return addr.String()
}

// Table is the single-writer subscriber table owned by the StreamServer's
// receive loop. All methods are safe for concurrent use; callers receive
// copies of Subscriber (via Snapshot) so that callbacks never hold the
// table's lock.
type Table struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewTable creates an empty subscriber table.
func NewTable() *Table {
	return &Table{subs: make(map[string]*Subscriber)}
}

// Touch refreshes or creates the subscriber for addr, returning whether it
// is newly created.
func (t *Table) Touch(addr *net.UDPAddr, now time.Time) (sub *Subscriber, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := KeyFor(addr)
	if s, ok := t.subs[key]; ok {
		s.lastSeen = now
		return s, false
	}

	s := &Subscriber{Key: key, Addr: addr, lastSeen: now}
	t.subs[key] = s
	return s, true
}

// SetMaxPacketSize updates the subscriber's negotiated MTU, if present.
func (t *Table) SetMaxPacketSize(addr *net.UDPAddr, size uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.subs[KeyFor(addr)]; ok {
		s.MaxPacketSize = size
	}
}

// EvictStale removes subscribers idle longer than StaleAfter and returns how
// many were removed.
func (t *Table) EvictStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for key, s := range t.subs {
		if now.Sub(s.lastSeen) > StaleAfter {
			delete(t.subs, key)
			evicted++
		}
	}
	return evicted
}

// Snapshot returns a copy of every live subscriber, safe to iterate and pass
// to user callbacks without holding the table's lock.
func (t *Table) Snapshot() []Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of live subscribers.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Remove deletes a subscriber by address, e.g. on explicit disconnect.
func (t *Table) Remove(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, KeyFor(addr))
}
