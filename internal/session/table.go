package session

import (
	"net/netip"
	"sync"
	"time"
)

// Table is the mode-aware peer map. In server mode sessions are created on
// the first inbound packet from a new address; in client mode exactly one
// session exists, bound to the configured server address.
type Table struct {
	mode Mode

	mu    sync.Mutex
	peers map[netip.AddrPort]*Peer
}

// NewTable creates a peer table. In client mode the single server session
// is created immediately.
func NewTable(mode Mode, now time.Time) *Table {
	t := &Table{
		mode:  mode,
		peers: make(map[netip.AddrPort]*Peer),
	}
	if mode.IsClient() {
		t.peers[mode.Remote()] = newPeer(mode.Remote(), now)
	}
	return t
}

// Mode returns the table's fixed mode.
func (t *Table) Mode() Mode { return t.mode }

// Get returns the session for addr without creating one.
func (t *Table) Get(addr netip.AddrPort) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	return p, ok
}

// Admit resolves the session for an inbound packet's sender, creating it
// when the mode allows. Server mode admits any address; client mode admits
// only the configured server (recreating its session after an eviction).
// Returns nil for senders the mode rejects.
func (t *Table) Admit(addr netip.AddrPort, now time.Time) *Peer {
	if t.mode.IsClient() && addr != t.mode.Remote() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		return p
	}
	p := newPeer(addr, now)
	t.peers[addr] = p
	return p
}

// Remove evicts a session. Returns false if it was already gone.
func (t *Table) Remove(addr netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[addr]; !ok {
		return false
	}
	delete(t.peers, addr)
	return true
}

// Peers returns a snapshot of all live sessions.
func (t *Table) Peers() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
