package session

import (
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/reudp/internal/protocol"
)

// DupWindow is the number of recently delivered sequence numbers remembered
// per peer. A reliable packet older than the window relative to the highest
// delivered sequence is assumed to be a duplicate.
const DupWindow = 512

// pendingEntry tracks one unacknowledged reliable frame.
type pendingEntry struct {
	frame    []byte // encoded wire frame, resent verbatim so the ack still matches
	lastSent time.Time
	retries  int
}

// Resend is a frame due for retransmission, produced by SweepPending.
type Resend struct {
	Frame   []byte
	Seq     uint32
	Retries int
}

// Peer is the reliability state for one remote address. The table guards
// map membership; each Peer guards its own fields, so the receive loop,
// the retransmission sweep, and the heartbeat monitor can touch different
// peers without contending.
type Peer struct {
	addr netip.AddrPort

	mu          sync.Mutex
	nextSendSeq uint32
	highestSeen uint32
	seenAny     bool
	delivered   *lru.Cache[uint32, struct{}]
	pending     map[uint32]*pendingEntry
	lastSeen    time.Time

	// Ping measurement over heartbeat round trips.
	lastPingSent time.Time
	rtt          time.Duration
	hasRTT       bool
}

func newPeer(addr netip.AddrPort, now time.Time) *Peer {
	delivered, _ := lru.New[uint32, struct{}](DupWindow)
	return &Peer{
		addr:      addr,
		delivered: delivered,
		pending:   make(map[uint32]*pendingEntry),
		lastSeen:  now,
	}
}

// Addr returns the remote address this session is keyed by.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// NextSeq assigns the next outgoing sequence number.
func (p *Peer) NextSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.nextSendSeq
	p.nextSendSeq++
	return seq
}

// TrackPending records a reliable frame awaiting acknowledgment.
func (p *Peer) TrackPending(seq uint32, frame []byte, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[seq] = &pendingEntry{frame: frame, lastSent: now}
}

// Ack removes a pending entry. Acknowledging a sequence with no matching
// entry is a no-op; acks are idempotent.
func (p *Peer) Ack(seq uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[seq]; !ok {
		return false
	}
	delete(p.pending, seq)
	return true
}

// DropPending removes a pending entry without acknowledgment (send failure
// unwinding).
func (p *Peer) DropPending(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, seq)
}

// PendingCount returns the number of unacknowledged frames.
func (p *Peer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// AdmitDelivery decides whether a reliable sequence number is new. New
// sequences are recorded in the delivered window and advance highestSeen;
// duplicates return false. Either way the caller must re-ack.
func (p *Peer) AdmitDelivery(seq uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seenAny {
		if p.delivered.Contains(seq) {
			return false
		}
		// Older than the window relative to highestSeen: it may have fallen
		// out of the delivered cache, so treat it as already seen.
		if protocol.SeqLess(seq, p.highestSeen) && p.highestSeen-seq >= DupWindow {
			return false
		}
	}

	p.delivered.Add(seq, struct{}{})
	if !p.seenAny || protocol.SeqLess(p.highestSeen, seq) {
		p.highestSeen = seq
		p.seenAny = true
	}
	return true
}

// Observe refreshes the liveness timestamp. Any valid packet counts.
func (p *Peer) Observe(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

// Expired reports whether no packet has arrived for longer than threshold.
func (p *Peer) Expired(now time.Time, threshold time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastSeen) > threshold
}

// MarkPingSent records the send time of a heartbeat for RTT measurement.
func (p *Peer) MarkPingSent(now time.Time) {
	p.mu.Lock()
	p.lastPingSent = now
	p.mu.Unlock()
}

// ObserveHeartbeatReply refreshes liveness and, if one of our probes is in
// flight, closes its round trip and records the RTT.
func (p *Peer) ObserveHeartbeatReply(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = now
	if !p.lastPingSent.IsZero() {
		p.rtt = now.Sub(p.lastPingSent)
		p.hasRTT = true
		p.lastPingSent = time.Time{}
	}
}

// RTT returns the last measured heartbeat round trip, if any.
func (p *Peer) RTT() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt, p.hasRTT
}

// SweepPending walks the pending set. Entries older than interval are either
// returned for retransmission (and their retry count bumped) or, once the
// retry ceiling is exhausted, removed and reported as failed sequences.
func (p *Peer) SweepPending(now time.Time, interval time.Duration, ceiling int) (resend []Resend, failed []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for seq, e := range p.pending {
		if now.Sub(e.lastSent) < interval {
			continue
		}
		if e.retries >= ceiling {
			delete(p.pending, seq)
			failed = append(failed, seq)
			continue
		}
		e.retries++
		e.lastSent = now
		resend = append(resend, Resend{Frame: e.frame, Seq: seq, Retries: e.retries})
	}
	return resend, failed
}
