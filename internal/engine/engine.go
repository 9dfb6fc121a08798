// Package engine implements the reliability protocol: sequence assignment,
// acknowledgment tracking, duplicate suppression, retransmission, and
// heartbeat-based liveness, on top of a datagram transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/reudp/internal/protocol"
	"github.com/1ureka/reudp/internal/session"
	"github.com/1ureka/reudp/internal/transport"
	"github.com/1ureka/reudp/internal/util"
)

// Tuning constants.
const (
	deliveryQueueSize = 256 // received payloads waiting for Recv
	eventQueueSize    = 64  // delivery-failure / peer-timeout events
)

// Errors surfaced to callers of Send. Decode failures on the receive path
// are never surfaced; malformed datagrams from untrusted senders are
// logged and dropped.
var (
	ErrPayloadTooLarge = errors.New("payload exceeds configured buffer size")
	ErrUnknownPeer     = errors.New("no session for peer")
	ErrClosed          = errors.New("handle closed")
)

// Config carries the handle-wide invariant settings.
type Config struct {
	RetryInterval      time.Duration // sweep period and resend age threshold
	BufferSize         int           // max datagram size, header included
	RetryCeiling       int           // resend attempts before DeliveryFailed
	DeadPeerMultiplier int           // dead-peer threshold = multiplier × RetryInterval
}

// Delivery is one received payload queued for the application.
type Delivery struct {
	Addr    netip.AddrPort
	Payload []byte
}

// EventKind discriminates engine events.
type EventKind uint8

const (
	// EventDeliveryFailed reports a reliable message that exhausted its
	// retry ceiling without being acknowledged.
	EventDeliveryFailed EventKind = iota + 1
	// EventPeerTimedOut reports a peer evicted for missed heartbeats.
	EventPeerTimedOut
)

// Event is surfaced on the handle's event channel.
type Event struct {
	Kind EventKind
	Addr netip.AddrPort
	Seq  uint32 // sequence of the failed message; zero for timeouts
}

// Engine orchestrates per-peer reliability state over a PacketConn. All
// exported methods are safe for concurrent use.
type Engine struct {
	conn  transport.PacketConn
	table *session.Table
	clk   clock.Clock
	cfg   Config

	deliveries chan Delivery
	events     chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an engine bound to conn. Start must be called to launch the
// receive, retransmission, and heartbeat loops.
func New(conn transport.PacketConn, mode session.Mode, cfg Config, clk clock.Clock) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conn:       conn,
		table:      session.NewTable(mode, clk.Now()),
		clk:        clk,
		cfg:        cfg,
		deliveries: make(chan Delivery, deliveryQueueSize),
		events:     make(chan Event, eventQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the background loops: one draining the transport, one
// sweeping pending retransmissions, one emitting heartbeats and evicting
// dead peers.
func (e *Engine) Start() {
	e.wg.Add(3)
	go e.recvLoop()
	go e.retransmitLoop()
	go e.heartbeatLoop()
}

// Close stops the background loops and releases the transport. Safe to
// call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		err = e.conn.Close()
		e.wg.Wait()
	})
	return err
}

// Table exposes the peer table for mode-aware callers.
func (e *Engine) Table() *session.Table { return e.table }

// Events returns the channel carrying delivery failures and peer timeouts.
func (e *Engine) Events() <-chan Event { return e.events }

// LocalAddrPort returns the bound local address.
func (e *Engine) LocalAddrPort() netip.AddrPort { return e.conn.LocalAddrPort() }

// ---------------------------------------------------------------------------
// Send path
// ---------------------------------------------------------------------------

// Send transmits payload to addr, assigning the peer's next sequence
// number. Reliable payloads are tracked until acknowledged or the retry
// ceiling is reached.
func (e *Engine) Send(addr netip.AddrPort, payload []byte, reliable bool) error {
	select {
	case <-e.ctx.Done():
		return ErrClosed
	default:
	}

	if protocol.HeaderSize+len(payload) > e.cfg.BufferSize {
		return fmt.Errorf("%w: %d bytes (max %d)",
			ErrPayloadTooLarge, len(payload), e.cfg.BufferSize-protocol.HeaderSize)
	}

	peer, ok := e.table.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return e.sendToPeer(peer, payload, reliable)
}

// Broadcast transmits payload to every live session: the single server in
// client mode, every connected client in server mode.
func (e *Engine) Broadcast(payload []byte, reliable bool) error {
	select {
	case <-e.ctx.Done():
		return ErrClosed
	default:
	}

	if protocol.HeaderSize+len(payload) > e.cfg.BufferSize {
		return fmt.Errorf("%w: %d bytes (max %d)",
			ErrPayloadTooLarge, len(payload), e.cfg.BufferSize-protocol.HeaderSize)
	}

	peers := e.table.Peers()
	if len(peers) == 0 && e.table.Mode().IsClient() {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, e.table.Mode().Remote())
	}

	var errs []error
	for _, peer := range peers {
		if err := e.sendToPeer(peer, payload, reliable); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendToPeer encodes and emits one packet. The pending entry is recorded
// before the write so a fast acknowledgment from the receive loop cannot
// race past it; on write failure the entry is unwound.
func (e *Engine) sendToPeer(peer *session.Peer, payload []byte, reliable bool) error {
	seq := peer.NextSeq()

	var flags uint8
	if reliable {
		flags |= protocol.FlagReliable
	}
	frame := protocol.Encode(&protocol.Packet{
		Flags:    flags,
		Sequence: seq,
		Payload:  payload,
	})

	if reliable {
		peer.TrackPending(seq, frame, e.clk.Now())
	}
	if err := e.conn.WriteTo(frame, peer.Addr()); err != nil {
		if reliable {
			peer.DropPending(seq)
		}
		return fmt.Errorf("send to %s: %w", peer.Addr(), err)
	}
	util.Stats.AddSent()
	return nil
}

// Ping returns the last heartbeat round-trip time measured for addr.
func (e *Engine) Ping(addr netip.AddrPort) (time.Duration, bool) {
	peer, ok := e.table.Get(addr)
	if !ok {
		return 0, false
	}
	return peer.RTT()
}

// ---------------------------------------------------------------------------
// Receive path
// ---------------------------------------------------------------------------

// Recv drains the next queued delivery without blocking.
func (e *Engine) Recv() (netip.AddrPort, []byte, bool) {
	select {
	case d := <-e.deliveries:
		return d.Addr, d.Payload, true
	default:
		return netip.AddrPort{}, nil, false
	}
}

// recvLoop continuously drains the transport and feeds onReceive. It exits
// when the conn is closed.
func (e *Engine) recvLoop() {
	defer e.wg.Done()

	buf := make([]byte, e.cfg.BufferSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.ctx.Err() != nil {
				return
			}
			util.LogWarning("transport read error: %v", err)
			continue
		}
		e.onReceive(buf[:n], addr)
	}
}

// onReceive processes one inbound datagram. Malformed datagrams and senders
// rejected by the mode are dropped, never surfaced: arbitrary untrusted
// input must not disrupt the engine.
func (e *Engine) onReceive(frame []byte, sender netip.AddrPort) {
	pkt, err := protocol.Decode(frame)
	if err != nil {
		util.LogDebug("dropping malformed datagram from %s: %v", sender, err)
		return
	}

	now := e.clk.Now()
	peer := e.table.Admit(sender, now)
	if peer == nil {
		util.LogDebug("dropping packet from unexpected sender %s", sender)
		return
	}

	// Receipt of any valid packet is evidence of liveness.
	peer.Observe(now)

	if pkt.IsHeartbeat() {
		// Probes are answered so the sender can close its round trip;
		// responses (heartbeats carrying the ack bit) are not, or two live
		// peers would bounce heartbeats at each other forever. Only a
		// response settles our RTT measurement.
		if pkt.IsAck() {
			peer.ObserveHeartbeatReply(now)
		} else {
			e.sendHeartbeatReply(peer, pkt.Sequence)
		}
		return
	}

	if pkt.IsAck() {
		if peer.Ack(pkt.Ack) {
			util.Stats.AddAck()
		}
	}

	switch {
	case pkt.Reliable():
		// Ack unconditionally: the sender keeps resending until it hears one,
		// so duplicates must be re-acked even though they are not re-delivered.
		e.sendAck(peer, pkt.Sequence)
		if peer.AdmitDelivery(pkt.Sequence) {
			e.deliver(sender, pkt.Payload)
		} else {
			util.Stats.AddDup()
			util.LogDebug("duplicate seq %d from %s, re-acked", pkt.Sequence, sender)
		}

	case len(pkt.Payload) > 0:
		// Best-effort data: delivered as-is, no duplicate or ordering guarantee.
		e.deliver(sender, pkt.Payload)
	}
}

// deliver queues a payload for Recv, dropping on overflow so the receive
// loop never stalls behind a slow application.
func (e *Engine) deliver(addr netip.AddrPort, payload []byte) {
	select {
	case e.deliveries <- Delivery{Addr: addr, Payload: payload}:
		util.Stats.AddDeliver()
	default:
		util.LogWarning("delivery queue full, dropping payload from %s", addr)
	}
}

// sendAck emits an acknowledgment for seq. Ack loss is tolerated: the
// sender will retransmit and we will re-ack.
func (e *Engine) sendAck(peer *session.Peer, seq uint32) {
	frame := protocol.Encode(&protocol.Packet{
		Flags:    protocol.FlagAck,
		Sequence: peer.NextSeq(),
		Ack:      seq,
	})
	if err := e.conn.WriteTo(frame, peer.Addr()); err != nil {
		util.LogDebug("ack to %s failed: %v", peer.Addr(), err)
	}
}

// emitEvent surfaces an event without ever blocking a sweep.
func (e *Engine) emitEvent(ev Event) {
	select {
	case e.events <- ev:
	default:
		util.LogWarning("event queue full, dropping event kind=%d addr=%s", ev.Kind, ev.Addr)
	}
}
