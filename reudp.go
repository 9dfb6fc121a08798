// Package reudp is a reliability layer over UDP for real-time games. It
// lets the application mark individual messages as reliable or best-effort:
// reliable messages are tracked with per-packet acknowledgments and
// retransmitted until acknowledged or a retry ceiling is reached, while
// periodic heartbeats detect and evict dead peers.
//
// Reliable means "eventually delivered and acknowledged", not "delivered in
// sequence order": each reliable payload reaches the remote application
// exactly once per sequence number, but later sequences may arrive first.
package reudp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/reudp/internal/engine"
	"github.com/1ureka/reudp/internal/protocol"
	"github.com/1ureka/reudp/internal/session"
	"github.com/1ureka/reudp/internal/transport"
)

// Mode selects client or server peer management. Construct with Server or
// Client; the mode is immutable for the handle's lifetime.
type Mode = session.Mode

// Server accepts packets from any address, creating one session per
// distinct client.
func Server() Mode { return session.ServerMode() }

// Client binds the handle to a single fixed server address.
func Client(remote netip.AddrPort) Mode { return session.ClientMode(remote) }

// ReUDP is the thread-safe handle applications send and receive through.
type ReUDP struct {
	eng  *engine.Engine
	mode Mode
}

// New binds a UDP socket on bindAddr and starts the reliability engine.
// retryInterval drives both retransmission sweeps and the heartbeat
// period; bufferSize bounds datagram length, header included.
func New(bindAddr string, mode Mode, retryInterval time.Duration, bufferSize int, opts ...Option) (*ReUDP, error) {
	if retryInterval <= 0 {
		return nil, fmt.Errorf("retry interval must be positive, got %s", retryInterval)
	}
	if bufferSize <= protocol.HeaderSize {
		return nil, fmt.Errorf("buffer size must exceed the %d-byte header, got %d",
			protocol.HeaderSize, bufferSize)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	conn := o.conn
	if conn == nil {
		var err error
		conn, err = transport.ListenUDP(bindAddr)
		if err != nil {
			return nil, fmt.Errorf("reudp: %w", err)
		}
	}

	eng := engine.New(conn, mode, engine.Config{
		RetryInterval:      retryInterval,
		BufferSize:         bufferSize,
		RetryCeiling:       o.retryCeiling,
		DeadPeerMultiplier: o.deadPeerMultiplier,
	}, o.clk)
	eng.Start()

	return &ReUDP{eng: eng, mode: mode}, nil
}

// Send transmits payload to the handle's peers: the configured server in
// client mode, every connected client in server mode. Reliable payloads
// are retransmitted until acknowledged or the retry ceiling is hit, at
// which point a DeliveryFailed event is emitted.
func (r *ReUDP) Send(payload []byte, reliable bool) error {
	return r.eng.Broadcast(payload, reliable)
}

// SendTo transmits payload to one specific peer. The peer must have an
// established session (it has sent us at least one packet).
func (r *ReUDP) SendTo(addr netip.AddrPort, payload []byte, reliable bool) error {
	return r.eng.Send(addr, payload, reliable)
}

// Recv drains the next queued (sender, payload) pair without blocking.
// The third return is false when nothing is queued.
func (r *ReUDP) Recv() (netip.AddrPort, []byte, bool) {
	return r.eng.Recv()
}

// Events returns the channel carrying DeliveryFailed and PeerTimedOut
// events. The channel is bounded; consume it to avoid losing events.
func (r *ReUDP) Events() <-chan Event {
	return r.eng.Events()
}

// Ping returns the last heartbeat round-trip time measured for addr, and
// whether one has been measured yet.
func (r *ReUDP) Ping(addr netip.AddrPort) (time.Duration, bool) {
	return r.eng.Ping(addr)
}

// Mode returns the handle's fixed mode.
func (r *ReUDP) Mode() Mode { return r.mode }

// LocalAddr returns the bound local address.
func (r *ReUDP) LocalAddr() netip.AddrPort {
	return r.eng.LocalAddrPort()
}

// Peers returns the addresses of all live sessions.
func (r *ReUDP) Peers() []netip.AddrPort {
	peers := r.eng.Table().Peers()
	out := make([]netip.AddrPort, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Addr())
	}
	return out
}

// Close stops the background loops and releases the socket. Pending
// unacknowledged messages are abandoned.
func (r *ReUDP) Close() error {
	return r.eng.Close()
}
