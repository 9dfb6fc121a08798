package engine

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/reudp/internal/protocol"
	"github.com/1ureka/reudp/internal/session"
	"github.com/1ureka/reudp/internal/transport"
)

const (
	testInterval   = 100 * time.Millisecond
	testBufferSize = 1024
	testCeiling    = 3
	testMultiplier = 4
)

func testConfig() Config {
	return Config{
		RetryInterval:      testInterval,
		BufferSize:         testBufferSize,
		RetryCeiling:       testCeiling,
		DeadPeerMultiplier: testMultiplier,
	}
}

// newTestEngine starts an engine on the in-memory network with a mock
// clock, so retransmission and heartbeat sweeps only run when a test
// invokes them directly.
func newTestEngine(t *testing.T, net *transport.Network, mode session.Mode, clk clock.Clock) *Engine {
	t.Helper()
	e := New(net.Listen(), mode, testConfig(), clk)
	e.Start()
	t.Cleanup(func() { e.Close() })
	return e
}

// waitDelivery polls Recv until a payload arrives or the deadline passes.
func waitDelivery(t *testing.T, e *Engine) (netip.AddrPort, []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr, payload, ok := e.Recv(); ok {
			return addr, payload
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a delivery")
	return netip.AddrPort{}, nil
}

// assertNoDelivery asserts nothing reaches Recv within the window.
func assertNoDelivery(t *testing.T, e *Engine, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if addr, payload, ok := e.Recv(); ok {
			t.Fatalf("unexpected delivery from %s: %q", addr, payload)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// readFrame reads one decoded frame from a raw conn, or reports false on
// timeout.
func readFrame(t *testing.T, conn transport.PacketConn, timeout time.Duration) (*protocol.Packet, bool) {
	t.Helper()
	type result struct {
		pkt *protocol.Packet
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, testBufferSize)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			return
		}
		ch <- result{pkt: pkt}
	}()

	select {
	case r := <-ch:
		return r.pkt, true
	case <-time.After(timeout):
		return nil, false
	}
}

// waitEvent blocks until the engine emits an event of the given kind.
func waitEvent(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event kind %d", kind)
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Send / receive
// ---------------------------------------------------------------------------

func TestReliableRoundTrip(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	client := newTestEngine(t, net, session.ClientMode(server.LocalAddrPort()), clk)

	require.NoError(t, client.Send(server.LocalAddrPort(), []byte("ping"), true))

	addr, payload := waitDelivery(t, server)
	assert.Equal(t, client.LocalAddrPort(), addr)
	assert.Equal(t, []byte("ping"), payload)
	assertNoDelivery(t, server, 50*time.Millisecond)

	// The ack drains the client's pending set without any sweep running.
	require.Eventually(t, func() bool {
		peer, ok := client.Table().Get(server.LocalAddrPort())
		return ok && peer.PendingCount() == 0
	}, 2*time.Second, 2*time.Millisecond, "pending entry should be acked")

	// The server replies over the session created by the inbound packet.
	require.NoError(t, server.Send(addr, []byte("pong"), true))
	addr, payload = waitDelivery(t, client)
	assert.Equal(t, server.LocalAddrPort(), addr)
	assert.Equal(t, []byte("pong"), payload)
	assertNoDelivery(t, client, 50*time.Millisecond)
}

func TestUnreliableDeliveryTracksNothing(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	client := newTestEngine(t, net, session.ClientMode(server.LocalAddrPort()), clk)

	require.NoError(t, client.Broadcast([]byte("best effort"), false))

	_, payload := waitDelivery(t, server)
	assert.Equal(t, []byte("best effort"), payload)

	peer, ok := client.Table().Get(server.LocalAddrPort())
	require.True(t, ok)
	assert.Equal(t, 0, peer.PendingCount(), "fire-and-forget must not enter the pending set")
}

func TestPayloadTooLarge(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	client := newTestEngine(t, net, session.ClientMode(server.LocalAddrPort()), clk)

	oversized := make([]byte, testBufferSize) // header no longer fits
	err := client.Send(server.LocalAddrPort(), oversized, true)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	err = client.Broadcast(oversized, false)
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	// The largest payload that fits is accepted.
	require.NoError(t, client.Send(server.LocalAddrPort(), make([]byte, testBufferSize-protocol.HeaderSize), false))
}

// ---------------------------------------------------------------------------
// Duplicates and acks
// ---------------------------------------------------------------------------

func TestDuplicateSuppressedButReAcked(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	frame := protocol.Encode(&protocol.Packet{
		Flags:    protocol.FlagReliable,
		Sequence: 7,
		Payload:  []byte("once"),
	})

	require.NoError(t, raw.WriteTo(frame, server.LocalAddrPort()))
	_, payload := waitDelivery(t, server)
	assert.Equal(t, []byte("once"), payload)

	ack, ok := readFrame(t, raw, 2*time.Second)
	require.True(t, ok)
	assert.True(t, ack.IsAck())
	assert.Equal(t, uint32(7), ack.Ack)

	// The retransmitted copy is not re-delivered but is re-acked.
	require.NoError(t, raw.WriteTo(frame, server.LocalAddrPort()))
	ack, ok = readFrame(t, raw, 2*time.Second)
	require.True(t, ok)
	assert.True(t, ack.IsAck())
	assert.Equal(t, uint32(7), ack.Ack)

	assertNoDelivery(t, server, 50*time.Millisecond)
}

func TestStrayAckIsNoOp(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	// An ack for a sequence we never sent must not disturb anything.
	stray := protocol.Encode(&protocol.Packet{
		Flags:    protocol.FlagAck,
		Sequence: 1,
		Ack:      424242,
	})
	require.NoError(t, raw.WriteTo(stray, server.LocalAddrPort()))

	assertNoDelivery(t, server, 50*time.Millisecond)
	assert.Equal(t, 1, server.Table().Len(), "sender of a valid packet is admitted")
}

func TestMalformedDatagramDropped(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	require.NoError(t, raw.WriteTo([]byte{0x01, 0x02}, server.LocalAddrPort()))

	assertNoDelivery(t, server, 50*time.Millisecond)
	assert.Equal(t, 0, server.Table().Len(), "malformed senders get no session")
}

// ---------------------------------------------------------------------------
// Retransmission
// ---------------------------------------------------------------------------

func TestRetransmitAfterLoss(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	client := newTestEngine(t, net, session.ClientMode(server.LocalAddrPort()), clk)

	// Drop the first transmission of the reliable data frame.
	var dropped atomic.Int32
	net.SetDropFunc(func(from, to netip.AddrPort, frame []byte) bool {
		pkt, err := protocol.Decode(frame)
		if err != nil || !pkt.Reliable() || len(pkt.Payload) == 0 {
			return false
		}
		return dropped.CompareAndSwap(0, 1)
	})

	start := clk.Now()
	require.NoError(t, client.Send(server.LocalAddrPort(), []byte("lost then found"), true))
	assertNoDelivery(t, server, 50*time.Millisecond)

	// One sweep resends the frame with its original sequence number.
	client.retransmitSweep(start.Add(testInterval))

	_, payload := waitDelivery(t, server)
	assert.Equal(t, []byte("lost then found"), payload)
	assertNoDelivery(t, server, 50*time.Millisecond)
	assert.Equal(t, int32(1), dropped.Load(), "exactly one transmission was dropped")
}

func TestRetransmitAfterBurstLoss(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	client := newTestEngine(t, net, session.ClientMode(server.LocalAddrPort()), clk)

	// Drop the first two transmissions of the reliable data frame; the
	// ceiling of testCeiling leaves room for the third to get through.
	const drops = 2
	var dropped atomic.Int32
	net.SetDropFunc(func(from, to netip.AddrPort, frame []byte) bool {
		pkt, err := protocol.Decode(frame)
		if err != nil || !pkt.Reliable() || len(pkt.Payload) == 0 {
			return false
		}
		for {
			n := dropped.Load()
			if n >= drops {
				return false
			}
			if dropped.CompareAndSwap(n, n+1) {
				return true
			}
		}
	})

	now := clk.Now()
	require.NoError(t, client.Send(server.LocalAddrPort(), []byte("third time lucky"), true))
	assertNoDelivery(t, server, 50*time.Millisecond)

	now = now.Add(testInterval)
	client.retransmitSweep(now)
	assertNoDelivery(t, server, 50*time.Millisecond)

	now = now.Add(testInterval)
	client.retransmitSweep(now)

	_, payload := waitDelivery(t, server)
	assert.Equal(t, []byte("third time lucky"), payload)
	assertNoDelivery(t, server, 50*time.Millisecond)
	assert.Equal(t, int32(drops), dropped.Load(), "exactly two transmissions were dropped")

	peer, found := client.Table().Get(server.LocalAddrPort())
	require.True(t, found)
	assert.Eventually(t, func() bool { return peer.PendingCount() == 0 },
		2*time.Second, 10*time.Millisecond, "ack clears the pending entry")
}

func TestRetryCeilingExactCount(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	// The raw peer never acknowledges anything.
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	client := newTestEngine(t, net, session.ClientMode(raw.LocalAddrPort()), clk)

	start := clk.Now()
	require.NoError(t, client.Broadcast([]byte("into the void"), true))

	first, ok := readFrame(t, raw, 2*time.Second)
	require.True(t, ok)
	require.True(t, first.Reliable())
	seq := first.Sequence

	// Exactly testCeiling retransmissions, then the engine gives up.
	now := start
	for attempt := 1; attempt <= testCeiling; attempt++ {
		now = now.Add(testInterval)
		client.retransmitSweep(now)

		re, ok := readFrame(t, raw, 2*time.Second)
		require.True(t, ok, "attempt %d should retransmit", attempt)
		assert.Equal(t, seq, re.Sequence, "retransmission keeps the original sequence")
		assert.Equal(t, first.Payload, re.Payload)
	}

	now = now.Add(testInterval)
	client.retransmitSweep(now)

	ev := waitEvent(t, client, EventDeliveryFailed)
	assert.Equal(t, raw.LocalAddrPort(), ev.Addr)
	assert.Equal(t, seq, ev.Seq)

	_, ok = readFrame(t, raw, 150*time.Millisecond)
	assert.False(t, ok, "no retransmission after the ceiling")

	peer, found := client.Table().Get(raw.LocalAddrPort())
	require.True(t, found)
	assert.Equal(t, 0, peer.PendingCount())
}

// ---------------------------------------------------------------------------
// Heartbeats and liveness
// ---------------------------------------------------------------------------

func TestHeartbeatNotDeliveredToApplication(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	hb := protocol.Encode(&protocol.Packet{Flags: protocol.FlagHeartbeat, Sequence: 1})
	require.NoError(t, raw.WriteTo(hb, server.LocalAddrPort()))

	assertNoDelivery(t, server, 50*time.Millisecond)
	// A heartbeat from a new address still establishes the session.
	assert.Eventually(t, func() bool { return server.Table().Len() == 1 },
		time.Second, 2*time.Millisecond)
}

func TestHeartbeatSweepEmitsProbes(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	client := newTestEngine(t, net, session.ClientMode(raw.LocalAddrPort()), clk)

	client.heartbeatSweep(clk.Now())

	pkt, ok := readFrame(t, raw, 2*time.Second)
	require.True(t, ok)
	assert.True(t, pkt.IsHeartbeat())
	assert.Empty(t, pkt.Payload)
}

func TestDeadPeerEvicted(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	// Establish a session, then let it go silent.
	frame := protocol.Encode(&protocol.Packet{Sequence: 1, Payload: []byte("hi")})
	require.NoError(t, raw.WriteTo(frame, server.LocalAddrPort()))
	_, _ = waitDelivery(t, server)
	require.Equal(t, 1, server.Table().Len())

	threshold := time.Duration(testMultiplier) * testInterval

	// Inside the threshold the peer survives and gets a probe.
	server.heartbeatSweep(clk.Now().Add(threshold))
	assert.Equal(t, 1, server.Table().Len())

	// Past the threshold it is evicted and the event surfaced.
	server.heartbeatSweep(clk.Now().Add(threshold + time.Millisecond))
	assert.Equal(t, 0, server.Table().Len())

	ev := waitEvent(t, server, EventPeerTimedOut)
	assert.Equal(t, raw.LocalAddrPort(), ev.Addr)
}

func TestClientSendFailsAfterServerEvicted(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	client := newTestEngine(t, net, session.ClientMode(raw.LocalAddrPort()), clk)

	threshold := time.Duration(testMultiplier) * testInterval
	client.heartbeatSweep(clk.Now().Add(threshold + time.Millisecond))

	ev := waitEvent(t, client, EventPeerTimedOut)
	assert.Equal(t, raw.LocalAddrPort(), ev.Addr)

	err := client.Send(raw.LocalAddrPort(), []byte("anyone there"), true)
	require.ErrorIs(t, err, ErrUnknownPeer)
	err = client.Broadcast([]byte("anyone there"), true)
	require.ErrorIs(t, err, ErrUnknownPeer)

	// A fresh packet from the server revives the session.
	frame := protocol.Encode(&protocol.Packet{Sequence: 9, Payload: []byte("back")})
	require.NoError(t, raw.WriteTo(frame, client.LocalAddrPort()))
	_, payload := waitDelivery(t, client)
	assert.Equal(t, []byte("back"), payload)
	require.NoError(t, client.Broadcast([]byte("welcome back"), false))
}

func TestClientModeDropsStrangers(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })
	stranger := net.Listen()
	t.Cleanup(func() { stranger.Close() })

	client := newTestEngine(t, net, session.ClientMode(raw.LocalAddrPort()), clk)

	frame := protocol.Encode(&protocol.Packet{
		Flags:    protocol.FlagReliable,
		Sequence: 1,
		Payload:  []byte("ignore me"),
	})
	require.NoError(t, stranger.WriteTo(frame, client.LocalAddrPort()))

	assertNoDelivery(t, client, 50*time.Millisecond)
	assert.Equal(t, 1, client.Table().Len(), "only the configured server has a session")
}

func TestHeartbeatProbeAnswered(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	probe := protocol.Encode(&protocol.Packet{Flags: protocol.FlagHeartbeat, Sequence: 77})
	require.NoError(t, raw.WriteTo(probe, server.LocalAddrPort()))

	reply, ok := readFrame(t, raw, 2*time.Second)
	require.True(t, ok, "a probe must be answered")
	assert.True(t, reply.IsHeartbeat())
	assert.True(t, reply.IsAck(), "replies carry the ack bit so they are not answered in turn")
	assert.Equal(t, uint32(77), reply.Ack, "the reply echoes the probe's sequence")
	assert.Empty(t, reply.Payload)

	assertNoDelivery(t, server, 50*time.Millisecond)
}

func TestHeartbeatReplyNotAnsweredAgain(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	// An unsolicited reply must neither be answered (reply storm) nor
	// settle an RTT measurement, since no probe of ours is in flight.
	reply := protocol.Encode(&protocol.Packet{
		Flags:    protocol.FlagHeartbeat | protocol.FlagAck,
		Sequence: 1,
		Ack:      99,
	})
	require.NoError(t, raw.WriteTo(reply, server.LocalAddrPort()))

	_, ok := readFrame(t, raw, 150*time.Millisecond)
	assert.False(t, ok, "replies are terminal")

	_, measured := server.Ping(raw.LocalAddrPort())
	assert.False(t, measured)
}

func TestHeartbeatMeasuresRTT(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	raw := net.Listen()
	t.Cleanup(func() { raw.Close() })

	client := newTestEngine(t, net, session.ClientMode(raw.LocalAddrPort()), clk)

	_, measured := client.Ping(raw.LocalAddrPort())
	assert.False(t, measured)

	// A stray probe from the peer does not close a round trip we never
	// opened.
	stray := protocol.Encode(&protocol.Packet{Flags: protocol.FlagHeartbeat, Sequence: 1})
	require.NoError(t, raw.WriteTo(stray, client.LocalAddrPort()))
	_, ok := readFrame(t, raw, 2*time.Second) // consume our obligatory reply
	require.True(t, ok)
	_, measured = client.Ping(raw.LocalAddrPort())
	assert.False(t, measured, "only a reply to our own probe measures RTT")

	client.heartbeatSweep(clk.Now())
	probe, ok := readFrame(t, raw, 2*time.Second)
	require.True(t, ok)
	require.True(t, probe.IsHeartbeat())
	require.False(t, probe.IsAck())

	// The peer's reply, 30ms later, closes the round trip.
	clk.Add(30 * time.Millisecond)
	reply := protocol.Encode(&protocol.Packet{
		Flags:    protocol.FlagHeartbeat | protocol.FlagAck,
		Sequence: 2,
		Ack:      probe.Sequence,
	})
	require.NoError(t, raw.WriteTo(reply, client.LocalAddrPort()))

	require.Eventually(t, func() bool {
		_, measured := client.Ping(raw.LocalAddrPort())
		return measured
	}, 2*time.Second, 2*time.Millisecond)

	rtt, _ := client.Ping(raw.LocalAddrPort())
	assert.Equal(t, 30*time.Millisecond, rtt)
}

func TestTwoEnginesMeasureRTT(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	client := newTestEngine(t, net, session.ClientMode(server.LocalAddrPort()), clk)

	// One probe into a live engine is enough: the reply comes from the
	// protocol itself, not from the peer's own heartbeat schedule.
	client.heartbeatSweep(clk.Now())

	require.Eventually(t, func() bool {
		_, measured := client.Ping(server.LocalAddrPort())
		return measured
	}, 2*time.Second, 2*time.Millisecond, "probe into a live engine must be answered")
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestCloseStopsEverything(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewMock()

	server := newTestEngine(t, net, session.ServerMode(), clk)
	client := newTestEngine(t, net, session.ClientMode(server.LocalAddrPort()), clk)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "Close is idempotent")

	err := client.Send(server.LocalAddrPort(), []byte("late"), true)
	require.ErrorIs(t, err, ErrClosed)
}
