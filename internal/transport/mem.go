package transport

import (
	"net"
	"net/netip"
	"sync"
)

const memInboxSize = 256

// Network is an in-memory datagram fabric. Conns obtained from Listen can
// exchange frames with each other, and an optional drop hook decides per
// frame whether it reaches its destination. Used by tests to simulate
// packet loss deterministically.
type Network struct {
	mu       sync.Mutex
	conns    map[netip.AddrPort]*memConn
	nextPort uint16
	drop     func(from, to netip.AddrPort, frame []byte) bool
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{
		conns:    make(map[netip.AddrPort]*memConn),
		nextPort: 40000,
	}
}

// SetDropFunc installs a hook consulted for every frame. Returning true
// drops the frame. A nil hook delivers everything.
func (n *Network) SetDropFunc(fn func(from, to netip.AddrPort, frame []byte) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// Listen attaches a new conn to the network on the next free port.
func (n *Network) Listen() PacketConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), n.nextPort)
	n.nextPort++

	c := &memConn{
		net:    n,
		local:  addr,
		inbox:  make(chan memFrame, memInboxSize),
		closed: make(chan struct{}),
	}
	n.conns[addr] = c
	return c
}

// deliver routes a frame to the destination conn's inbox. Frames to unknown
// addresses or full inboxes vanish, matching UDP semantics.
func (n *Network) deliver(from, to netip.AddrPort, frame []byte) {
	n.mu.Lock()
	drop := n.drop
	dst, ok := n.conns[to]
	n.mu.Unlock()

	if !ok {
		return
	}
	if drop != nil && drop(from, to, frame) {
		return
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case dst.inbox <- memFrame{from: from, data: buf}:
	default:
	}
}

func (n *Network) detach(addr netip.AddrPort) {
	n.mu.Lock()
	delete(n.conns, addr)
	n.mu.Unlock()
}

type memFrame struct {
	from netip.AddrPort
	data []byte
}

type memConn struct {
	net   *Network
	local netip.AddrPort

	inbox     chan memFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memConn) WriteTo(b []byte, addr netip.AddrPort) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.net.deliver(c.local, addr, b)
	return nil
}

func (c *memConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	select {
	case f := <-c.inbox:
		n := copy(b, f.data)
		return n, f.from, nil
	case <-c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (c *memConn) LocalAddrPort() netip.AddrPort { return c.local }

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.detach(c.local)
	})
	return nil
}
