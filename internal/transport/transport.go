// Package transport provides the datagram primitives the reliability layer
// runs on: a real UDP binding and an in-memory packet network with loss
// injection for tests.
package transport

import "net/netip"

// PacketConn is the datagram capability consumed by the engine: send bytes
// to an address, receive bytes with the sender address. ReadFrom blocks
// until a datagram arrives or the conn is closed; all other methods are
// non-blocking.
type PacketConn interface {
	WriteTo(b []byte, addr netip.AddrPort) error
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	LocalAddrPort() netip.AddrPort
	Close() error
}
