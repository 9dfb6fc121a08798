package transport

import (
	"fmt"
	"net"
	"net/netip"
)

// udpConn adapts a bound *net.UDPConn to the PacketConn interface.
type udpConn struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket on the given local address ("host:port",
// port 0 picks an ephemeral port).
func ListenUDP(bindAddr string) (PacketConn, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", bindAddr, err)
	}
	return &udpConn{conn: conn}, nil
}

func (u *udpConn) WriteTo(b []byte, addr netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(b, addr)
	return err
}

func (u *udpConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, addr, err := u.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	// Normalize so the same peer always maps to the same session key,
	// whether the kernel reports it as IPv4 or IPv4-in-IPv6.
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

func (u *udpConn) LocalAddrPort() netip.AddrPort {
	addr := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func (u *udpConn) Close() error {
	return u.conn.Close()
}
