// Package session holds per-peer reliability state and the mode-aware
// peer table shared by the engine and its background sweeps.
package session

import "net/netip"

// Mode selects between the two peer-management behaviors. It is fixed for
// the lifetime of a handle.
type Mode struct {
	remote netip.AddrPort
	client bool
}

// ServerMode accepts packets from any address, creating a session per
// distinct client.
func ServerMode() Mode { return Mode{} }

// ClientMode binds the table to a single fixed server address.
func ClientMode(remote netip.AddrPort) Mode {
	return Mode{remote: remote, client: true}
}

// IsClient reports whether the table is bound to a single remote peer.
func (m Mode) IsClient() bool { return m.client }

// Remote returns the configured server address. Only meaningful in
// client mode.
func (m Mode) Remote() netip.AddrPort { return m.remote }

func (m Mode) String() string {
	if m.client {
		return "client(" + m.remote.String() + ")"
	}
	return "server"
}
