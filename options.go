package reudp

import (
	"github.com/benbjohnson/clock"

	"github.com/1ureka/reudp/internal/transport"
)

// Defaults for the policy knobs the wire protocol leaves open.
const (
	// DefaultRetryCeiling is the number of retransmission attempts before a
	// reliable message is declared undeliverable.
	DefaultRetryCeiling = 5

	// DefaultDeadPeerMultiplier scales the retry interval into the silence
	// threshold after which a peer is evicted.
	DefaultDeadPeerMultiplier = 4
)

type options struct {
	retryCeiling       int
	deadPeerMultiplier int
	clk                clock.Clock
	conn               transport.PacketConn
}

func defaultOptions() options {
	return options{
		retryCeiling:       DefaultRetryCeiling,
		deadPeerMultiplier: DefaultDeadPeerMultiplier,
		clk:                clock.New(),
	}
}

// Option customizes a handle at construction time.
type Option func(*options)

// WithRetryCeiling overrides the maximum number of retransmission attempts
// per reliable message.
func WithRetryCeiling(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retryCeiling = n
		}
	}
}

// WithDeadPeerMultiplier overrides how many silent retry intervals are
// tolerated before a peer is evicted.
func WithDeadPeerMultiplier(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.deadPeerMultiplier = n
		}
	}
}

// WithClock substitutes the wall clock driving retransmission and
// heartbeat sweeps. Mock clocks make both deterministic under test.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clk = clk
		}
	}
}

// withPacketConn substitutes the bound UDP socket with another transport.
// Used by tests to run the full stack over the in-memory network.
func withPacketConn(conn transport.PacketConn) Option {
	return func(o *options) {
		o.conn = conn
	}
}
