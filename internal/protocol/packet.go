// Package protocol defines the packet format for the reliability layer.
package protocol

// Flag bits carried in the packet header.
const (
	FlagReliable  uint8 = 0x01 // sender tracks this packet until acknowledged
	FlagAck       uint8 = 0x02 // Ack field carries a valid sequence number
	FlagHeartbeat uint8 = 0x04 // liveness probe, never delivered to the application
)

// HeaderSize is the fixed header size: Flags(1) + Sequence(4) + Ack(4).
const HeaderSize = 9

// Packet represents one datagram exchanged between peers.
type Packet struct {
	Flags    uint8  // FlagReliable / FlagAck / FlagHeartbeat bit set
	Sequence uint32 // sender-assigned, monotonic per peer, wraps
	Ack      uint32 // sequence being acknowledged; valid iff FlagAck is set
	Payload  []byte // application bytes, empty for pure ACK/HEARTBEAT
}

// Reliable reports whether the sender expects an acknowledgment.
func (p *Packet) Reliable() bool { return p.Flags&FlagReliable != 0 }

// IsAck reports whether the Ack field carries a valid sequence number.
func (p *Packet) IsAck() bool { return p.Flags&FlagAck != 0 }

// IsHeartbeat reports whether the packet is a liveness probe.
func (p *Packet) IsHeartbeat() bool { return p.Flags&FlagHeartbeat != 0 }

// SeqLess compares two sequence numbers in serial-number arithmetic, so the
// comparison stays correct across uint32 wraparound.
func SeqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
