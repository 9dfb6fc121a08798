package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Packet into a byte slice ready for the wire.
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload)
	buf := make([]byte, size)
	buf[0] = pkt.Flags
	binary.BigEndian.PutUint32(buf[1:5], pkt.Sequence)
	binary.BigEndian.PutUint32(buf[5:9], pkt.Ack)
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderSize:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := &Packet{
		Flags:    data[0],
		Sequence: binary.BigEndian.Uint32(data[1:5]),
		Ack:      binary.BigEndian.Uint32(data[5:9]),
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
