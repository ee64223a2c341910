package csp

import (
	"encoding/binary"
	"fmt"
)

// Packet flag bits, carried in the low nibble of the packed identifier.
const (
	FlagCRC32 uint8 = 0x01 // CRC32 appended
	FlagRDP   uint8 = 0x02 // Reliable datagram protocol
	FlagXTEA  uint8 = 0x04 // XTEA encrypted (carried, not acted on)
	FlagHMAC  uint8 = 0x08 // HMAC appended (carried, not acted on)
)

// Well-known ports.
const (
	PortPing uint8 = 1  // echo service
	PortAny  uint8 = 63 // wildcard bind
)

// MaxAddress is the highest node address expressible in the 5-bit field.
const MaxAddress uint8 = 31

// ID is the CSP packet identifier, packed into 32 bits on the wire:
// priority(2) source(5) destination(5) destination-port(6) source-port(6)
// reserved(4) flags(4), network byte order.
type ID struct {
	Priority    uint8
	Source      uint8
	Destination uint8
	DestPort    uint8
	SourcePort  uint8
	Flags       uint8
}

// Priorities.
const (
	PrioCritical uint8 = 0
	PrioHigh     uint8 = 1
	PrioNormal   uint8 = 2
	PrioLow      uint8 = 3
)

// IDSize is the wire size of a packed identifier.
const IDSize = 4

// Pack encodes the identifier into its 32-bit wire representation.
func (id ID) Pack() uint32 {
	return uint32(id.Priority&0x03)<<30 |
		uint32(id.Source&0x1F)<<25 |
		uint32(id.Destination&0x1F)<<20 |
		uint32(id.DestPort&0x3F)<<14 |
		uint32(id.SourcePort&0x3F)<<8 |
		uint32(id.Flags&0x0F)
}

// UnpackID decodes a 32-bit wire identifier.
func UnpackID(v uint32) ID {
	return ID{
		Priority:    uint8(v >> 30 & 0x03),
		Source:      uint8(v >> 25 & 0x1F),
		Destination: uint8(v >> 20 & 0x1F),
		DestPort:    uint8(v >> 14 & 0x3F),
		SourcePort:  uint8(v >> 8 & 0x3F),
		Flags:       uint8(v & 0x0F),
	}
}

// AppendID appends the packed identifier in network order.
func AppendID(data []byte, id ID) []byte {
	var buf [IDSize]byte
	binary.BigEndian.PutUint32(buf[:], id.Pack())
	return append(data, buf[:]...)
}

// ParseID reads a packed identifier from the head of a frame and returns
// the remaining bytes.
func ParseID(data []byte) (ID, []byte, error) {
	if len(data) < IDSize {
		return ID{}, nil, fmt.Errorf("csp: frame too short for id: %d bytes", len(data))
	}
	return UnpackID(binary.BigEndian.Uint32(data[:IDSize])), data[IDSize:], nil
}

// Reply returns the identifier for a response to a packet carrying id,
// with source and destination (and ports) swapped.
func (id ID) Reply() ID {
	return ID{
		Priority:    id.Priority,
		Source:      id.Destination,
		Destination: id.Source,
		DestPort:    id.SourcePort,
		SourcePort:  id.DestPort,
		Flags:       id.Flags,
	}
}

func (id ID) String() string {
	return fmt.Sprintf("S %d:%d, D %d:%d, Pr %d, Fl 0x%02X",
		id.Source, id.SourcePort, id.Destination, id.DestPort, id.Priority, id.Flags)
}
