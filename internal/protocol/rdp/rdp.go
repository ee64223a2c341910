// Package rdp implements the wire format of the Reliable Datagram Protocol
// carried inside CSP packets. The RDP header is a 5-byte trailer appended
// after the payload; SYN and EACK packets carry an additional payload in
// front of it.
package rdp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header flag bits. The flag byte is the first byte of the trailer.
const (
	FlagRST uint8 = 0x80 // Reset
	FlagEAK uint8 = 0x40 // Extended-ack payload present
	FlagACK uint8 = 0x20 // AckNr valid
	FlagSYN uint8 = 0x10 // Handshake
	// Low four bits are reserved and must be zero.
	flagReserved uint8 = 0x0F
)

const (
	// HeaderSize is the size of the RDP trailer: flags(1) + seq(2) + ack(2).
	HeaderSize = 5

	// SynPayloadSize is the exact size of the SYN parameter block: six
	// network-order uint32 fields. Any other length is a protocol violation.
	SynPayloadSize = 24
)

// Errors
var (
	ErrInvalidHeader  = errors.New("rdp: invalid header")
	ErrReservedFlags  = errors.New("rdp: reserved flag bits set")
	ErrInvalidSynSize = errors.New("rdp: SYN payload has unexpected size")
	ErrInvalidEack    = errors.New("rdp: EACK payload not a multiple of 2")
)

// Header represents the RDP trailer in host order.
type Header struct {
	Flags uint8
	SeqNr uint16
	AckNr uint16
}

// HasFlag checks if a specific flag is set.
func (h *Header) HasFlag(flag uint8) bool {
	return h.Flags&flag != 0
}

// IsSYN returns true if the handshake flag is set.
func (h *Header) IsSYN() bool { return h.HasFlag(FlagSYN) }

// IsACK returns true if AckNr is valid.
func (h *Header) IsACK() bool { return h.HasFlag(FlagACK) }

// IsRST returns true if the reset flag is set.
func (h *Header) IsRST() bool { return h.HasFlag(FlagRST) }

// IsEAK returns true if an extended-ack payload precedes the trailer.
func (h *Header) IsEAK() bool { return h.HasFlag(FlagEAK) }

// Append serializes the header and appends it to data, returning the
// extended slice. The payload (and any SYN/EACK block) must already be
// in place.
func (h *Header) Append(data []byte) []byte {
	var buf [HeaderSize]byte
	buf[0] = h.Flags &^ flagReserved
	binary.BigEndian.PutUint16(buf[1:3], h.SeqNr)
	binary.BigEndian.PutUint16(buf[3:5], h.AckNr)
	return append(data, buf[:]...)
}

// Strip parses the trailer from the end of data and returns the header and
// the remaining bytes (payload plus any SYN/EACK block).
func Strip(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}
	off := len(data) - HeaderSize
	h := Header{
		Flags: data[off],
		SeqNr: binary.BigEndian.Uint16(data[off+1 : off+3]),
		AckNr: binary.BigEndian.Uint16(data[off+3 : off+5]),
	}
	if h.Flags&flagReserved != 0 {
		return Header{}, nil, ErrReservedFlags
	}
	return h, data[:off], nil
}

// SynPayload is the parameter block carried by SYN packets. The passive
// side adopts the initiator's values verbatim.
type SynPayload struct {
	WindowSize      uint32
	ConnTimeoutMS   uint32
	PacketTimeoutMS uint32
	DelayedAcks     uint32
	AckTimeoutMS    uint32
	AckDelayCount   uint32
}

// AppendSyn serializes the SYN parameter block and appends it to data.
func (s *SynPayload) AppendSyn(data []byte) []byte {
	var buf [SynPayloadSize]byte
	binary.BigEndian.PutUint32(buf[0:4], s.WindowSize)
	binary.BigEndian.PutUint32(buf[4:8], s.ConnTimeoutMS)
	binary.BigEndian.PutUint32(buf[8:12], s.PacketTimeoutMS)
	binary.BigEndian.PutUint32(buf[12:16], s.DelayedAcks)
	binary.BigEndian.PutUint32(buf[16:20], s.AckTimeoutMS)
	binary.BigEndian.PutUint32(buf[20:24], s.AckDelayCount)
	return append(data, buf[:]...)
}

// ParseSyn parses a SYN parameter block. The block length is authoritative:
// anything other than exactly 24 bytes is rejected, never truncated.
func ParseSyn(data []byte) (SynPayload, error) {
	if len(data) != SynPayloadSize {
		return SynPayload{}, fmt.Errorf("%w: %d bytes", ErrInvalidSynSize, len(data))
	}
	return SynPayload{
		WindowSize:      binary.BigEndian.Uint32(data[0:4]),
		ConnTimeoutMS:   binary.BigEndian.Uint32(data[4:8]),
		PacketTimeoutMS: binary.BigEndian.Uint32(data[8:12]),
		DelayedAcks:     binary.BigEndian.Uint32(data[12:16]),
		AckTimeoutMS:    binary.BigEndian.Uint32(data[16:20]),
		AckDelayCount:   binary.BigEndian.Uint32(data[20:24]),
	}, nil
}

// AppendEack serializes the list of out-of-order sequence numbers carried
// by an EACK packet and appends it to data.
func AppendEack(data []byte, seqs []uint16) []byte {
	for _, sq := range seqs {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], sq)
		data = append(data, buf[:]...)
	}
	return data
}

// ParseEack parses an EACK payload into the list of selectively
// acknowledged sequence numbers.
func ParseEack(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEack, len(data))
	}
	seqs := make([]uint16, 0, len(data)/2)
	for off := 0; off < len(data); off += 2 {
		seqs = append(seqs, binary.BigEndian.Uint16(data[off:off+2]))
	}
	return seqs, nil
}

// FlagsString returns a human-readable description of header flags.
func FlagsString(flags uint8) string {
	var parts []string
	if flags&FlagSYN != 0 {
		parts = append(parts, "SYN")
	}
	if flags&FlagACK != 0 {
		parts = append(parts, "ACK")
	}
	if flags&FlagEAK != 0 {
		parts = append(parts, "EAK")
	}
	if flags&FlagRST != 0 {
		parts = append(parts, "RST")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return fmt.Sprintf("%v", parts)
}
