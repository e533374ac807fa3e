// Package wire implements the SMP frame header and packet codecs.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidHeaderSize is returned when decoding a buffer shorter than a
// full SMP header.
var ErrInvalidHeaderSize = errors.New("smp: invalid header size")

// HeaderLength is the size in bytes of an encoded SMP header.
const HeaderLength = 8

// Op is the SMP operation code, carried in the top two bits of the first
// header byte.
type Op uint8

const (
	OpRead Op = iota
	OpReadResponse
	OpWrite
	OpWriteResponse
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpReadResponse:
		return "read-response"
	case OpWrite:
		return "write"
	case OpWriteResponse:
		return "write-response"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// IsResponse reports whether the op marks a response frame.
func (o Op) IsResponse() bool {
	return o == OpReadResponse || o == OpWriteResponse
}

// Protocol versions, carried in the bottom three bits of the first header
// byte.
const (
	VersionLegacy uint8 = 0b00
	Version2      uint8 = 0b01
)

// Header is the 8-byte SMP frame header described in the wire format:
//
//	byte 0: op:2 | reserved:3 | version:3
//	byte 1: flags:8
//	bytes 2-3: length:16 (big endian)
//	bytes 4-5: group:16 (big endian)
//	byte 6: sequence:8
//	byte 7: command_id:8
type Header struct {
	Op        Op
	Reserved  uint8
	Version   uint8
	Flags     uint8
	Length    uint16
	Group     uint16
	Sequence  uint8
	CommandID uint8
}

// Encode serializes the header to its 8-byte wire representation.
func (h Header) Encode() [HeaderLength]byte {
	var b [HeaderLength]byte

	b[0] = (uint8(h.Op)&0x03)<<6 | (h.Reserved&0x07)<<3 | (h.Version & 0x07)
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint16(b[4:6], h.Group)
	b[6] = h.Sequence
	b[7] = h.CommandID

	return b
}

// DecodeHeader parses an 8-byte SMP header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHeaderSize, len(b), HeaderLength)
	}

	return Header{
		Op:        Op((b[0] >> 6) & 0x03),
		Reserved:  (b[0] >> 3) & 0x07,
		Version:   b[0] & 0x07,
		Flags:     b[1],
		Length:    binary.BigEndian.Uint16(b[2:4]),
		Group:     binary.BigEndian.Uint16(b[4:6]),
		Sequence:  b[6],
		CommandID: b[7],
	}, nil
}
