// Package wire implements the on-the-wire encoding shared by every node:
// data-packet headers and the SlaveMessage/MasterMessage control frames
// that travel on the same socket under the reserved pipeId 0.
//
// Decoding never reinterprets a datagram's memory in place. Every datagram
// a slave receives is decoded by first reading the leading 4-byte pipeId;
// a nonzero value means a data packet header follows, a zero value means
// a MasterMessage follows, and the two code paths never alias the same
// bytes. The master receives only SlaveMessages, which have no framing
// pipeId and are decoded directly.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length in bytes of a data packet's header: pipeId
// followed by streamPos, both little-endian u32.
const HeaderSize = 8

// PacketHeader is the fixed leading portion of every data packet. The
// payload itself is not part of this type; callers decode it into their
// own pooled buffer.
type PacketHeader struct {
	PipeID    uint32
	StreamPos uint32
}

// EncodeHeader writes h into the first HeaderSize bytes of dst. dst must
// have length at least HeaderSize.
func EncodeHeader(dst []byte, h PacketHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], h.PipeID)
	binary.LittleEndian.PutUint32(dst[4:8], h.StreamPos)
}

// DecodeHeader reads a PacketHeader from the first HeaderSize bytes of
// src. It returns an error if src is too short.
func DecodeHeader(src []byte) (PacketHeader, error) {
	if len(src) < HeaderSize {
		return PacketHeader{}, fmt.Errorf("wire: short datagram: %d bytes, need at least %d", len(src), HeaderSize)
	}
	return PacketHeader{
		PipeID:    binary.LittleEndian.Uint32(src[0:4]),
		StreamPos: binary.LittleEndian.Uint32(src[4:8]),
	}, nil
}

// PeekPipeID reads only the leading pipeId field, without validating the
// rest of the datagram. Used to decide whether to decode a data header or
// a control message.
func PeekPipeID(src []byte) (uint32, error) {
	if len(src) < 4 {
		return 0, fmt.Errorf("wire: datagram too short to carry a pipeId: %d bytes", len(src))
	}
	return binary.LittleEndian.Uint32(src[0:4]), nil
}
