package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageID discriminates the kind of control message carried inside a
// SlaveMessage or MasterMessage frame.
type MessageID uint8

const (
	MessageConnection MessageID = iota
	MessagePing
	MessageCreatePipe
	MessageAcknowledgment
	MessagePacketLoss
	MessageBarrier
	MessageGather
)

func (m MessageID) String() string {
	switch m {
	case MessageConnection:
		return "CONNECTION"
	case MessagePing:
		return "PING"
	case MessageCreatePipe:
		return "CREATEPIPE"
	case MessageAcknowledgment:
		return "ACKNOWLEDGMENT"
	case MessagePacketLoss:
		return "PACKETLOSS"
	case MessageBarrier:
		return "BARRIER"
	case MessageGather:
		return "GATHER"
	default:
		return fmt.Sprintf("MessageID(%d)", uint8(m))
	}
}

// SlaveMessageSize is the fixed encoded length of a SlaveMessage.
const SlaveMessageSize = 4 + 4 + 1 + 4 + 4 + 4 + 4

// SlaveMessage is sent by a slave to the master. It carries no framing
// pipeId: its leading field is NodeIndex, and the master decodes every
// datagram it receives as a SlaveMessage. Its PipeID field names the
// data pipe the message concerns.
type SlaveMessage struct {
	NodeIndex  uint32
	PipeID     uint32
	MessageID  MessageID
	BarrierID  uint32
	StreamPos  uint32
	PacketPos  uint32
	SlaveValue uint32
}

// Encode appends the wire form of m to dst and returns the result.
func (m SlaveMessage) Encode(dst []byte) []byte {
	var buf [SlaveMessageSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], m.NodeIndex)
	binary.LittleEndian.PutUint32(buf[4:8], m.PipeID)
	buf[8] = byte(m.MessageID)
	binary.LittleEndian.PutUint32(buf[9:13], m.BarrierID)
	binary.LittleEndian.PutUint32(buf[13:17], m.StreamPos)
	binary.LittleEndian.PutUint32(buf[17:21], m.PacketPos)
	binary.LittleEndian.PutUint32(buf[21:25], m.SlaveValue)
	return append(dst, buf[:]...)
}

// DecodeSlaveMessage parses a SlaveMessage from src.
func DecodeSlaveMessage(src []byte) (SlaveMessage, error) {
	if len(src) < SlaveMessageSize {
		return SlaveMessage{}, fmt.Errorf("wire: short SlaveMessage: %d bytes, need %d", len(src), SlaveMessageSize)
	}
	return SlaveMessage{
		NodeIndex:  binary.LittleEndian.Uint32(src[0:4]),
		PipeID:     binary.LittleEndian.Uint32(src[4:8]),
		MessageID:  MessageID(src[8]),
		BarrierID:  binary.LittleEndian.Uint32(src[9:13]),
		StreamPos:  binary.LittleEndian.Uint32(src[13:17]),
		PacketPos:  binary.LittleEndian.Uint32(src[17:21]),
		SlaveValue: binary.LittleEndian.Uint32(src[21:25]),
	}, nil
}

// MasterMessageSize is the fixed encoded length of a MasterMessage.
const MasterMessageSize = 4 + 1 + 4 + 4 + 4

// MasterMessage is multicast by the master to every slave over the
// control pipe. Its on-wire PipeID is always 0 (framing); TargetPipeID
// names the data pipe the message concerns.
type MasterMessage struct {
	MessageID    MessageID
	TargetPipeID uint32
	BarrierID    uint32
	MasterValue  uint32
}

// Encode appends the wire form of m to dst and returns the result. The
// leading framing pipeId is always written as 0.
func (m MasterMessage) Encode(dst []byte) []byte {
	var buf [MasterMessageSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], 0)
	buf[4] = byte(m.MessageID)
	binary.LittleEndian.PutUint32(buf[5:9], m.TargetPipeID)
	binary.LittleEndian.PutUint32(buf[9:13], m.BarrierID)
	binary.LittleEndian.PutUint32(buf[13:17], m.MasterValue)
	return append(dst, buf[:]...)
}

// DecodeMasterMessage parses a MasterMessage from src. src is expected to
// start at the framing pipeId (which must be 0); callers that already
// consumed the pipeId via PeekPipeID should pass the full datagram anyway
// so field offsets line up with Encode.
func DecodeMasterMessage(src []byte) (MasterMessage, error) {
	if len(src) < MasterMessageSize {
		return MasterMessage{}, fmt.Errorf("wire: short MasterMessage: %d bytes, need %d", len(src), MasterMessageSize)
	}
	return MasterMessage{
		MessageID:    MessageID(src[4]),
		TargetPipeID: binary.LittleEndian.Uint32(src[5:9]),
		BarrierID:    binary.LittleEndian.Uint32(src[9:13]),
		MasterValue:  binary.LittleEndian.Uint32(src[13:17]),
	}, nil
}
