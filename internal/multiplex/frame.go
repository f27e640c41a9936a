package multiplex

import (
	"encoding/binary"
	"fmt"
)

type FrameType uint16

const (
	FrameData FrameType = iota + 1
	FrameChannelQuery
	FrameChannelAllow
	FrameChannelDeny
	FramePing
	FramePong
	FrameDeliveryAck
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameChannelQuery:
		return "channel-query"
	case FrameChannelAllow:
		return "channel-allow"
	case FrameChannelDeny:
		return "channel-deny"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameDeliveryAck:
		return "delivery-ack"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

func (t FrameType) isControl() bool {
	return t >= FrameChannelQuery && t <= FrameDeliveryAck
}

// header: [frame size 2 bytes][type 2 bytes][channel id 4 bytes][packet id 4 bytes][total length 4 bytes][offset 4 bytes]
// total length and offset are zero for control frames
const HeaderLength = 20

const (
	// MaxFrameSize is the largest frame put on the wire, header included
	MaxFrameSize = 1 << 14
	MaxChunkSize = MaxFrameSize - HeaderLength

	defaultMaxPacketSize = 64 << 20
)

var u16 = binary.BigEndian.Uint16
var u32 = binary.BigEndian.Uint32
var putU16 = binary.BigEndian.PutUint16
var putU32 = binary.BigEndian.PutUint32

// Header is the fixed part of every frame. Control frames are made of a Header only.
type Header [HeaderLength]byte

func (h *Header) FrameSize() int    { return int(u16(h[0:2])) }
func (h *Header) Type() FrameType   { return FrameType(u16(h[2:4])) }
func (h *Header) ChannelID() uint32 { return u32(h[4:8]) }
func (h *Header) PacketID() uint32  { return u32(h[8:12]) }
func (h *Header) DataLength() int   { return int(u32(h[12:16])) }
func (h *Header) Offset() int       { return int(u32(h[16:20])) }
func (h *Header) ChunkLength() int  { return h.FrameSize() - HeaderLength }
func (h *Header) String() string {
	return fmt.Sprintf("%v channel:%v packet:%v size:%v", h.Type(), h.ChannelID(), h.PacketID(), h.FrameSize())
}

func (h *Header) put(size int, t FrameType, channelID, packetID uint32, dataLength, offset int) {
	putU16(h[0:2], uint16(size))
	putU16(h[2:4], uint16(t))
	putU32(h[4:8], channelID)
	putU32(h[8:12], packetID)
	putU32(h[12:16], uint32(dataLength))
	putU32(h[16:20], uint32(offset))
}
