package multiplex

import "sync/atomic"

// PacketIDAllocator hands out packet ids. Ids are unique for as long as the allocator is shared and never 0.
type PacketIDAllocator struct {
	// atomic
	last uint32
}

// DefaultPacketIDs is shared by every Multiplexer that isn't given its own allocator
var DefaultPacketIDs = &PacketIDAllocator{}

func (a *PacketIDAllocator) Next() uint32 {
	id := atomic.AddUint32(&a.last, 1)
	if id == 0 {
		// wrapped around
		id = atomic.AddUint32(&a.last, 1)
	}
	return id
}

// Packet is one outbound message. data belongs to the caller and must not be modified until the owning
// Service is told it has been sent.
type Packet struct {
	channelID uint32
	packetID  uint32
	data      []byte

	sentLength  int
	chunkLength int
}

func makePacket(channelID, packetID uint32, data []byte) *Packet {
	return &Packet{
		channelID: channelID,
		packetID:  packetID,
		data:      data,
	}
}

func (p *Packet) ChannelID() uint32 { return p.channelID }
func (p *Packet) PacketID() uint32  { return p.packetID }
func (p *Packet) Data() []byte      { return p.data }
func (p *Packet) SentLength() int   { return p.sentLength }
func (p *Packet) fullySent() bool   { return p.sentLength == len(p.data) }
