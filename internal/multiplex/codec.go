package multiplex

import (
	"errors"
	"fmt"
)

type DecodeStatus int

const (
	DecodeOK DecodeStatus = iota
	// DecodeIncomplete means the input was consumed but did not finish anything deliverable: either the
	// buffer ended mid-frame or the frame carried a non-final chunk of a packet
	DecodeIncomplete
	DecodeInvalid
)

var (
	ErrFrameSize      = errors.New("frame size out of range")
	ErrFrameType      = errors.New("unknown frame type")
	ErrControlPayload = errors.New("control frame carries a payload")
	ErrEmptyChunk     = errors.New("data frame carries no payload")
	ErrPacketSize     = errors.New("packet length out of range")
	ErrChunkOverrun   = errors.New("chunk exceeds packet length")
	ErrChunkOffset    = errors.New("chunk does not continue the packet being reassembled")
)

// EncodeDataFrame writes the header of the next data frame of a packet and returns how many payload bytes the
// frame carries
func EncodeDataFrame(h *Header, channelID, packetID uint32, dataLength, sentOffset int) int {
	chunkLength := dataLength - sentOffset
	if chunkLength > MaxChunkSize {
		chunkLength = MaxChunkSize
	}
	h.put(HeaderLength+chunkLength, FrameData, channelID, packetID, dataLength, sentOffset)
	return chunkLength
}

func EncodeControlFrame(h *Header, t FrameType, channelID, packetID uint32) {
	h.put(HeaderLength, t, channelID, packetID, 0, 0)
}

type DecodeResult struct {
	Type      FrameType
	ChannelID uint32
	PacketID  uint32
	// Data is the whole packet, set on the frame that completes it. It is owned by the receiver.
	Data []byte
	// DecodedSize is the number of input bytes consumed by this call
	DecodedSize int
	// Err describes why the input was rejected when the status is DecodeInvalid
	Err error
}

// Decoder turns a byte stream into frames. It keeps a partially received frame between calls and reassembles
// the chunks of the packet currently being received. A Decoder is not safe for concurrent use.
type Decoder struct {
	MaxPacketSize int

	partial []byte

	// packet being reassembled, nil if none
	packet          []byte
	packetChannelID uint32
	packetID        uint32
}

func NewDecoder(maxPacketSize int) *Decoder {
	if maxPacketSize <= 0 {
		maxPacketSize = defaultMaxPacketSize
	}
	return &Decoder{
		MaxPacketSize: maxPacketSize,
		partial:       make([]byte, 0, MaxFrameSize),
	}
}

// Reset drops any partial frame and packet
func (d *Decoder) Reset() {
	d.partial = d.partial[:0]
	d.packet = nil
}

// Decode consumes one frame from the front of buf
func (d *Decoder) Decode(buf []byte) (DecodeStatus, DecodeResult) {
	var r DecodeResult
	var frame []byte
	if len(d.partial) > 0 || len(buf) < HeaderLength {
		n, err := d.fill(buf)
		r.DecodedSize = n
		if err != nil {
			r.Err = err
			return DecodeInvalid, r
		}
		if len(d.partial) < HeaderLength || len(d.partial) < frameSize(d.partial) {
			return DecodeIncomplete, r
		}
		frame = d.partial
	} else {
		size := frameSize(buf)
		if size < HeaderLength || size > MaxFrameSize {
			r.Err = fmt.Errorf("%w: %v", ErrFrameSize, size)
			return DecodeInvalid, r
		}
		if len(buf) < size {
			n, _ := d.fill(buf)
			r.DecodedSize = n
			return DecodeIncomplete, r
		}
		frame = buf[:size]
		r.DecodedSize = size
	}

	status := d.decodeFrame(frame, &r)
	d.partial = d.partial[:0]
	return status, r
}

func frameSize(b []byte) int { return int(u16(b[0:2])) }

// fill moves bytes from buf into the partial frame until either the frame is complete or buf runs out
func (d *Decoder) fill(buf []byte) (int, error) {
	consumed := 0
	if len(d.partial) < HeaderLength {
		n := HeaderLength - len(d.partial)
		if n > len(buf) {
			n = len(buf)
		}
		d.partial = append(d.partial, buf[:n]...)
		consumed += n
		if len(d.partial) < HeaderLength {
			return consumed, nil
		}
	}
	size := frameSize(d.partial)
	if size < HeaderLength || size > MaxFrameSize {
		return consumed, fmt.Errorf("%w: %v", ErrFrameSize, size)
	}
	n := size - len(d.partial)
	if n > len(buf)-consumed {
		n = len(buf) - consumed
	}
	d.partial = append(d.partial, buf[consumed:consumed+n]...)
	return consumed + n, nil
}

func (d *Decoder) decodeFrame(frame []byte, r *DecodeResult) DecodeStatus {
	var h Header
	copy(h[:], frame[:HeaderLength])
	r.Type = h.Type()
	r.ChannelID = h.ChannelID()
	r.PacketID = h.PacketID()

	if r.Type.isControl() {
		if h.FrameSize() != HeaderLength {
			r.Err = ErrControlPayload
			return DecodeInvalid
		}
		return DecodeOK
	}
	if r.Type != FrameData {
		r.Err = fmt.Errorf("%w: %v", ErrFrameType, uint16(r.Type))
		return DecodeInvalid
	}

	chunk := frame[HeaderLength:]
	total := h.DataLength()
	offset := h.Offset()
	switch {
	case len(chunk) == 0:
		r.Err = ErrEmptyChunk
		return DecodeInvalid
	case total <= 0 || total > d.MaxPacketSize:
		r.Err = fmt.Errorf("%w: %v", ErrPacketSize, total)
		return DecodeInvalid
	case offset+len(chunk) > total:
		r.Err = ErrChunkOverrun
		return DecodeInvalid
	}

	if offset == 0 {
		if d.packet != nil {
			r.Err = fmt.Errorf("%w: packet %v started while %v is incomplete", ErrChunkOffset, r.PacketID, d.packetID)
			return DecodeInvalid
		}
		d.packet = make([]byte, 0, total)
		d.packetChannelID = r.ChannelID
		d.packetID = r.PacketID
	} else if d.packet == nil || d.packetID != r.PacketID || d.packetChannelID != r.ChannelID ||
		len(d.packet) != offset || cap(d.packet) != total {
		r.Err = fmt.Errorf("%w: packet %v offset %v", ErrChunkOffset, r.PacketID, offset)
		return DecodeInvalid
	}

	d.packet = append(d.packet, chunk...)
	if len(d.packet) < total {
		return DecodeIncomplete
	}
	r.Data = d.packet
	d.packet = nil
	return DecodeOK
}
