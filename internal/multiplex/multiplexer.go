package multiplex

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

const (
	gateIdle uint32 = iota
	gateSending
)

type sendKind int

const (
	sendingNothing sendKind = iota
	sendingData
	sendingControl
)

const msgRemoteUnavailable = "Remote service is unavailable"

var (
	ErrNoTransport        = errors.New("multiplexer has no transport")
	ErrTransportSet       = errors.New("transport has already been set")
	ErrNoChannels         = errors.New("at least one channel is required")
	ErrDuplicateChannel   = errors.New("duplicate channel id")
	ErrUnknownChannel     = errors.New("unknown channel")
	ErrEmptyPacket        = errors.New("packet has no data")
	ErrPacketTooLarge     = errors.New("packet is too large")
	ErrMultiplexerClosed  = errors.New("multiplexer is closed")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrInvalidFrame       = errors.New("invalid frame")
	errNothingOutstanding = errors.New("no packet is awaiting a delivery-ack")
)

type MultiplexerConfig struct {
	Reactor   Reactor
	Role      Role
	Registrar Registrar
	// ServiceContext is passed through to the Registrar
	ServiceContext interface{}

	// PacketIDs defaults to DefaultPacketIDs
	PacketIDs *PacketIDAllocator

	// MaxPacketSize bounds both sent and received packets. Defaults to 64MiB.
	MaxPacketSize int
}

// A Multiplexer carries the packets of several channels over one Transport. Frames are written one at a time:
// whoever wins the gate owns the transport until the reactor sees the queues empty.
//
// SendData and Channel.Send may be called from any goroutine. Everything else, including every On* callback,
// must run on the Reactor.
type Multiplexer struct {
	MultiplexerConfig

	transport Transport
	channels  []*Channel
	// read-only once SetTransport returns
	channelByID map[uint32]*Channel

	decoder *Decoder

	// atomic
	gate uint32
	// atomic
	closed uint32

	whatIsSending sendKind
	header        Header
	curPacket     *Packet
	curControl    Header

	dataQueue    packetQueue
	controlQueue controlQueue
	pendingAcks  ackQueue

	pendingPong bool

	violation error
}

func MakeMultiplexer(config MultiplexerConfig) *Multiplexer {
	m := &Multiplexer{
		MultiplexerConfig: config,
		channelByID:       map[uint32]*Channel{},
	}
	if m.PacketIDs == nil {
		m.PacketIDs = DefaultPacketIDs
	}
	if m.MaxPacketSize <= 0 {
		m.MaxPacketSize = defaultMaxPacketSize
	}
	m.decoder = NewDecoder(m.MaxPacketSize)
	return m
}

// SetTransport fixes the transport and the set of channels. It can only be done once, before the multiplexer is
// used.
func (m *Multiplexer) SetTransport(t Transport, channelIDs []uint32) error {
	if m.transport != nil {
		return ErrTransportSet
	}
	if t == nil {
		return ErrNoTransport
	}
	if len(channelIDs) == 0 {
		return ErrNoChannels
	}
	for _, id := range channelIDs {
		if _, ok := m.channelByID[id]; ok {
			m.channels = nil
			m.channelByID = map[uint32]*Channel{}
			return fmt.Errorf("%w: %v", ErrDuplicateChannel, id)
		}
		ch := makeChannel(id, m)
		m.channels = append(m.channels, ch)
		m.channelByID[id] = ch
	}
	m.transport = t
	return nil
}

func (m *Multiplexer) Channels() []*Channel {
	ret := make([]*Channel, len(m.channels))
	copy(ret, m.channels)
	return ret
}

// Channel returns nil if id isn't configured
func (m *Multiplexer) Channel(id uint32) *Channel { return m.channelByID[id] }

// Violation is the reason the last OnDataReceived returned false
func (m *Multiplexer) Violation() error { return m.violation }

func (m *Multiplexer) IsClosed() bool { return atomic.LoadUint32(&m.closed) == 1 }

func (m *Multiplexer) tryAcquireGate() bool {
	return atomic.CompareAndSwapUint32(&m.gate, gateIdle, gateSending)
}

func (m *Multiplexer) releaseGate() { atomic.StoreUint32(&m.gate, gateIdle) }

// SendData queues data as one packet on a channel and returns the packet's id. data must not be modified until
// the channel's Service gets OnPacketSent for it.
func (m *Multiplexer) SendData(channelID uint32, data []byte) (uint32, error) {
	if m.IsClosed() {
		return 0, ErrMultiplexerClosed
	}
	if m.transport == nil {
		return 0, ErrNoTransport
	}
	if len(data) == 0 {
		return 0, ErrEmptyPacket
	}
	if len(data) > m.MaxPacketSize {
		return 0, fmt.Errorf("%w: %v bytes", ErrPacketTooLarge, len(data))
	}
	if _, ok := m.channelByID[channelID]; !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownChannel, channelID)
	}

	p := makePacket(channelID, m.PacketIDs.Next(), data)
	// The packet always goes through dataQueue so that packets leave in the order they were queued even when
	// the gate is won by a later sender.
	m.dataQueue.push(p)
	if m.tryAcquireGate() {
		m.Reactor.Post(m.kick)
	}
	return p.packetID, nil
}

// SendControl sends a control frame ahead of any queued data. Reactor only.
func (m *Multiplexer) SendControl(t FrameType, channelID, packetID uint32) {
	var h Header
	EncodeControlFrame(&h, t, channelID, packetID)
	if m.tryAcquireGate() {
		m.curControl = h
		m.sendCurControl()
	} else {
		m.controlQueue.push(h)
	}
}

// kick starts sending after SendData won the gate
func (m *Multiplexer) kick() {
	if atomic.LoadUint32(&m.gate) != gateSending || m.whatIsSending != sendingNothing {
		// either a disconnect released the gate or the reactor is already sending
		return
	}
	m.sendNext()
}

// sendNext must be called holding the gate with nothing in flight
func (m *Multiplexer) sendNext() {
	for {
		if h, ok := m.controlQueue.pop(); ok {
			m.curControl = h
			m.sendCurControl()
			return
		}
		if m.curPacket != nil || m.dequeuePacket() {
			m.sendCurPacket()
			return
		}
		m.releaseGate()
		// A sender may have queued a packet after we found dataQueue empty but before the gate was released.
		// If it also failed to get the gate, that packet is ours to send.
		if m.IsClosed() || m.dataQueue.len() == 0 || !m.tryAcquireGate() {
			return
		}
	}
}

func (m *Multiplexer) dequeuePacket() bool {
	m.curPacket = m.dataQueue.pop()
	return m.curPacket != nil
}

func (m *Multiplexer) sendCurPacket() {
	p := m.curPacket
	m.whatIsSending = sendingData
	p.chunkLength = EncodeDataFrame(&m.header, p.channelID, p.packetID, len(p.data), p.sentLength)
	if p.sentLength == 0 {
		m.pendingAcks.push(p.packetID)
	}
	log.Tracef("sending %v", &m.header)
	err := m.transport.Send(net.Buffers{m.header[:], p.data[p.sentLength : p.sentLength+p.chunkLength]})
	if err != nil {
		log.Debugf("failed to send chunk of packet %v: %v", p.packetID, err)
	}
}

func (m *Multiplexer) sendCurControl() {
	m.whatIsSending = sendingControl
	log.Tracef("sending %v", &m.curControl)
	err := m.transport.Send(net.Buffers{m.curControl[:]})
	if err != nil {
		log.Debugf("failed to send %v: %v", m.curControl.Type(), err)
	}
}

func (m *Multiplexer) packetSent(p *Packet) {
	ch := m.channelByID[p.channelID]
	if svc := ch.Service(); svc != nil {
		svc.OnPacketSent(ch, p.data)
	} else {
		log.Debugf("packet %v sent on channel %v which has no service", p.packetID, p.channelID)
	}
}

// OnConnected records the remote endpoint on every channel. A client then asks the remote for each channel it
// has a service for.
func (m *Multiplexer) OnConnected(addr net.Addr) {
	for _, ch := range m.channels {
		ch.setRemote(addr)
	}
	if m.Role == RoleServer {
		return
	}
	for _, ch := range m.channels {
		svc := ch.Service()
		if svc == nil {
			svc = m.Registrar.Create(ch.id, m.ServiceContext)
		}
		if svc == nil {
			log.Debugf("no local service for channel %v", ch.id)
			continue
		}
		ch.setService(svc, ChannelPending)
		m.SendControl(FrameChannelQuery, ch.id, 0)
	}
}

// OnDisconnected closes confirmed channels and resolves every outstanding packet as sent
func (m *Multiplexer) OnDisconnected(message string) {
	for _, ch := range m.channels {
		svc := ch.Service()
		switch ch.State() {
		case ChannelConfirmed:
			ch.setState(ChannelClosed)
			if svc != nil {
				svc.OnChannelClosed(ch, message)
			}
		case ChannelPending:
			ch.setState(ChannelClosed)
		}
	}
	m.clearQueues()
}

func (m *Multiplexer) clearQueues() {
	if m.curPacket != nil {
		p := m.curPacket
		m.curPacket = nil
		m.packetSent(p)
	}
	for _, p := range m.dataQueue.drain() {
		m.packetSent(p)
	}
	m.pendingAcks.clear()
	m.controlQueue.clear()
	m.whatIsSending = sendingNothing
	m.pendingPong = false
	m.decoder.Reset()
	m.releaseGate()
}

// OnDataReceived decodes and dispatches every frame in buf. It returns false if the connection should be closed
// because of a malformed frame or a protocol violation.
func (m *Multiplexer) OnDataReceived(buf []byte) bool {
	// any traffic proves the remote alive, it doesn't have to be a pong
	m.pendingPong = false
	for len(buf) > 0 {
		status, r := m.decoder.Decode(buf)
		if status == DecodeInvalid {
			m.violation = fmt.Errorf("%w: %v", ErrInvalidFrame, r.Err)
			return false
		}
		buf = buf[r.DecodedSize:]
		if status == DecodeIncomplete {
			continue
		}

		var err error
		switch r.Type {
		case FrameData:
			err = m.processData(&r)
		case FrameChannelQuery:
			err = m.processChannelQuery(&r)
		case FrameChannelAllow:
			err = m.processChannelAllow(&r)
		case FrameChannelDeny:
			err = m.processChannelDeny(&r)
		case FramePing:
			m.SendControl(FramePong, 0, 0)
		case FramePong:
			// pendingPong is already cleared
		case FrameDeliveryAck:
			err = m.processDeliveryAck(&r)
		}
		if err != nil {
			m.violation = fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			return false
		}
	}
	return true
}

func (m *Multiplexer) processData(r *DecodeResult) error {
	ch := m.channelByID[r.ChannelID]
	if ch == nil {
		return fmt.Errorf("data for unknown channel %v", r.ChannelID)
	}
	svc := ch.Service()
	if svc == nil || ch.State() != ChannelConfirmed {
		return fmt.Errorf("data for channel %v which is %v", r.ChannelID, ch.State())
	}
	m.SendControl(FrameDeliveryAck, r.ChannelID, r.PacketID)
	svc.OnPacketReceived(ch, r.Data)
	return nil
}

func (m *Multiplexer) processChannelQuery(r *DecodeResult) error {
	if m.Role != RoleServer {
		return errors.New("channel-query received by a client")
	}
	ch := m.channelByID[r.ChannelID]
	if ch == nil {
		log.Debugf("remote queried channel %v which isn't configured, denying", r.ChannelID)
		m.SendControl(FrameChannelDeny, r.ChannelID, 0)
		return nil
	}
	if ch.Service() != nil {
		return fmt.Errorf("channel %v queried again while it has a service", r.ChannelID)
	}
	svc := m.Registrar.Create(ch.id, m.ServiceContext)
	if svc == nil {
		log.Debugf("no service for channel %v, denying", ch.id)
		ch.setState(ChannelDenied)
		m.SendControl(FrameChannelDeny, ch.id, 0)
		return nil
	}
	m.SendControl(FrameChannelAllow, ch.id, 0)
	ch.setService(svc, ChannelConfirmed)
	log.Debugf("channel %v confirmed", ch.id)
	svc.OnChannelOpen(ch)
	return nil
}

func (m *Multiplexer) pendingChannel(r *DecodeResult) (*Channel, Service, error) {
	if m.Role != RoleClient {
		return nil, nil, fmt.Errorf("%v received by a server", r.Type)
	}
	ch := m.channelByID[r.ChannelID]
	if ch == nil {
		return nil, nil, fmt.Errorf("%v for unknown channel %v", r.Type, r.ChannelID)
	}
	svc := ch.Service()
	if svc == nil || ch.State() != ChannelPending {
		return nil, nil, fmt.Errorf("%v for channel %v which is %v", r.Type, r.ChannelID, ch.State())
	}
	return ch, svc, nil
}

func (m *Multiplexer) processChannelAllow(r *DecodeResult) error {
	ch, svc, err := m.pendingChannel(r)
	if err != nil {
		return err
	}
	ch.setState(ChannelConfirmed)
	log.Debugf("channel %v confirmed", ch.id)
	svc.OnChannelOpen(ch)
	return nil
}

// The service is kept after a deny. It is handed back to the Registrar on the next ReleaseServices.
func (m *Multiplexer) processChannelDeny(r *DecodeResult) error {
	ch, svc, err := m.pendingChannel(r)
	if err != nil {
		return err
	}
	ch.setState(ChannelDenied)
	log.Debugf("channel %v denied", ch.id)
	svc.OnChannelClosed(ch, msgRemoteUnavailable)
	return nil
}

func (m *Multiplexer) processDeliveryAck(r *DecodeResult) error {
	ch := m.channelByID[r.ChannelID]
	if ch == nil || ch.Service() == nil {
		return fmt.Errorf("delivery-ack for channel %v without a service", r.ChannelID)
	}
	pendingID, ok := m.pendingAcks.pop()
	if !ok {
		return fmt.Errorf("delivery-ack for packet %v: %w", r.PacketID, errNothingOutstanding)
	}
	if pendingID != r.PacketID {
		return fmt.Errorf("delivery-ack for packet %v while %v is outstanding", r.PacketID, pendingID)
	}
	ch.Service().OnPacketDelivered(ch, pendingID)
	return nil
}

// OnSendComplete is called by the transport, on the reactor, once the last frame handed to it has been written
func (m *Multiplexer) OnSendComplete() {
	kind := m.whatIsSending
	m.whatIsSending = sendingNothing
	if kind == sendingNothing {
		log.Debug("send completion with nothing in flight ignored")
		return
	}
	if kind == sendingData && m.curPacket != nil {
		p := m.curPacket
		p.sentLength += p.chunkLength
		if p.fullySent() {
			m.curPacket = nil
			m.packetSent(p)
		}
	}
	m.sendNext()
}

// OnTimeout pings the remote. It returns false if nothing has been received since the previous ping.
func (m *Multiplexer) OnTimeout() bool {
	if m.pendingPong {
		return false
	}
	m.pendingPong = true
	m.SendControl(FramePing, 0, 0)
	return true
}

// ReleaseServices gives every service back to the Registrar
func (m *Multiplexer) ReleaseServices() {
	for _, ch := range m.channels {
		if svc := ch.Service(); svc != nil {
			m.Registrar.Delete(ch.id, svc, m.ServiceContext)
			ch.setService(nil, ChannelUnconfigured)
		}
	}
}

// Close releases all services and detaches the channels. Packets still queued are reported as sent first.
// Reactor only.
func (m *Multiplexer) Close() error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return ErrMultiplexerClosed
	}
	m.clearQueues()
	m.ReleaseServices()
	for _, ch := range m.channels {
		ch.detach()
	}
	return nil
}
