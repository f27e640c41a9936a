package multiplex

import (
	"errors"
	"net"
	"sync"
)

var ErrChannelDetached = errors.New("channel no longer belongs to a multiplexer")

type ChannelState int

const (
	ChannelUnconfigured ChannelState = iota
	// ChannelPending means a service has been created locally and the remote's answer is awaited
	ChannelPending
	ChannelConfirmed
	ChannelDenied
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnconfigured:
		return "unconfigured"
	case ChannelPending:
		return "pending"
	case ChannelConfirmed:
		return "confirmed"
	case ChannelDenied:
		return "denied"
	case ChannelClosed:
		return "closed"
	}
	return "invalid"
}

// A Channel is one logical stream over a multiplexed connection. Services and application code may keep a
// Channel after its Multiplexer is closed; Send then fails with ErrChannelDetached.
type Channel struct {
	id uint32

	m       sync.RWMutex
	mux     *Multiplexer
	remote  net.Addr
	service Service
	state   ChannelState
}

func makeChannel(id uint32, mux *Multiplexer) *Channel {
	return &Channel{
		id:  id,
		mux: mux,
	}
}

func (ch *Channel) ID() uint32 { return ch.id }

func (ch *Channel) RemoteAddr() net.Addr {
	ch.m.RLock()
	defer ch.m.RUnlock()
	return ch.remote
}

func (ch *Channel) Service() Service {
	ch.m.RLock()
	defer ch.m.RUnlock()
	return ch.service
}

func (ch *Channel) State() ChannelState {
	ch.m.RLock()
	defer ch.m.RUnlock()
	return ch.state
}

func (ch *Channel) Confirmed() bool { return ch.State() == ChannelConfirmed }

// Send queues data on this channel. data must stay untouched until the channel's Service gets OnPacketSent for it.
func (ch *Channel) Send(data []byte) (packetID uint32, err error) {
	ch.m.RLock()
	mux := ch.mux
	ch.m.RUnlock()
	if mux == nil {
		return 0, ErrChannelDetached
	}
	return mux.SendData(ch.id, data)
}

func (ch *Channel) setRemote(addr net.Addr) {
	ch.m.Lock()
	ch.remote = addr
	ch.m.Unlock()
}

func (ch *Channel) setService(svc Service, state ChannelState) {
	ch.m.Lock()
	ch.service = svc
	ch.state = state
	ch.m.Unlock()
}

func (ch *Channel) setState(state ChannelState) {
	ch.m.Lock()
	ch.state = state
	ch.m.Unlock()
}

func (ch *Channel) detach() {
	ch.m.Lock()
	ch.mux = nil
	ch.m.Unlock()
}
