package services

import (
	"sync/atomic"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

// Echo sends every packet it receives back on the same channel
type Echo struct {
	// atomic
	echoed int64
	// atomic
	inflight int64
}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) OnChannelOpen(ch *mux.Channel) {
	log.WithField("channel", ch.ID()).Debug("echo service up")
}

func (e *Echo) OnChannelClosed(ch *mux.Channel, message string) {
	log.WithFields(log.Fields{
		"channel": ch.ID(),
		"echoed":  atomic.LoadInt64(&e.echoed),
	}).Debugf("echo service down: %v", message)
}

func (e *Echo) OnPacketReceived(ch *mux.Channel, data []byte) {
	// data is ours, so it goes straight back out
	if _, err := ch.Send(data); err != nil {
		log.WithField("channel", ch.ID()).Warnf("failed to echo %v bytes: %v", len(data), err)
		return
	}
	atomic.AddInt64(&e.inflight, 1)
}

func (e *Echo) OnPacketSent(ch *mux.Channel, data []byte) {
	atomic.AddInt64(&e.inflight, -1)
	atomic.AddInt64(&e.echoed, 1)
}

func (e *Echo) OnPacketDelivered(ch *mux.Channel, packetID uint32) {}

// Echoed is the number of packets that have been written back
func (e *Echo) Echoed() int64 { return atomic.LoadInt64(&e.echoed) }

// Inflight is the number of echoes queued but not yet written
func (e *Echo) Inflight() int64 { return atomic.LoadInt64(&e.inflight) }
