package services

import (
	"sync/atomic"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
)

// Discard drops everything it receives
type Discard struct {
	// atomic
	bytes int64
}

func (d *Discard) OnChannelOpen(ch *mux.Channel)                   {}
func (d *Discard) OnChannelClosed(ch *mux.Channel, message string) {}
func (d *Discard) OnPacketReceived(ch *mux.Channel, data []byte) {
	atomic.AddInt64(&d.bytes, int64(len(data)))
}
func (d *Discard) OnPacketSent(ch *mux.Channel, data []byte)    {}
func (d *Discard) OnPacketDelivered(ch *mux.Channel, id uint32) {}

func (d *Discard) Bytes() int64 { return atomic.LoadInt64(&d.bytes) }
