package services

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

var ErrProbeClosed = errors.New("channel closed before the probe finished")

// Probe sends a series of packets once its channel opens and expects each one echoed back. It checks that the
// echoes match, and that packets are reported sent and delivered in the order they were sent.
type Probe struct {
	payloads [][]byte

	// touched only from callbacks
	sentIDs   []uint32
	sentCount int
	delivered int
	echoes    int

	m    sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

// NewProbe makes a Probe sending one packet per size. Packet i is filled with byte i.
func NewProbe(sizes []int) *Probe {
	p := &Probe{done: make(chan struct{})}
	for i, size := range sizes {
		p.payloads = append(p.payloads, bytes.Repeat([]byte{byte(i)}, size))
	}
	return p
}

// Done is closed once every packet has been echoed and delivered, or the probe failed
func (p *Probe) Done() <-chan struct{} { return p.done }

func (p *Probe) Err() error {
	p.m.Lock()
	defer p.m.Unlock()
	return p.err
}

func (p *Probe) finish(err error) {
	p.once.Do(func() {
		p.m.Lock()
		p.err = err
		p.m.Unlock()
		close(p.done)
	})
}

// Stop fails the probe with ErrProbeClosed unless it has already finished
func (p *Probe) Stop() {
	p.finish(fmt.Errorf("%w: service released", ErrProbeClosed))
}

func (p *Probe) checkDone() {
	if p.echoes == len(p.payloads) && p.delivered == len(p.payloads) && p.sentCount == len(p.payloads) {
		p.finish(nil)
	}
}

func (p *Probe) OnChannelOpen(ch *mux.Channel) {
	log.WithField("channel", ch.ID()).Infof("probing with %v packets", len(p.payloads))
	if len(p.payloads) == 0 {
		p.finish(nil)
		return
	}
	for i, payload := range p.payloads {
		id, err := ch.Send(payload)
		if err != nil {
			p.finish(fmt.Errorf("failed to send packet %v: %w", i, err))
			return
		}
		p.sentIDs = append(p.sentIDs, id)
	}
}

func (p *Probe) OnChannelClosed(ch *mux.Channel, message string) {
	p.finish(fmt.Errorf("%w: %v", ErrProbeClosed, message))
}

func (p *Probe) OnPacketReceived(ch *mux.Channel, data []byte) {
	if p.echoes >= len(p.payloads) {
		p.finish(fmt.Errorf("unexpected packet of %v bytes", len(data)))
		return
	}
	if !bytes.Equal(data, p.payloads[p.echoes]) {
		p.finish(fmt.Errorf("echo %v doesn't match what was sent", p.echoes))
		return
	}
	p.echoes++
	p.checkDone()
}

func (p *Probe) OnPacketSent(ch *mux.Channel, data []byte) {
	if p.sentCount >= len(p.payloads) || &data[0] != &p.payloads[p.sentCount][0] {
		p.finish(fmt.Errorf("packet %v reported sent out of order", p.sentCount))
		return
	}
	p.sentCount++
	p.checkDone()
}

func (p *Probe) OnPacketDelivered(ch *mux.Channel, packetID uint32) {
	if p.delivered >= len(p.sentIDs) || p.sentIDs[p.delivered] != packetID {
		p.finish(fmt.Errorf("packet %v acknowledged out of order", packetID))
		return
	}
	p.delivered++
	log.WithField("channel", ch.ID()).Tracef("packet %v delivered", packetID)
	p.checkDone()
}
