package usagemanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/stretchr/testify/assert"
)

type nopService struct {
	received int
}

func (s *nopService) OnChannelOpen(*mux.Channel)             {}
func (s *nopService) OnChannelClosed(*mux.Channel, string)   {}
func (s *nopService) OnPacketReceived(*mux.Channel, []byte)  { s.received++ }
func (s *nopService) OnPacketSent(*mux.Channel, []byte)      {}
func (s *nopService) OnPacketDelivered(*mux.Channel, uint32) {}

type countingObserver struct {
	m                         sync.Mutex
	received, sent, delivered int
}

func (o *countingObserver) PacketReceived(uint32, int) { o.m.Lock(); o.received++; o.m.Unlock() }
func (o *countingObserver) PacketSent(uint32, int)     { o.m.Lock(); o.sent++; o.m.Unlock() }
func (o *countingObserver) PacketDelivered(uint32)     { o.m.Lock(); o.delivered++; o.m.Unlock() }

type recordingManager struct {
	Voidmanager
	m        sync.Mutex
	recorded [][]ChannelUsage
	fail     bool
}

func (r *recordingManager) RecordUsage(deltas []ChannelUsage) error {
	r.m.Lock()
	defer r.m.Unlock()
	if r.fail {
		return errors.New("database unavailable")
	}
	r.recorded = append(r.recorded, deltas)
	return nil
}

func makeTestTracker(manager UsageManager, observers ...Observer) (*Tracker, *nopService, *deletions) {
	inner := mux.NewServiceRegistrar()
	svc := &nopService{}
	del := &deletions{}
	inner.Register(1, func(uint32, interface{}) mux.Service { return svc }, func(s mux.Service, _ interface{}) {
		del.services = append(del.services, s)
	})
	return MakeTracker(inner, manager, mockWorldState, observers...), svc, del
}

type deletions struct {
	services []mux.Service
}

func TestTracker(t *testing.T) {
	manager := &recordingManager{}
	observer := &countingObserver{}
	tracker, inner, del := makeTestTracker(manager, observer)

	assert.Nil(t, tracker.Create(2, nil), "channel without a service stays without one")

	svc := tracker.Create(1, nil)
	if !assert.NotNil(t, svc) {
		return
	}
	svc.OnPacketReceived(nil, make([]byte, 10))
	svc.OnPacketReceived(nil, make([]byte, 5))
	svc.OnPacketSent(nil, make([]byte, 7))
	svc.OnPacketDelivered(nil, 1)

	assert.Equal(t, 2, inner.received, "calls reach the wrapped service")
	assert.Equal(t, ChannelUsage{
		ChannelID:        1,
		PacketsReceived:  2,
		BytesReceived:    15,
		PacketsSent:      1,
		BytesSent:        7,
		PacketsDelivered: 1,
		LastActive:       1000,
	}, tracker.Queued(1))
	assert.Equal(t, 2, observer.received)
	assert.Equal(t, 1, observer.sent)
	assert.Equal(t, 1, observer.delivered)

	t.Run("commit", func(t *testing.T) {
		assert.NoError(t, tracker.Commit())
		assert.Len(t, manager.recorded, 1)
		assert.Equal(t, ChannelUsage{ChannelID: 1}, tracker.Queued(1))
	})

	t.Run("failed commit keeps the queue", func(t *testing.T) {
		svc.OnPacketSent(nil, make([]byte, 3))
		manager.fail = true
		assert.Error(t, tracker.Commit())
		assert.EqualValues(t, 3, tracker.Queued(1).BytesSent)
		manager.fail = false
	})

	t.Run("delete unwraps", func(t *testing.T) {
		tracker.Delete(1, svc, nil)
		assert.Equal(t, []mux.Service{inner}, del.services)
	})
}

func TestTrackerRun(t *testing.T) {
	manager := &recordingManager{}
	tracker, _, _ := makeTestTracker(manager)
	svc := tracker.Create(1, nil)
	svc.OnPacketReceived(nil, []byte{1})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		tracker.Run(time.Hour, stop)
		close(done)
	}()
	close(stop)
	<-done
	assert.Len(t, manager.recorded, 1, "usage is committed on the way out")
}
