package usagemanager

import (
	"sync"
	"time"

	"github.com/cbeuw/chanmux/internal/common"
	mux "github.com/cbeuw/chanmux/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

// Observer is told about every packet a tracked service handles, as it happens
type Observer interface {
	PacketReceived(channelID uint32, size int)
	PacketSent(channelID uint32, size int)
	PacketDelivered(channelID uint32)
}

// Tracker is a mux.Registrar that wraps every service its inner Registrar creates, so that the traffic of each
// channel is counted. Counts are queued in memory and committed to the UsageManager by Commit.
type Tracker struct {
	inner     mux.Registrar
	Manager   UsageManager
	world     common.WorldState
	observers []Observer

	queueM sync.Mutex
	queue  map[uint32]*ChannelUsage
}

func MakeTracker(inner mux.Registrar, manager UsageManager, worldState common.WorldState, observers ...Observer) *Tracker {
	return &Tracker{
		inner:     inner,
		Manager:   manager,
		world:     worldState,
		observers: observers,
		queue:     make(map[uint32]*ChannelUsage),
	}
}

func (t *Tracker) Create(channelID uint32, context interface{}) mux.Service {
	svc := t.inner.Create(channelID, context)
	if svc == nil {
		return nil
	}
	return &trackedService{Service: svc, tracker: t, channelID: channelID}
}

func (t *Tracker) Delete(channelID uint32, service mux.Service, context interface{}) {
	if tracked, ok := service.(*trackedService); ok {
		service = tracked.Service
	}
	t.inner.Delete(channelID, service, context)
}

func (t *Tracker) update(channelID uint32, f func(u *ChannelUsage)) {
	t.queueM.Lock()
	u, ok := t.queue[channelID]
	if !ok {
		u = &ChannelUsage{ChannelID: channelID}
		t.queue[channelID] = u
	}
	f(u)
	u.LastActive = t.world.Now().Unix()
	t.queueM.Unlock()
}

// Queued is the usage of a channel not yet committed
func (t *Tracker) Queued(channelID uint32) ChannelUsage {
	t.queueM.Lock()
	defer t.queueM.Unlock()
	if u, ok := t.queue[channelID]; ok {
		return *u
	}
	return ChannelUsage{ChannelID: channelID}
}

// Commit writes queued usage to the UsageManager. The queue is kept if that fails.
func (t *Tracker) Commit() error {
	t.queueM.Lock()
	defer t.queueM.Unlock()
	deltas := make([]ChannelUsage, 0, len(t.queue))
	for _, u := range t.queue {
		if !u.isZero() {
			deltas = append(deltas, *u)
		}
	}
	if err := t.Manager.RecordUsage(deltas); err != nil {
		return err
	}
	t.queue = make(map[uint32]*ChannelUsage)
	return nil
}

// Run commits every interval until stop is closed, then commits one last time
func (t *Tracker) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Commit(); err != nil {
				log.Errorf("failed to commit channel usage: %v", err)
			}
		case <-stop:
			if err := t.Commit(); err != nil {
				log.Errorf("failed to commit channel usage: %v", err)
			}
			return
		}
	}
}

type trackedService struct {
	mux.Service
	tracker   *Tracker
	channelID uint32
}

func (s *trackedService) OnPacketReceived(ch *mux.Channel, data []byte) {
	size := len(data)
	s.tracker.update(s.channelID, func(u *ChannelUsage) {
		u.PacketsReceived++
		u.BytesReceived += int64(size)
	})
	for _, o := range s.tracker.observers {
		o.PacketReceived(s.channelID, size)
	}
	s.Service.OnPacketReceived(ch, data)
}

// OnPacketSent also counts packets dropped on disconnect, the service can't tell them apart either
func (s *trackedService) OnPacketSent(ch *mux.Channel, data []byte) {
	size := len(data)
	s.tracker.update(s.channelID, func(u *ChannelUsage) {
		u.PacketsSent++
		u.BytesSent += int64(size)
	})
	for _, o := range s.tracker.observers {
		o.PacketSent(s.channelID, size)
	}
	s.Service.OnPacketSent(ch, data)
}

func (s *trackedService) OnPacketDelivered(ch *mux.Channel, packetID uint32) {
	s.tracker.update(s.channelID, func(u *ChannelUsage) {
		u.PacketsDelivered++
	})
	for _, o := range s.tracker.observers {
		o.PacketDelivered(s.channelID)
	}
	s.Service.OnPacketDelivered(ch, packetID)
}
