package multiplex

import "sync"

// Service handles one channel. All methods are called on the reactor, so a Service needs no locking of its own
// for state only touched from callbacks.
type Service interface {
	OnChannelOpen(ch *Channel)
	OnChannelClosed(ch *Channel, message string)
	// OnPacketReceived hands over a whole packet. data belongs to the service.
	OnPacketReceived(ch *Channel, data []byte)
	// OnPacketSent reports that data has been handed to the transport in full, or dropped on disconnect.
	// Either way the buffer is free for reuse.
	OnPacketSent(ch *Channel, data []byte)
	// OnPacketDelivered reports the remote acknowledged the packet. Acks arrive in send order.
	OnPacketDelivered(ch *Channel, packetID uint32)
}

// Registrar creates and disposes of services for channels. Create returns nil if no service is available.
type Registrar interface {
	Create(channelID uint32, context interface{}) Service
	Delete(channelID uint32, service Service, context interface{})
}

type ServiceCreator func(channelID uint32, context interface{}) Service
type ServiceDeleter func(service Service, context interface{})

type serviceEntry struct {
	create ServiceCreator
	delete ServiceDeleter
}

// ServiceRegistrar is a Registrar looking services up by channel id
type ServiceRegistrar struct {
	m       sync.RWMutex
	entries map[uint32]serviceEntry
}

func NewServiceRegistrar() *ServiceRegistrar {
	return &ServiceRegistrar{entries: map[uint32]serviceEntry{}}
}

// Register binds creator to channelID. deleter may be nil. It returns false if channelID is already taken.
func (r *ServiceRegistrar) Register(channelID uint32, creator ServiceCreator, deleter ServiceDeleter) bool {
	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.entries[channelID]; ok || creator == nil {
		return false
	}
	r.entries[channelID] = serviceEntry{create: creator, delete: deleter}
	return true
}

func (r *ServiceRegistrar) IsRegistered(channelID uint32) bool {
	r.m.RLock()
	defer r.m.RUnlock()
	_, ok := r.entries[channelID]
	return ok
}

func (r *ServiceRegistrar) Create(channelID uint32, context interface{}) Service {
	r.m.RLock()
	e, ok := r.entries[channelID]
	r.m.RUnlock()
	if !ok {
		return nil
	}
	return e.create(channelID, context)
}

func (r *ServiceRegistrar) Delete(channelID uint32, service Service, context interface{}) {
	r.m.RLock()
	e, ok := r.entries[channelID]
	r.m.RUnlock()
	if ok && e.delete != nil {
		e.delete(service, context)
	}
}
