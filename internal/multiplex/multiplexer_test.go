package multiplex

import (
	"bytes"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6543}

type manualReactor struct {
	m     sync.Mutex
	tasks []func()
}

func (r *manualReactor) Post(f func()) {
	r.m.Lock()
	r.tasks = append(r.tasks, f)
	r.m.Unlock()
}

func (r *manualReactor) runAll() {
	for {
		r.m.Lock()
		if len(r.tasks) == 0 {
			r.m.Unlock()
			return
		}
		f := r.tasks[0]
		r.tasks = r.tasks[1:]
		r.m.Unlock()
		f()
	}
}

// recordingTransport keeps every frame it is given. The frame in flight stays in inflight until the test
// completes it.
type recordingTransport struct {
	inflight [][]byte
	written  [][]byte
}

func (t *recordingTransport) Send(buffers net.Buffers) error {
	var frame []byte
	for _, b := range buffers {
		frame = append(frame, b...)
	}
	t.inflight = append(t.inflight, frame)
	t.written = append(t.written, frame)
	return nil
}

func (t *recordingTransport) next() ([]byte, bool) {
	if len(t.inflight) == 0 {
		return nil, false
	}
	f := t.inflight[0]
	t.inflight = t.inflight[1:]
	return f, true
}

func headerOf(frame []byte) *Header {
	var h Header
	copy(h[:], frame)
	return &h
}

type testService struct {
	opened    int
	closed    []string
	received  [][]byte
	sent      [][]byte
	delivered []uint32
	onOpen    func(ch *Channel)
}

func (s *testService) OnChannelOpen(ch *Channel) {
	s.opened++
	if s.onOpen != nil {
		s.onOpen(ch)
	}
}
func (s *testService) OnChannelClosed(ch *Channel, message string) {
	s.closed = append(s.closed, message)
}
func (s *testService) OnPacketReceived(ch *Channel, data []byte) {
	s.received = append(s.received, data)
}
func (s *testService) OnPacketSent(ch *Channel, data []byte) { s.sent = append(s.sent, data) }
func (s *testService) OnPacketDelivered(ch *Channel, id uint32) {
	s.delivered = append(s.delivered, id)
}

type testRegistrar struct {
	available map[uint32]bool
	services  map[uint32]*testService
	deleted   []uint32
	onOpen    func(ch *Channel)
}

func newTestRegistrar(channelIDs ...uint32) *testRegistrar {
	r := &testRegistrar{
		available: map[uint32]bool{},
		services:  map[uint32]*testService{},
	}
	for _, id := range channelIDs {
		r.available[id] = true
	}
	return r
}

func (r *testRegistrar) Create(channelID uint32, context interface{}) Service {
	if !r.available[channelID] {
		return nil
	}
	s := &testService{onOpen: r.onOpen}
	r.services[channelID] = s
	return s
}

func (r *testRegistrar) Delete(channelID uint32, service Service, context interface{}) {
	r.deleted = append(r.deleted, channelID)
}

type endpoint struct {
	mux       *Multiplexer
	reactor   *manualReactor
	transport *recordingTransport
	registrar *testRegistrar
}

func newEndpoint(t *testing.T, role Role, registrar *testRegistrar, channelIDs ...uint32) *endpoint {
	e := &endpoint{
		reactor:   &manualReactor{},
		transport: &recordingTransport{},
		registrar: registrar,
	}
	e.mux = MakeMultiplexer(MultiplexerConfig{
		Reactor:   e.reactor,
		Role:      role,
		Registrar: registrar,
		PacketIDs: &PacketIDAllocator{},
	})
	if err := e.mux.SetTransport(e.transport, channelIDs); err != nil {
		t.Fatalf("failed to set transport: %v", err)
	}
	return e
}

// confirm puts a service on a channel without a handshake
func (e *endpoint) confirm(channelID uint32) *testService {
	s := &testService{}
	e.mux.Channel(channelID).setService(s, ChannelConfirmed)
	return s
}

// complete finishes the frame in flight and returns it
func (e *endpoint) complete(t *testing.T) *Header {
	e.reactor.runAll()
	f, ok := e.transport.next()
	if !ok {
		t.Fatal("nothing in flight")
	}
	e.mux.OnSendComplete()
	return headerOf(f)
}

type pair struct {
	client, server *endpoint
}

func newPair(t *testing.T, clientReg, serverReg *testRegistrar, channelIDs ...uint32) *pair {
	return &pair{
		client: newEndpoint(t, RoleClient, clientReg, channelIDs...),
		server: newEndpoint(t, RoleServer, serverReg, channelIDs...),
	}
}

func (p *pair) connect() {
	p.server.mux.OnConnected(testAddr)
	p.client.mux.OnConnected(testAddr)
}

// pump delivers the frames each side writes to the other until both go quiet
func (p *pair) pump(t *testing.T) {
	step := func(from, to *endpoint) bool {
		from.reactor.runAll()
		f, ok := from.transport.next()
		if !ok {
			return false
		}
		from.mux.OnSendComplete()
		if !to.mux.OnDataReceived(f) {
			t.Fatalf("receiver rejected %v: %v", headerOf(f), to.mux.Violation())
		}
		return true
	}
	for i := 0; i < 1<<16; i++ {
		c := step(p.client, p.server)
		s := step(p.server, p.client)
		if !c && !s {
			return
		}
	}
	t.Fatal("traffic did not settle")
}

func TestSetTransport(t *testing.T) {
	newMux := func() *Multiplexer {
		return MakeMultiplexer(MultiplexerConfig{Reactor: &manualReactor{}, Registrar: newTestRegistrar()})
	}
	t.Run("no channels", func(t *testing.T) {
		assert.ErrorIs(t, newMux().SetTransport(&recordingTransport{}, nil), ErrNoChannels)
	})
	t.Run("duplicate channel", func(t *testing.T) {
		m := newMux()
		assert.ErrorIs(t, m.SetTransport(&recordingTransport{}, []uint32{1, 2, 1}), ErrDuplicateChannel)
		assert.Empty(t, m.Channels())
	})
	t.Run("only once", func(t *testing.T) {
		m := newMux()
		assert.NoError(t, m.SetTransport(&recordingTransport{}, []uint32{1}))
		assert.ErrorIs(t, m.SetTransport(&recordingTransport{}, []uint32{2}), ErrTransportSet)
		assert.Len(t, m.Channels(), 1)
	})
	t.Run("send without transport", func(t *testing.T) {
		_, err := newMux().SendData(1, []byte{1})
		assert.ErrorIs(t, err, ErrNoTransport)
	})
}

func TestSendDataRejects(t *testing.T) {
	e := newEndpoint(t, RoleClient, newTestRegistrar(), 1)
	_, err := e.mux.SendData(1, nil)
	assert.ErrorIs(t, err, ErrEmptyPacket)
	_, err = e.mux.SendData(7, []byte{1})
	assert.ErrorIs(t, err, ErrUnknownChannel)
	_, err = e.mux.SendData(1, make([]byte, defaultMaxPacketSize+1))
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestHandshake(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		p := newPair(t, newTestRegistrar(1, 2), newTestRegistrar(1, 2), 1, 2)
		p.connect()
		p.pump(t)

		for _, id := range []uint32{1, 2} {
			assert.True(t, p.client.mux.Channel(id).Confirmed())
			assert.True(t, p.server.mux.Channel(id).Confirmed())
			assert.Equal(t, 1, p.client.registrar.services[id].opened)
			assert.Equal(t, 1, p.server.registrar.services[id].opened)
			assert.Equal(t, testAddr, p.server.mux.Channel(id).RemoteAddr())
		}
	})

	t.Run("remote has no service", func(t *testing.T) {
		p := newPair(t, newTestRegistrar(1, 2), newTestRegistrar(2), 1, 2)
		p.connect()
		p.pump(t)

		ch := p.client.mux.Channel(1)
		svc := p.client.registrar.services[1]
		assert.False(t, ch.Confirmed())
		assert.Equal(t, ChannelDenied, ch.State())
		assert.Equal(t, []string{"Remote service is unavailable"}, svc.closed)
		assert.Equal(t, 0, svc.opened)
		// the service is kept until services are released
		assert.Equal(t, svc, ch.Service())
		assert.Empty(t, p.client.registrar.deleted)
		assert.Equal(t, ChannelDenied, p.server.mux.Channel(1).State())

		assert.True(t, p.client.mux.Channel(2).Confirmed(), "other channels are unaffected")

		p.client.mux.ReleaseServices()
		assert.ElementsMatch(t, []uint32{1, 2}, p.client.registrar.deleted)
		assert.Nil(t, ch.Service())
	})

	t.Run("no local service", func(t *testing.T) {
		p := newPair(t, newTestRegistrar(), newTestRegistrar(1), 1)
		p.connect()
		p.pump(t)
		assert.Empty(t, p.client.transport.written, "nothing to ask for")
		assert.Equal(t, ChannelUnconfigured, p.client.mux.Channel(1).State())
	})
}

func TestEndToEndPackets(t *testing.T) {
	p := newPair(t, newTestRegistrar(1), newTestRegistrar(1), 1)
	p.connect()
	p.pump(t)

	big := make([]byte, 5*MaxChunkSize+123)
	rand.Read(big)
	small := []byte{42}

	ch := p.client.mux.Channel(1)
	id1, err := ch.Send(big)
	assert.NoError(t, err)
	id2, err := ch.Send(small)
	assert.NoError(t, err)
	p.pump(t)

	clientSvc := p.client.registrar.services[1]
	serverSvc := p.server.registrar.services[1]
	if assert.Len(t, serverSvc.received, 2) {
		assert.True(t, bytes.Equal(big, serverSvc.received[0]))
		assert.True(t, bytes.Equal(small, serverSvc.received[1]))
	}
	assert.Len(t, clientSvc.sent, 2)
	assert.Equal(t, []uint32{id1, id2}, clientSvc.delivered)
	assert.Empty(t, p.client.mux.pendingAcks)
	assert.Equal(t, gateIdle, atomic.LoadUint32(&p.client.mux.gate))
}

func TestTransmissionOrder(t *testing.T) {
	e := newEndpoint(t, RoleClient, newTestRegistrar(), 1, 2)
	svc1 := e.confirm(1)
	svc2 := e.confirm(2)

	p1 := make([]byte, 2*MaxChunkSize+10)
	p2 := []byte("second")
	id1, _ := e.mux.SendData(1, p1)
	id2, _ := e.mux.SendData(2, p2)
	assert.Equal(t, 2, e.mux.dataQueue.len())

	e.reactor.runAll()
	assert.Equal(t, 1, e.mux.dataQueue.len())

	// a ping raised while the first chunk is on the wire goes out before the second chunk
	e.mux.SendControl(FramePing, 0, 0)

	var got []string
	for {
		e.reactor.runAll()
		if len(e.transport.inflight) == 0 {
			break
		}
		h := e.complete(t)
		got = append(got, h.String())
	}

	expected := func(t FrameType, ch uint32, id uint32, size int) string {
		var h Header
		h.put(size, t, ch, id, 0, 0)
		return h.String()
	}
	assert.Equal(t, []string{
		expected(FrameData, 1, id1, MaxFrameSize),
		expected(FramePing, 0, 0, HeaderLength),
		expected(FrameData, 1, id1, MaxFrameSize),
		expected(FrameData, 1, id1, HeaderLength+10),
		expected(FrameData, 2, id2, HeaderLength+len(p2)),
	}, got)

	assert.Len(t, svc1.sent, 1)
	assert.Len(t, svc2.sent, 1)
	assert.Equal(t, ackQueue{id1, id2}, e.mux.pendingAcks)
	assert.Equal(t, gateIdle, atomic.LoadUint32(&e.mux.gate))
}

func TestControlPreemptsQueuedData(t *testing.T) {
	e := newEndpoint(t, RoleClient, newTestRegistrar(), 1)
	e.confirm(1)

	e.mux.SendControl(FramePing, 0, 0)
	e.mux.SendData(1, []byte{1})
	e.mux.SendData(1, []byte{2})
	e.mux.SendControl(FrameDeliveryAck, 1, 99)

	var types []FrameType
	for len(e.transport.inflight) > 0 {
		types = append(types, e.complete(t).Type())
	}
	assert.Equal(t, []FrameType{FramePing, FrameDeliveryAck, FrameData, FrameData}, types)
}

func TestPacketIDsUnique(t *testing.T) {
	e := newEndpoint(t, RoleClient, newTestRegistrar(), 1)
	const senders = 64
	const perSender = 200

	var wg sync.WaitGroup
	ids := make(chan uint32, senders*perSender)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				id, err := e.mux.SendData(1, []byte{byte(j)})
				if err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint32]bool{}
	for id := range ids {
		assert.False(t, seen[id], "packet id %v handed out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, senders*perSender)
	assert.Equal(t, senders*perSender, e.mux.dataQueue.len())
	assert.Len(t, e.reactor.tasks, 1, "only the sender that won the gate posts")
}

func TestPacketIDAllocatorSkipsZero(t *testing.T) {
	a := &PacketIDAllocator{last: 1<<32 - 1}
	assert.EqualValues(t, 1, a.Next())
}

func TestDeliveryAckOrder(t *testing.T) {
	setup := func() (*endpoint, uint32, uint32) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(), 1)
		e.confirm(1)
		id1, _ := e.mux.SendData(1, []byte("one"))
		id2, _ := e.mux.SendData(1, []byte("two"))
		e.complete(t)
		e.complete(t)
		return e, id1, id2
	}
	ack := func(id uint32) []byte {
		var h Header
		EncodeControlFrame(&h, FrameDeliveryAck, 1, id)
		return h[:]
	}

	t.Run("in order", func(t *testing.T) {
		e, id1, id2 := setup()
		assert.True(t, e.mux.OnDataReceived(append(ack(id1), ack(id2)...)))
		assert.Equal(t, []uint32{id1, id2}, e.registrarService(1).delivered)
	})

	t.Run("out of order", func(t *testing.T) {
		e, _, id2 := setup()
		assert.False(t, e.mux.OnDataReceived(ack(id2)))
		assert.ErrorIs(t, e.mux.Violation(), ErrProtocolViolation)
		assert.Empty(t, e.registrarService(1).delivered)
	})

	t.Run("nothing outstanding", func(t *testing.T) {
		e, id1, id2 := setup()
		assert.True(t, e.mux.OnDataReceived(append(ack(id1), ack(id2)...)))
		assert.False(t, e.mux.OnDataReceived(ack(id2)))
	})
}

func (e *endpoint) registrarService(id uint32) *testService {
	return e.mux.Channel(id).Service().(*testService)
}

func TestProtocolViolations(t *testing.T) {
	control := func(typ FrameType, channelID uint32) []byte {
		var h Header
		EncodeControlFrame(&h, typ, channelID, 0)
		return h[:]
	}
	data := func(channelID uint32) []byte {
		var h Header
		EncodeDataFrame(&h, channelID, 1, 1, 0)
		return append(h[:], 'x')
	}

	t.Run("data for channel without service", func(t *testing.T) {
		e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
		assert.False(t, e.mux.OnDataReceived(data(1)))
	})
	t.Run("data for unknown channel", func(t *testing.T) {
		e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
		assert.False(t, e.mux.OnDataReceived(data(9)))
	})
	t.Run("data for pending channel", func(t *testing.T) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(1), 1)
		e.mux.OnConnected(testAddr)
		assert.Equal(t, ChannelPending, e.mux.Channel(1).State())
		assert.False(t, e.mux.OnDataReceived(data(1)))
	})
	t.Run("duplicate query", func(t *testing.T) {
		e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
		assert.True(t, e.mux.OnDataReceived(control(FrameChannelQuery, 1)))
		assert.False(t, e.mux.OnDataReceived(control(FrameChannelQuery, 1)))
		assert.Equal(t, 1, e.registrar.services[1].opened)
	})
	t.Run("duplicate query in one buffer stops decoding", func(t *testing.T) {
		e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
		buf := append(control(FrameChannelQuery, 1), control(FrameChannelQuery, 1)...)
		buf = append(buf, control(FramePing, 0)...)
		assert.False(t, e.mux.OnDataReceived(buf))
		e.reactor.runAll()
		for _, f := range e.transport.written {
			assert.NotEqual(t, FramePong, headerOf(f).Type(), "frames after the violation must not be handled")
		}
	})
	t.Run("query for unknown channel is denied", func(t *testing.T) {
		e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
		assert.True(t, e.mux.OnDataReceived(control(FrameChannelQuery, 5)))
		e.reactor.runAll()
		if assert.Len(t, e.transport.written, 1) {
			assert.Equal(t, FrameChannelDeny, headerOf(e.transport.written[0]).Type())
			assert.EqualValues(t, 5, headerOf(e.transport.written[0]).ChannelID())
		}
		assert.Nil(t, e.mux.Channel(5))
	})
	t.Run("query sent to a client", func(t *testing.T) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(1), 1)
		assert.False(t, e.mux.OnDataReceived(control(FrameChannelQuery, 1)))
	})
	t.Run("allow sent to a server", func(t *testing.T) {
		e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
		assert.False(t, e.mux.OnDataReceived(control(FrameChannelAllow, 1)))
	})
	t.Run("allow without query", func(t *testing.T) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(1), 1)
		assert.False(t, e.mux.OnDataReceived(control(FrameChannelAllow, 1)))
	})
	t.Run("allow twice", func(t *testing.T) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(1), 1)
		e.mux.OnConnected(testAddr)
		assert.True(t, e.mux.OnDataReceived(control(FrameChannelAllow, 1)))
		assert.False(t, e.mux.OnDataReceived(control(FrameChannelAllow, 1)))
		assert.Equal(t, 1, e.registrar.services[1].opened)
	})
	t.Run("garbage", func(t *testing.T) {
		e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
		assert.False(t, e.mux.OnDataReceived([]byte{0, 20, 0, 99, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
		assert.ErrorIs(t, e.mux.Violation(), ErrInvalidFrame)
	})
}

func TestPingPong(t *testing.T) {
	e := newEndpoint(t, RoleServer, newTestRegistrar(), 1)
	var h Header
	EncodeControlFrame(&h, FramePing, 0, 0)
	assert.True(t, e.mux.OnDataReceived(h[:]))
	assert.Equal(t, FramePong, e.complete(t).Type())
}

func TestKeepAlive(t *testing.T) {
	t.Run("silence", func(t *testing.T) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(), 1)
		assert.True(t, e.mux.OnTimeout())
		assert.Equal(t, FramePing, e.complete(t).Type())
		assert.False(t, e.mux.OnTimeout())
	})

	t.Run("any traffic resets", func(t *testing.T) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(), 1)
		assert.True(t, e.mux.OnTimeout())
		// a few bytes of some frame, not a pong
		assert.True(t, e.mux.OnDataReceived([]byte{0, 20, 0}))
		assert.True(t, e.mux.OnTimeout())
		assert.False(t, e.mux.OnTimeout())
	})

	t.Run("pong resets", func(t *testing.T) {
		e := newEndpoint(t, RoleClient, newTestRegistrar(), 1)
		var pong Header
		EncodeControlFrame(&pong, FramePong, 0, 0)
		for i := 0; i < 5; i++ {
			assert.True(t, e.mux.OnTimeout())
			assert.True(t, e.mux.OnDataReceived(pong[:]))
		}
	})
}

func TestDisconnectDrains(t *testing.T) {
	e := newEndpoint(t, RoleClient, newTestRegistrar(3), 1, 2, 3, 4)
	e.mux.OnConnected(testAddr)
	e.reactor.runAll()
	for len(e.transport.inflight) > 0 {
		e.complete(t)
	}
	busy := e.confirm(1)
	idle := e.confirm(2)
	pending := e.registrar.services[3]
	assert.Equal(t, ChannelPending, e.mux.Channel(3).State())

	big := make([]byte, 3*MaxChunkSize)
	e.mux.SendData(1, big)
	e.mux.SendData(1, []byte("queued"))
	e.mux.SendData(3, []byte("queued on a pending channel"))
	e.complete(t) // first chunk of big
	e.mux.SendControl(FramePing, 0, 0)
	assert.NotNil(t, e.mux.curPacket)

	e.mux.OnDisconnected("connection reset")

	assert.Equal(t, []string{"connection reset"}, busy.closed)
	assert.Equal(t, []string{"connection reset"}, idle.closed)
	assert.Empty(t, pending.closed)
	assert.Len(t, busy.sent, 2)
	assert.Len(t, pending.sent, 1)
	assert.Empty(t, idle.sent)
	assert.Empty(t, busy.delivered)
	assert.Equal(t, ChannelClosed, e.mux.Channel(1).State())
	assert.Equal(t, ChannelUnconfigured, e.mux.Channel(4).State())

	assert.Nil(t, e.mux.curPacket)
	assert.Equal(t, 0, e.mux.dataQueue.len())
	assert.Empty(t, e.mux.controlQueue)
	assert.Empty(t, e.mux.pendingAcks)
	assert.Equal(t, gateIdle, atomic.LoadUint32(&e.mux.gate))

	// a completion for the write that was on the wire is ignored
	e.mux.OnSendComplete()
	assert.Len(t, busy.sent, 2)
}

func TestCloseDetachesChannels(t *testing.T) {
	e := newEndpoint(t, RoleServer, newTestRegistrar(1), 1)
	var q Header
	EncodeControlFrame(&q, FrameChannelQuery, 1, 0)
	assert.True(t, e.mux.OnDataReceived(q[:]))
	ch := e.mux.Channel(1)

	assert.NoError(t, e.mux.Close())
	assert.Equal(t, []uint32{1}, e.registrar.deleted)
	_, err := ch.Send([]byte{1})
	assert.ErrorIs(t, err, ErrChannelDetached)
	_, err = e.mux.SendData(1, []byte{1})
	assert.ErrorIs(t, err, ErrMultiplexerClosed)
	assert.ErrorIs(t, e.mux.Close(), ErrMultiplexerClosed)
}

func TestSendFromCallback(t *testing.T) {
	// the server's service speaks first, from inside OnChannelOpen
	serverReg := newTestRegistrar(1)
	serverReg.onOpen = func(ch *Channel) {
		if _, err := ch.Send([]byte("hello")); err != nil {
			t.Errorf("send from callback: %v", err)
		}
	}
	p := newPair(t, newTestRegistrar(1), serverReg, 1)
	p.connect()
	p.pump(t)

	assert.Equal(t, [][]byte{[]byte("hello")}, p.client.registrar.services[1].received)
	assert.Len(t, serverReg.services[1].sent, 1)
	assert.Len(t, serverReg.services[1].delivered, 1)
}
