package multiplex

import (
	"errors"
	"net"
	"sync"
)

// Transport writes frames for a Multiplexer. Send must not block on the write itself: once all buffers have been
// written the transport posts Multiplexer.OnSendComplete to the reactor. A nil error only means the buffers were
// accepted.
type Transport interface {
	Send(buffers net.Buffers) error
}

var ErrTransportClosed = errors.New("transport is closed")
var errTransportBusy = errors.New("transport is still writing the previous frame")

// connTransport writes to a net.Conn from its own goroutine. The gate guarantees at most one Send is outstanding.
type connTransport struct {
	conn  net.Conn
	valve *Valve

	reactor    Reactor
	onComplete func()
	onError    func(error)

	writeCh   chan net.Buffers
	die       chan struct{}
	closeOnce sync.Once
}

func newConnTransport(conn net.Conn, valve *Valve, reactor Reactor, onComplete func(), onError func(error)) *connTransport {
	t := &connTransport{
		conn:       conn,
		valve:      valve,
		reactor:    reactor,
		onComplete: onComplete,
		onError:    onError,
		writeCh:    make(chan net.Buffers, 1),
		die:        make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *connTransport) Send(buffers net.Buffers) error {
	select {
	case <-t.die:
		return ErrTransportClosed
	default:
	}
	select {
	case t.writeCh <- buffers:
		return nil
	default:
		return errTransportBusy
	}
}

func (t *connTransport) writeLoop() {
	for {
		var buffers net.Buffers
		select {
		case <-t.die:
			return
		case buffers = <-t.writeCh:
		}

		var size int
		for _, b := range buffers {
			size += len(b)
		}
		t.valve.txWait(size)
		n, err := buffers.WriteTo(t.conn)
		t.valve.AddTx(n)
		if err != nil {
			t.onError(err)
			return
		}
		select {
		case <-t.die:
			return
		default:
			t.reactor.Post(t.onComplete)
		}
	}
}

func (t *connTransport) close() {
	t.closeOnce.Do(func() { close(t.die) })
}
