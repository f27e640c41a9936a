package multiplex

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultKeepAlive = 5 * time.Second
	// large enough for a websocket message carrying a whole frame
	connReceiveBufferSize = 2 * MaxFrameSize
)

type ControllerConfig struct {
	Role           Role
	Registrar      Registrar
	ServiceContext interface{}
	PacketIDs      *PacketIDAllocator
	MaxPacketSize  int

	Channels []uint32

	// KeepAlive is the interval between pings. The connection is dropped when two go by without anything
	// received. Defaults to 5s, negative disables pings.
	KeepAlive time.Duration

	// Valve defaults to an unlimited one
	Valve *Valve

	// ID is used in logs
	ID string
}

// A Controller runs a Multiplexer over one net.Conn. It owns the reactor the multiplexer runs on, feeds it what is
// read from the connection and ticks its keepalive. When the connection goes, for whatever reason, the
// multiplexer is told so, its services are released and the reactor stops.
type Controller struct {
	id    string
	conn  net.Conn
	valve *Valve

	loop      *EventLoop
	mux       *Multiplexer
	transport *connTransport
	keepAlive time.Duration

	// atomic
	closed uint32

	terminalMsgSetter sync.Once
	terminalMsg       string

	die  chan struct{}
	done chan struct{}
}

// StartController takes ownership of conn and starts multiplexing on it
func StartController(conn net.Conn, config ControllerConfig) (*Controller, error) {
	if config.Valve == nil {
		config.Valve = MakeUnlimitedValve()
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = defaultKeepAlive
	}

	c := &Controller{
		id:        config.ID,
		conn:      conn,
		valve:     config.Valve,
		loop:      NewEventLoop(),
		keepAlive: config.KeepAlive,
		die:       make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.mux = MakeMultiplexer(MultiplexerConfig{
		Reactor:        c.loop,
		Role:           config.Role,
		Registrar:      config.Registrar,
		ServiceContext: config.ServiceContext,
		PacketIDs:      config.PacketIDs,
		MaxPacketSize:  config.MaxPacketSize,
	})
	c.transport = newConnTransport(conn, c.valve, c.loop, c.mux.OnSendComplete, func(err error) {
		c.fail("failed to send to remote: " + err.Error())
	})
	if err := c.mux.SetTransport(c.transport, config.Channels); err != nil {
		c.transport.close()
		return nil, err
	}

	go c.loop.Run()
	go func() {
		<-c.loop.Done()
		close(c.done)
	}()

	remote := conn.RemoteAddr()
	c.loop.Post(func() { c.mux.OnConnected(remote) })
	go c.readLoop()
	if c.keepAlive > 0 {
		go c.keepAliveLoop()
	}
	log.WithFields(log.Fields{
		"conn":       c.id,
		"remoteAddr": remote,
		"role":       config.Role,
	}).Debugf("controller started with %v channels", len(config.Channels))
	return c, nil
}

func (c *Controller) ID() string                { return c.id }
func (c *Controller) Multiplexer() *Multiplexer { return c.mux }
func (c *Controller) Valve() *Valve             { return c.valve }
func (c *Controller) Done() <-chan struct{}     { return c.done }
func (c *Controller) IsClosed() bool            { return atomic.LoadUint32(&c.closed) == 1 }

// TerminalMsg is the reason the connection was closed
func (c *Controller) TerminalMsg() string {
	select {
	case <-c.die:
		return c.terminalMsg
	default:
		return ""
	}
}

// Channel is safe to call from any goroutine: the channel set never changes
func (c *Controller) Channel(id uint32) *Channel { return c.mux.Channel(id) }

func (c *Controller) Close() error {
	c.fail("closed locally")
	return nil
}

// readLoop hands every read to the reactor and waits for it to be decoded before reading again
func (c *Controller) readLoop() {
	buf := make([]byte, connReceiveBufferSize)
	processed := make(chan struct{}, 1)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.valve.rxWait(n)
			c.valve.AddRx(int64(n))
			data := buf[:n]
			c.loop.Post(func() {
				if !c.mux.IsClosed() && !c.mux.OnDataReceived(data) {
					c.fail(c.mux.Violation().Error())
				}
				processed <- struct{}{}
			})
			select {
			case <-processed:
			case <-c.die:
				return
			}
		}
		if err != nil {
			c.fail("connection dropped: " + err.Error())
			return
		}
	}
}

func (c *Controller) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.die:
			return
		case <-ticker.C:
			c.loop.Post(func() {
				if !c.mux.IsClosed() && !c.mux.OnTimeout() {
					c.fail("keepalive timeout")
				}
			})
		}
	}
}

// fail tears the connection down. Only the first call has any effect.
func (c *Controller) fail(msg string) {
	c.terminalMsgSetter.Do(func() {
		c.terminalMsg = msg
	})
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	close(c.die)
	log.WithFields(log.Fields{
		"conn":       c.id,
		"remoteAddr": c.conn.RemoteAddr(),
	}).Debugf("closing connection: %v", msg)
	c.transport.close()
	_ = c.conn.Close()
	c.loop.Post(func() {
		c.mux.OnDisconnected(msg)
		_ = c.mux.Close()
	})
	c.loop.Close()
}
