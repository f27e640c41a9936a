package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

const (
	firstPacketTimeout = 3 * time.Second
	connBufferSize     = 2 * mux.MaxFrameSize
)

// Serve accepts connections from l until it is closed, starting a server-side multiplexer on each
func Serve(l net.Listener, sta *State) {
	waitDur := [10]time.Duration{
		50 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
		3 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}

	fails := 0
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("%v, retrying", err)
			time.Sleep(waitDur[fails])
			if fails < 9 {
				fails++
			}
			continue
		}
		fails = 0
		go dispatchConnection(conn, sta)
	}
}

func dispatchConnection(conn net.Conn, sta *State) {
	connID := uuid.New().String()
	remoteAddr := conn.RemoteAddr()
	logger := log.WithFields(log.Fields{
		"conn":       connID,
		"remoteAddr": remoteAddr,
	})

	prepared, err := prepareConnection(conn, sta.Transport)
	if err != nil {
		logger.Infof("failed to prepare connection: %v", err)
		conn.Close()
		return
	}

	_, err = startController(prepared, connID, sta)
	if err != nil {
		logger.Error(err)
		prepared.Close()
		return
	}
}

// prepareConnection turns what was accepted into something frames can be read from
func prepareConnection(conn net.Conn, transport TransportMode) (net.Conn, error) {
	switch transport {
	case TransportDirect:
		return conn, nil
	case TransportWebSocket:
		return upgradeWebSocket(conn, nil, firstPacketTimeout)
	}

	// the client always speaks first: either an HTTP GET or a channel-query
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(firstPacketTimeout))
	i, err := io.ReadAtLeast(conn, buf, 4)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	data := buf[:i]

	if looksLikeUpgrade(data) {
		return upgradeWebSocket(conn, data, firstPacketTimeout)
	}
	return &firstBuffedConn{Conn: conn, firstPacket: data}, nil
}

func startController(conn net.Conn, connID string, sta *State) (*mux.Controller, error) {
	controller, err := mux.StartController(conn, mux.ControllerConfig{
		Role:           mux.RoleServer,
		Registrar:      sta.Registrar(),
		ServiceContext: connID,
		MaxPacketSize:  sta.MaxPacketSize,
		Channels:       sta.ChannelIDs,
		KeepAlive:      sta.KeepAlive,
		Valve:          mux.MakeValve(sta.RxRate, sta.TxRate),
		ID:             connID,
	})
	if err != nil {
		return nil, err
	}
	sta.activeConns.add(connID, controller)
	sta.Metrics.connectionOpened()
	log.WithFields(log.Fields{
		"conn":       connID,
		"remoteAddr": conn.RemoteAddr(),
	}).Info("New connection")

	go func() {
		<-controller.Done()
		sta.activeConns.remove(connID)
		sta.Metrics.connectionClosed()
		log.WithFields(log.Fields{
			"conn":   connID,
			"reason": controller.TerminalMsg(),
			"rx":     controller.Valve().GetRx(),
			"tx":     controller.Valve().GetTx(),
		}).Info("Connection closed")
	}()
	return controller, nil
}

// NumConnections is the number of live connections
func (sta *State) NumConnections() int { return sta.activeConns.len() }

// Shutdown closes every connection and commits what they used
func (sta *State) Shutdown() {
	sta.activeConns.closeAll()
	if sta.Tracker == nil {
		return
	}
	if err := sta.Tracker.Commit(); err != nil {
		log.Errorf("failed to commit channel usage: %v", err)
	}
	if err := sta.Tracker.Manager.Close(); err != nil {
		log.Error(err)
	}
}
