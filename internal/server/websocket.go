package server

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cbeuw/chanmux/internal/common"
	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"
)

// net/http has no way to serve a connection we already accepted, so the upgrade goes through http.Serve with a
// listener that hands out that one connection. Any bytes already read off it, while working out what the client
// speaks, are replayed by firstBuffedConn before the rest of the stream.

const wsPath = "/ws"

var ErrUpgradeFailed = errors.New("websocket upgrade failed")

// looksLikeUpgrade reports whether a client opened with an HTTP GET. A frame can never start this way: "GE" as a
// frame size is larger than any frame.
func looksLikeUpgrade(first []byte) bool {
	return bytes.HasPrefix(first, []byte("GET "))
}

type firstBuffedConn struct {
	net.Conn
	firstRead   bool
	firstPacket []byte
}

func (c *firstBuffedConn) Read(buf []byte) (int, error) {
	if !c.firstRead && len(c.firstPacket) > 0 {
		n := copy(buf, c.firstPacket)
		c.firstPacket = c.firstPacket[n:]
		if len(c.firstPacket) == 0 {
			c.firstRead = true
		}
		return n, nil
	}
	return c.Conn.Read(buf)
}

type wsOnceListener struct {
	done bool
	c    *firstBuffedConn
}

func newWsAcceptor(conn net.Conn, first []byte) *wsOnceListener {
	f := make([]byte, len(first))
	copy(f, first)
	return &wsOnceListener{
		c: &firstBuffedConn{Conn: conn, firstPacket: f},
	}
}

func (w *wsOnceListener) Accept() (net.Conn, error) {
	if w.done {
		return nil, errors.New("already accepted")
	}
	w.done = true
	return w.c, nil
}

func (w *wsOnceListener) Close() error {
	w.done = true
	return nil
}

func (w *wsOnceListener) Addr() net.Addr {
	return w.c.LocalAddr()
}

type wsHandshakeHandler struct {
	// nil if the upgrade failed
	finished chan net.Conn
}

func newWsHandshakeHandler() *wsHandshakeHandler {
	return &wsHandshakeHandler{finished: make(chan net.Conn, 1)}
}

func (ws *wsHandshakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != wsPath {
		http.NotFound(w, r)
		ws.finished <- nil
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  connBufferSize,
		WriteBufferSize: connBufferSize,
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("failed to upgrade connection to ws: %v", err)
		ws.finished <- nil
		return
	}
	ws.finished <- &common.WebSocketConn{Conn: c}
}

// upgradeWebSocket completes a websocket handshake on conn. first is whatever has already been read from it.
func upgradeWebSocket(conn net.Conn, first []byte, timeout time.Duration) (net.Conn, error) {
	handler := newWsHandshakeHandler()
	go func() {
		_ = http.Serve(newWsAcceptor(conn, first), handler)
	}()
	select {
	case wsConn := <-handler.finished:
		if wsConn == nil {
			return nil, ErrUpgradeFailed
		}
		return wsConn, nil
	case <-time.After(timeout):
		return nil, ErrUpgradeFailed
	}
}
