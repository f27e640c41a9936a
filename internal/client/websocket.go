package client

import (
	"fmt"
	"net"
	"net/url"

	"github.com/cbeuw/chanmux/internal/common"
	mux "github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/gorilla/websocket"
)

// WSTransport carries frames in binary websocket messages
type WSTransport struct {
	remoteAddr string
}

// NewWSTransport makes a transport whose handshake names remoteAddr as the host
func NewWSTransport(remoteAddr string) *WSTransport {
	return &WSTransport{remoteAddr: remoteAddr}
}

func (ws *WSTransport) Prepare(conn net.Conn) (net.Conn, error) {
	u := url.URL{Scheme: "ws", Host: ws.remoteAddr, Path: "/ws"}
	dialer := websocket.Dialer{
		NetDial:         func(string, string) (net.Conn, error) { return conn, nil },
		ReadBufferSize:  2 * mux.MaxFrameSize,
		WriteBufferSize: 2 * mux.MaxFrameSize,
	}
	c, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to handshake: %v", err)
	}
	return &common.WebSocketConn{Conn: c}, nil
}
