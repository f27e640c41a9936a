package client

import "net"

// Transport turns a freshly dialed connection into one frames can be written to
type Transport interface {
	Prepare(conn net.Conn) (net.Conn, error)
}

// DirectTransport sends frames as they are
type DirectTransport struct{}

func (DirectTransport) Prepare(conn net.Conn) (net.Conn, error) { return conn, nil }
