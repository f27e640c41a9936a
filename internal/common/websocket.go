package common

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn makes a websocket.Conn a binary-oriented net.Conn. Each Write is sent as one binary message; Read
// returns message payloads as a byte stream, so a message larger than the read buffer is handed over in pieces.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex

	// message being read, nil between messages. Only touched by the reading goroutine.
	reader io.Reader
}

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (ws *WebSocketConn) Read(buf []byte) (n int, err error) {
	for {
		if ws.reader == nil {
			var t int
			t, ws.reader, err = ws.NextReader()
			if err != nil {
				return 0, err
			}
			if t != websocket.BinaryMessage {
				ws.reader = nil
				continue
			}
		}
		n, err = ws.reader.Read(buf)
		if err == io.EOF {
			ws.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return
	}
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}
