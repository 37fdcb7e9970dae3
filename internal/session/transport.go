package session

import (
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Transport abstracts the byte stream under a session so TCP and WebSocket
// connections share one session implementation. Read returns the next chunk
// of raw bytes; chunk boundaries carry no meaning, the frame decoder
// reassembles.
type Transport interface {
	Read(buf []byte) (int, error)
	Write(b []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// tcpTransport adapts a net.Conn.
type tcpTransport struct {
	conn net.Conn
}

// NewTCPTransport wraps a TCP connection.
func NewTCPTransport(conn net.Conn) Transport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) Read(buf []byte) (int, error) { return t.conn.Read(buf) }

func (t *tcpTransport) Write(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *tcpTransport) SetReadDeadline(dl time.Time) error { return t.conn.SetReadDeadline(dl) }

func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *tcpTransport) Close() error { return t.conn.Close() }

// wsTransport adapts a gorilla websocket connection. Each binary message is
// one chunk of the stream; frames may span or share messages, the decoder
// does not care.
type wsTransport struct {
	conn    *websocket.Conn
	pending []byte
}

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(buf []byte) (int, error) {
	if len(t.pending) == 0 {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			return 0, fmt.Errorf("unexpected websocket message type %d", mt)
		}
		t.pending = data
	}
	n := copy(buf, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *wsTransport) Write(b []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (t *wsTransport) SetReadDeadline(dl time.Time) error { return t.conn.SetReadDeadline(dl) }

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *wsTransport) Close() error { return t.conn.Close() }
