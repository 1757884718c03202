package swshare

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn wraps a websocket.Conn into a net.Conn carrying an ordered
// byte stream, so the frame protocol runs unchanged over the ws and wss
// transports. Each Write becomes one binary message; Read drains incoming
// messages as a contiguous stream.
type WebSocketConn struct {
	*websocket.Conn
	buff []byte
}

// NewWebSocketConn wraps a gorilla websocket connection. Closing the
// returned conn closes the websocket.
func NewWebSocketConn(wsConn *websocket.Conn) net.Conn {
	return &WebSocketConn{Conn: wsConn}
}

// Read returns buffered remainder of the previous message, or reads the
// next message.
func (c *WebSocketConn) Read(dst []byte) (int, error) {
	var src []byte
	if len(c.buff) > 0 {
		src = c.buff
		c.buff = nil
	} else if _, msg, err := c.Conn.ReadMessage(); err == nil {
		src = msg
	} else {
		return 0, err
	}
	n := copy(dst, src)
	if n < len(src) {
		c.buff = src[n:]
	}
	return n, nil
}

// Write sends b as a single binary message.
func (c *WebSocketConn) Write(b []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// SetDeadline applies the deadline to both directions.
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
