package wsfront

import (
	"context"
	"encoding/json"
	"time"

	"nhooyr.io/websocket"
)

// writeTimeout bounds a single outbound frame write so a stalled client
// cannot block the session worker indefinitely.
const writeTimeout = 10 * time.Second

// WSConn adapts a *websocket.Conn to the session.Conn interface.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps ws for use by a Session.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{conn: ws}
}

// WriteJSON marshals v and writes it as a single text frame.
func (c *WSConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// Close sends a WebSocket close frame with the given code and reason.
func (c *WSConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
