package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Conn serialises writes to a gorilla connection, which allows one concurrent writer.
type Conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// Wrap returns a Conn around ws.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{Conn: ws}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// Read reads and decodes a message into v with a read deadline.
func (c *Conn) Read(v any) error {
	c.SetReadDeadline(time.Now().Add(readWait))
	return c.ReadJSON(v)
}
