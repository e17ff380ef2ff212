package tunnelserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 15 * time.Second

// controlConn wraps a *websocket.Conn with the per-channel write
// serialization spec.md §5 requires: concurrent senders must queue or
// lock, never interleave partial writes on the same connection.
type controlConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newControlConn(conn *websocket.Conn) *controlConn {
	return &controlConn{conn: conn}
}

func (c *controlConn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	return c.conn.WriteMessage(messageType, data)
}

func (c *controlConn) Close() error {
	return c.conn.Close()
}
