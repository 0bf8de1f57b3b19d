package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Close codes the upgrade handler sends before dropping a connection.
const (
	CloseTokenExpired  = 4001
	CloseTokenInvalid  = 4002
	CloseKeyRevoked    = 4003
	CloseKeyLimit      = 4004
	CloseWorkspaceBusy = 4005
)

// GorillaConn adapts a gorilla websocket to the hub's Conn interface.
// Gorilla permits one concurrent writer, so sends are serialized here.
type GorillaConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func NewGorillaConn(ws *websocket.Conn) *GorillaConn {
	return &GorillaConn{ws: ws}
}

func (c *GorillaConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *GorillaConn) Close() error {
	return c.ws.Close()
}

// CloseWith sends a close frame with the given application code and
// reason, then closes the socket.
func (c *GorillaConn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.mu.Unlock()
	return c.ws.Close()
}
