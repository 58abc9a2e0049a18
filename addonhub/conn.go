package addonhub

import (
	"context"
	"time"

	"github.com/ggoodman/addonrelay/registry"
	"nhooyr.io/websocket"
)

// wsConn adapts a WebSocket to registry.Conn. Writes may be issued
// concurrently; the websocket library serializes them.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
}

var _ registry.Conn = (*wsConn)(nil)

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}
