package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Endpoint is one live client connection as the hub sees it. The concrete
// implementation wraps a gorilla conn; tests substitute fakes.
type Endpoint interface {
	// Send writes one envelope to the peer.
	Send(env *Envelope) error

	// Ping probes liveness. An error means the connection is dead.
	Ping() error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// ErrEndpointClosed is returned by Send after the connection is gone.
var ErrEndpointClosed = errors.New("endpoint closed")

// wsEndpoint adapts *websocket.Conn. Gorilla allows only one concurrent
// writer, so every write holds writeMu and carries its own deadline.
type wsEndpoint struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewEndpoint wraps a WebSocket connection for the hub.
func NewEndpoint(conn *websocket.Conn, writeTimeout time.Duration) Endpoint {
	return &wsEndpoint{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsEndpoint) Send(env *Envelope) error {
	if c.closed.Load() {
		return ErrEndpointClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *wsEndpoint) Ping() error {
	if c.closed.Load() {
		return ErrEndpointClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsEndpoint) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	return c.conn.Close()
}
