package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// wsClient is one connected local WebSocket subscriber (desktop UI, web
// UI). Outbound frames are serialized through a single writer goroutine per
// connection, matching gorilla/websocket's one-writer-at-a-time contract.
type wsClient struct {
	id   string
	conn *websocket.Conn

	send chan *protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan *protocol.Frame, 64),
		closed: make(chan struct{}),
	}
}

// Send enqueues a frame for delivery; it never blocks the caller on a slow
// client — a full queue drops the frame rather than backing up the bus.
func (c *wsClient) Send(f *protocol.Frame) {
	select {
	case c.send <- f:
	default:
	}
}

// Run pumps both directions until the connection closes or ctx is done.
func (c *wsClient) Run(ctx context.Context) {
	go c.writeLoop(ctx)
	c.readLoop()
}

func (c *wsClient) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
