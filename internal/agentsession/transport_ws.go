package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
)

// WSTransport dials the remote agent's session endpoint over coder/websocket,
// grounded on the same wrapper shape the teacher uses for its own
// WebSocket-backed channel transport (one connection, one read loop, one
// mutex-guarded writer).
type WSTransport struct{}

// NewWSTransport constructs the production Transport.
func NewWSTransport() *WSTransport { return &WSTransport{} }

// Dial implements Transport.
func (t *WSTransport) Dial(ctx context.Context, serverURL string, sessionName string) (Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionName)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent session: %w", err)
	}
	conn.SetReadLimit(8 << 20) // 8MB: generous headroom for large tool outputs
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Recv(ctx context.Context) (WireFrame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return WireFrame{}, err
	}
	var f WireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return WireFrame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
