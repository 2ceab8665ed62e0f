// Package browserctl exposes a second WebSocket port for the browser
// extension's control plane. Per the specification, the extension's wire
// protocol is treated as an opaque request/response channel: this package
// only owns framing, connection lifecycle, and request/response
// correlation — payload semantics belong entirely to the extension side.
package browserctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Envelope is the wire frame exchanged with the extension: a request or
// response correlated by RequestID, with an opaque JSON Payload.
type Envelope struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// pending tracks one outstanding request awaiting a response.
type pending struct {
	resultCh chan Envelope
}

// Hub accepts one browser-extension connection at a time and brokers
// request/response pairs over it. A second connection replaces the first
// (the extension reconnecting is the common case; this is not a
// multi-tenant control plane).
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*pending
}

// New constructs an idle Hub; call ServeHTTP (mounted on its own port) to
// accept connections.
func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, pending: make(map[string]*pending)}
}

// ServeHTTP upgrades the request to a WebSocket and services it until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local-only port; the extension host isn't a normal browser origin
	})
	if err != nil {
		h.log.Error("browserctl: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	h.mu.Lock()
	if h.conn != nil {
		h.conn.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
	h.conn = conn
	h.mu.Unlock()

	h.log.Info("browserctl: extension connected")
	h.readLoop(r.Context(), conn)
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			h.log.Info("browserctl: extension disconnected", "err", err)
			h.mu.Lock()
			if h.conn == conn {
				h.conn = nil
			}
			h.mu.Unlock()
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn("browserctl: malformed envelope", "err", err)
			continue
		}
		h.mu.Lock()
		p, ok := h.pending[env.RequestID]
		if ok {
			delete(h.pending, env.RequestID)
		}
		h.mu.Unlock()
		if ok {
			p.resultCh <- env
		}
	}
}

// Call sends method+payload to the connected extension and waits for its
// response, or returns an error if no extension is connected or the call
// times out.
func (h *Hub) Call(ctx context.Context, method string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("browserctl: no extension connected")
	}

	requestID := uuid.NewString()
	p := &pending{resultCh: make(chan Envelope, 1)}
	h.mu.Lock()
	h.pending[requestID] = p
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
	}()

	data, err := json.Marshal(Envelope{RequestID: requestID, Method: method, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case resp := <-p.resultCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("browserctl: extension returned error: %s", resp.Error)
		}
		return resp.Payload, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("browserctl: call %q timed out: %w", method, callCtx.Err())
	}
}

// Connected reports whether an extension is currently attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}
