package browserctl

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestCallFailsWithoutConnectedExtension(t *testing.T) {
	h := New(nil)
	if h.Connected() {
		t.Fatal("expected a fresh Hub to report not connected")
	}
	if _, err := h.Call(context.Background(), "ping", nil, time.Second); err == nil {
		t.Fatal("expected Call to fail with no extension connected")
	}
}

func TestCallRoundTripsThroughWebSocket(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.CloseNow()

	// give ServeHTTP a moment to register the connection
	deadline := time.After(time.Second)
	for !h.Connected() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Hub to observe the connection")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// act as the extension: read the request, echo a response with its payload
	go func() {
		ctx := context.Background()
		_, data, err := clientConn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		reply, _ := json.Marshal(Envelope{RequestID: env.RequestID, Payload: json.RawMessage(`{"ok":true}`)})
		clientConn.Write(ctx, websocket.MessageText, reply)
	}()

	resp, err := h.Call(context.Background(), "doThing", json.RawMessage(`{"a":1}`), 2*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("response = %s, want {\"ok\":true}", resp)
	}
}

func TestCallTimesOutWithNoResponse(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.CloseNow()

	deadline := time.After(time.Second)
	for !h.Connected() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Hub to observe the connection")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := h.Call(context.Background(), "neverReplied", nil, 50*time.Millisecond); err == nil {
		t.Fatal("expected Call to time out when the extension never replies")
	}
}
