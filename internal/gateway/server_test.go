package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/agentsession"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/bus"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/ledger"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/secrets"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/sessionrouter"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/supervisor"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// fakeConn blocks Recv until closed, parking AgentSession's readLoop
// without logging spurious errors, matching the sessionrouter test fakes.
type fakeConn struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) Send(ctx context.Context, v any) error { return nil }

func (c *fakeConn) Recv(ctx context.Context) (agentsession.WireFrame, error) {
	<-c.closed
	return agentsession.WireFrame{}, context.Canceled
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct{}

func (fakeTransport) Dial(ctx context.Context, serverURL, sessionName string) (agentsession.Conn, error) {
	return newFakeConn(), nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	led := ledger.New(ledger.DefaultLimits(), nil, nil, nil)
	factory := func(name string) *agentsession.AgentSession {
		return agentsession.New(name, agentsession.DefaultConfig("ws://test"), fakeTransport{}, led, nil)
	}
	router := sessionrouter.New(factory, nil)
	srv := NewServer(Deps{Config: &config.Config{}, Router: router, Ledger: led}, nil)
	return httptest.NewServer(srv.BuildMux())
}

func TestStatusRouteReportsNoCurrentSessionInitially(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + protocol.RouteStatus)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != true {
		t.Fatalf("body = %v, want success=true", body)
	}
	if _, has := body["currentSession"]; has {
		t.Fatal("expected no currentSession before any connect")
	}
}

func TestAIConnectThenStatusReflectsCurrentSession(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	reqBody, _ := json.Marshal(map[string]any{"name": "s1", "workspaceDir": t.TempDir()})
	resp, err := http.Post(ts.URL+protocol.RouteAIConnect, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d, want 200", resp.StatusCode)
	}

	statusResp, err := http.Get(ts.URL + protocol.RouteStatus)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer statusResp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(statusResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["currentSession"] != "s1" {
		t.Fatalf("currentSession = %v, want s1", body["currentSession"])
	}
}

func TestAIConnectRejectsMissingName(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	reqBody, _ := json.Marshal(map[string]any{"workspaceDir": t.TempDir()})
	resp, err := http.Post(ts.URL+protocol.RouteAIConnect, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// fakePublisher records broadcast frames without needing a real eventbus.Bus.
type fakePublisher struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (p *fakePublisher) Subscribe(clientID string, handler bus.FrameHandler) {}
func (p *fakePublisher) Unsubscribe(clientID string)                        {}
func (p *fakePublisher) Broadcast(frame protocol.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
}

func testIdentity() secrets.Identity {
	return secrets.Identity{Hostname: "h", HomeDir: "/home/u", Platform: "linux", Arch: "amd64", User: "u"}
}

func newTestServerWithDaemon(t *testing.T) (*httptest.Server, *fakePublisher, string) {
	t.Helper()
	led := ledger.New(ledger.DefaultLimits(), nil, nil, nil)
	factory := func(name string) *agentsession.AgentSession {
		return agentsession.New(name, agentsession.DefaultConfig("ws://test"), fakeTransport{}, led, nil)
	}
	router := sessionrouter.New(factory, nil)
	dataDir := t.TempDir()
	box := secrets.NewBox(testIdentity())
	sup := supervisor.New(supervisor.Config{
		SessionName: "default",
		Child:       supervisor.ChildSpec{Command: "sleep", Args: []string{"30"}},
		Port:        4321,
	}, nil, nil, nil)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Stop(stopCtx)
	})

	pub := &fakePublisher{}
	srv := NewServer(Deps{
		Config:     &config.Config{DataDir: dataDir},
		EventPub:   pub,
		Router:     router,
		Supervisor: sup,
		Ledger:     led,
		SecretBox:  box,
	}, nil)
	return httptest.NewServer(srv.BuildMux()), pub, dataDir
}

func TestDaemonStatusReportsNotRunningBeforeEnsureRunning(t *testing.T) {
	ts, _, _ := newTestServerWithDaemon(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + protocol.RouteDaemonPrefix + "status")
	if err != nil {
		t.Fatalf("GET daemon status: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["running"] != false {
		t.Fatalf("running = %v, want false", body["running"])
	}
	if body["port"] != float64(4321) {
		t.Fatalf("port = %v, want 4321", body["port"])
	}
}

func TestDaemonRestartStartsTheChildAndReportsRunning(t *testing.T) {
	ts, _, _ := newTestServerWithDaemon(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+protocol.RouteDaemonPrefix+"restart", "application/json", nil)
	if err != nil {
		t.Fatalf("POST restart: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["running"] != true {
		t.Fatalf("running = %v, want true", body["running"])
	}
	if body["pid"] == nil || body["pid"] == float64(0) {
		t.Fatalf("pid = %v, want nonzero", body["pid"])
	}
}

func TestSettingsSecretRotatePersistsAndBroadcasts(t *testing.T) {
	ts, pub, dataDir := newTestServerWithDaemon(t)
	defer ts.Close()

	reqBody, _ := json.Marshal(map[string]string{"key": "accessKey", "value": "tok-123"})
	resp, err := http.Post(ts.URL+protocol.RouteSettingsPrefix+"secrets", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST secret rotate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status = %d, want 200", resp.StatusCode)
	}

	value, found, err := config.LoadSecret(dataDir, "accessKey", secrets.NewBox(testIdentity()))
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if !found || value != "tok-123" {
		t.Fatalf("LoadSecret = (%q, %v), want (tok-123, true)", value, found)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.frames) != 1 || pub.frames[0].Topic != protocol.TopicSecretChanged {
		t.Fatalf("frames = %v, want one happy:secretChanged frame", pub.frames)
	}
}

func TestSettingsSecretRotateRejectsMissingKey(t *testing.T) {
	ts, _, _ := newTestServerWithDaemon(t)
	defer ts.Close()

	reqBody, _ := json.Marshal(map[string]string{"value": "tok-123"})
	resp, err := http.Post(ts.URL+protocol.RouteSettingsPrefix+"secrets", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST secret rotate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAIStatusReturns404WithNoActiveSession(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + protocol.RouteAIStatus)
	if err != nil {
		t.Fatalf("GET ai status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
