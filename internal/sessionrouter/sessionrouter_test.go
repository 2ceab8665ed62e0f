package sessionrouter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/agentsession"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// fakeConn blocks Recv until closed, so AgentSession's readLoop goroutine
// parks quietly instead of busy-looping or logging spurious errors.
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

type fakeTransport struct {
	dials int32
}

func (f *fakeTransport) Dial(ctx context.Context, serverURL, sessionName string) (agentsession.Conn, error) {
	atomic.AddInt32(&f.dials, 1)
	return newFakeConn(), nil
}

func newTestRouter(t *testing.T) (*Router, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	factory := func(name string) *agentsession.AgentSession {
		return agentsession.New(name, agentsession.DefaultConfig("ws://test"), tr, discardSink{}, nil)
	}
	return New(factory, nil), tr
}

type discardSink struct{}

func (discardSink) Append(e events.Event) bool { return true }

func TestConnectCreatesSessionOnFirstCall(t *testing.T) {
	r, _ := newTestRouter(t)
	sess, err := r.Connect(context.Background(), "s1", t.TempDir(), protocol.PermissionDefault)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.Name != "s1" {
		t.Fatalf("session name = %q, want s1", sess.Name)
	}
	if r.Current().Name != "s1" {
		t.Fatal("expected s1 to become the current session")
	}
}

func TestConnectReusesExistingSessionForSameName(t *testing.T) {
	r, tr := newTestRouter(t)
	ctx := context.Background()
	dir := t.TempDir()

	first, err := r.Connect(ctx, "s1", dir, protocol.PermissionDefault)
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	second, err := r.Connect(ctx, "s1", dir, protocol.PermissionDefault)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if first != second {
		t.Fatal("expected the same Session handle for repeat connects under one name")
	}
	if atomic.LoadInt32(&tr.dials) != 1 {
		t.Fatalf("dials = %d, want exactly 1 (link established once)", tr.dials)
	}
}

func TestGetReturnsFalseForUnknownSession(t *testing.T) {
	r, _ := newTestRouter(t)
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected Get of unknown session to report not-found")
	}
}

func TestSwitchWorkspaceUpdatesWorkspaceDir(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()
	dir1 := t.TempDir()
	if _, err := r.Connect(ctx, "s1", dir1, protocol.PermissionDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dir2 := t.TempDir()
	sess, err := r.SwitchWorkspace(ctx, "s1", dir2)
	if err != nil {
		t.Fatalf("SwitchWorkspace: %v", err)
	}
	if sess.WorkspaceDir != dir2 {
		t.Fatalf("workspaceDir = %q, want %q", sess.WorkspaceDir, dir2)
	}
}

func TestSwitchWorkspaceUnknownSessionFails(t *testing.T) {
	r, _ := newTestRouter(t)
	if _, err := r.SwitchWorkspace(context.Background(), "missing", t.TempDir()); err == nil {
		t.Fatal("expected error switching workspace of an unknown session")
	}
}

func TestDisconnectAllClearsCurrentAndSessions(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()
	if _, err := r.Connect(ctx, "s1", t.TempDir(), protocol.PermissionDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.DisconnectAll()

	if r.Current() != nil {
		t.Fatal("expected no current session after DisconnectAll")
	}
	if len(r.Names()) != 0 {
		t.Fatalf("names = %v, want empty", r.Names())
	}
}
