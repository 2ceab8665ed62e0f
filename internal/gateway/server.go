// Package gateway implements the local HTTP/WebSocket API (§6 External
// interfaces): JSON request/response routes under /api/*, and a
// SocketIO-compatible WebSocket that forwards happy:*/daemon:* topics to
// connected local UIs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/bus"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/channelbridge"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/ledger"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/permissions"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/secrets"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/sessionrouter"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/supervisor"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// apiResponse is the envelope every /api/* route returns: {success, ...}.
type apiResponse map[string]any

func ok(extra apiResponse) apiResponse {
	if extra == nil {
		extra = apiResponse{}
	}
	extra["success"] = true
	return extra
}

func fail(status int, format string, args ...any) (int, apiResponse) {
	return status, apiResponse{"success": false, "error": fmt.Sprintf(format, args...)}
}

// Server is the gateway's HTTP/WS frontend, wired to the daemon's core
// components but owning no session state itself.
type Server struct {
	cfg        *config.Config
	eventPub   bus.EventPublisher
	router     *sessionrouter.Router
	bridge     *channelbridge.Bridge
	broker     *permissions.Broker
	supervisor *supervisor.Supervisor
	ledger     *ledger.Ledger
	secretBox  *secrets.Box
	log        *slog.Logger

	upgrader websocket.Upgrader
	clients  map[string]*wsClient
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps bundles the core components the gateway routes delegate to.
type Deps struct {
	Config     *config.Config
	EventPub   bus.EventPublisher
	Router     *sessionrouter.Router
	Bridge     *channelbridge.Bridge
	Broker     *permissions.Broker
	Supervisor *supervisor.Supervisor
	Ledger     *ledger.Ledger
	SecretBox  *secrets.Box
}

// NewServer constructs a gateway Server. Call Start to begin listening.
func NewServer(deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:        deps.Config,
		eventPub:   deps.EventPub,
		router:     deps.Router,
		bridge:     deps.Bridge,
		broker:     deps.Broker,
		supervisor: deps.Supervisor,
		ledger:     deps.Ledger,
		secretBox:  deps.SecretBox,
		log:        log,
		clients:    make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true }, // local-only API; no browser CORS surface
	}
	return s
}

// BuildMux registers every route and caches the mux so Start and tests
// share one registration path.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc(protocol.RouteStatus, s.jsonRoute(s.handleStatus))

	mux.HandleFunc(protocol.RouteAIStatus, s.jsonRoute(s.handleAIStatus))
	mux.HandleFunc(protocol.RouteAIConnect, s.jsonRoute(s.handleAIConnect))
	mux.HandleFunc(protocol.RouteAIDisconnect, s.jsonRoute(s.handleAIDisconnect))
	mux.HandleFunc(protocol.RouteAIMessage, s.jsonRoute(s.handleAIMessage))
	mux.HandleFunc(protocol.RouteAIMessages, s.jsonRoute(s.handleAIMessages))
	mux.HandleFunc(protocol.RouteAIUsage, s.jsonRoute(s.handleAIUsage))
	mux.HandleFunc(protocol.RouteAIPermissionAllow, s.jsonRoute(s.handlePermission(permissions.DecisionAllow)))
	mux.HandleFunc(protocol.RouteAIPermissionDeny, s.jsonRoute(s.handlePermission(permissions.DecisionDeny)))
	mux.HandleFunc(protocol.RouteAIAbort, s.jsonRoute(s.handleAIAbort))
	mux.HandleFunc(protocol.RouteAISessions, s.jsonRoute(s.handleAISessions))
	mux.HandleFunc(protocol.RouteAISessionPrefix, s.jsonRoute(s.handleAISessionByName))

	mux.HandleFunc(protocol.RouteDaemonPrefix, s.jsonRoute(s.handleDaemon))
	mux.HandleFunc(protocol.RouteSettingsPrefix, s.jsonRoute(s.handleSettings))

	s.mux = mux
	return mux
}

// jsonRoute wraps a handler that returns (status, body) with the
// {success:false,error} convention on non-2xx and JSON encoding on 2xx.
func (s *Server) jsonRoute(h func(*http.Request) (int, apiResponse)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := h(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.log.Warn("gateway: encode response failed", "err", err)
		}
	}
}

// Start begins listening for HTTP and WebSocket connections on cfg.Gateway.Port.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.log.Info("gateway starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartOnListener serves the gateway on a caller-supplied listener, such as
// one from an internal/remote Node. cmd/start does not call it; the daemon
// serves only through Start on localhost.
func (s *Server) StartOnListener(ctx context.Context, ln net.Listener) error {
	mux := s.BuildMux()
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server (shared listener): %w", err)
	}
	return nil
}

func (s *Server) handleStatus(r *http.Request) (int, apiResponse) {
	cur := s.router.Current()
	body := apiResponse{"protocolVersion": protocol.ProtocolVersion}
	if cur != nil {
		body["currentSession"] = cur.Name
		body["workspaceDir"] = cur.WorkspaceDir
	}
	if s.supervisor != nil {
		st := s.supervisor.Status()
		body["daemon"] = apiResponse{
			"running": st.Running,
			"pid":     st.PID,
			"port":    st.Port,
		}
	}
	return http.StatusOK, ok(body)
}

func (s *Server) sessionOrDefault(r *http.Request) (*sessionrouter.Session, bool) {
	name := r.URL.Query().Get("session")
	if name == "" {
		if cur := s.router.Current(); cur != nil {
			return cur, true
		}
		return nil, false
	}
	return s.router.Get(name)
}

func (s *Server) handleAIStatus(r *http.Request) (int, apiResponse) {
	sess, found := s.sessionOrDefault(r)
	if !found {
		return fail(http.StatusNotFound, "no active session")
	}
	snap := sess.Agent.Snapshot()
	return http.StatusOK, ok(apiResponse{
		"sessionId":      snap.SessionID,
		"workspaceDir":   snap.WorkspaceDir,
		"permissionMode": snap.PermissionMode,
		"status":         snap.Status,
		"lifecycle":      snap.Lifecycle,
		"usage":          snap.Usage,
	})
}

type connectRequest struct {
	Name           string                  `json:"name"`
	WorkspaceDir   string                  `json:"workspaceDir"`
	PermissionMode protocol.PermissionMode `json:"permissionMode"`
}

func (s *Server) handleAIConnect(r *http.Request) (int, apiResponse) {
	if r.Method != http.MethodPost {
		return fail(http.StatusBadRequest, "method not allowed")
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return fail(http.StatusBadRequest, "invalid request body: %v", err)
	}
	if req.Name == "" {
		return fail(http.StatusBadRequest, "name is required")
	}
	sess, err := s.router.Connect(r.Context(), req.Name, req.WorkspaceDir, req.PermissionMode)
	if err != nil {
		return fail(http.StatusServiceUnavailable, "connect failed: %v", err)
	}
	return http.StatusOK, ok(apiResponse{"sessionId": sess.Name})
}

func (s *Server) handleAIDisconnect(r *http.Request) (int, apiResponse) {
	sess, found := s.sessionOrDefault(r)
	if !found {
		return fail(http.StatusNotFound, "no active session")
	}
	sess.Agent.Disconnect()
	return http.StatusOK, ok(nil)
}

type messageRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleAIMessage(r *http.Request) (int, apiResponse) {
	if r.Method != http.MethodPost {
		return fail(http.StatusBadRequest, "method not allowed")
	}
	sess, found := s.sessionOrDefault(r)
	if !found {
		return fail(http.StatusNotFound, "no active session")
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return fail(http.StatusBadRequest, "invalid request body: %v", err)
	}
	requestID, err := sess.Agent.SendUserMessage(r.Context(), req.Text, req.Metadata)
	if err != nil {
		return fail(http.StatusServiceUnavailable, "send failed: %v", err)
	}
	return http.StatusOK, ok(apiResponse{"requestId": requestID})
}

func (s *Server) handleAIMessages(r *http.Request) (int, apiResponse) {
	sess, found := s.sessionOrDefault(r)
	if !found {
		return fail(http.StatusNotFound, "no active session")
	}
	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		fmt.Sscanf(v, "%d", &from)
	}
	events := s.ledger.Snapshot(sess.Agent.Snapshot().SessionID, from)
	return http.StatusOK, ok(apiResponse{"messages": events})
}

func (s *Server) handleAIUsage(r *http.Request) (int, apiResponse) {
	sess, found := s.sessionOrDefault(r)
	if !found {
		return fail(http.StatusNotFound, "no active session")
	}
	return http.StatusOK, ok(apiResponse{"usage": sess.Agent.Snapshot().Usage})
}

type permissionRequest struct {
	PromptID     string                   `json:"promptId"`
	Mode         *protocol.PermissionMode `json:"mode,omitempty"`
	AllowedTools []string                 `json:"allowedTools,omitempty"`
}

func (s *Server) handlePermission(decision permissions.Decision) func(*http.Request) (int, apiResponse) {
	return func(r *http.Request) (int, apiResponse) {
		if r.Method != http.MethodPost {
			return fail(http.StatusBadRequest, "method not allowed")
		}
		var req permissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return fail(http.StatusBadRequest, "invalid request body: %v", err)
		}
		if req.PromptID == "" {
			return fail(http.StatusBadRequest, "promptId is required")
		}
		err := s.broker.Resolve(req.PromptID, decision, req.Mode, req.AllowedTools)
		switch err {
		case nil:
			return http.StatusOK, ok(nil)
		case permissions.ErrUnknownPrompt:
			return fail(http.StatusNotFound, "unknown prompt")
		case permissions.ErrAlreadyResolved:
			return fail(http.StatusBadRequest, "prompt already resolved")
		default:
			return fail(http.StatusInternalServerError, "resolve failed: %v", err)
		}
	}
}

func (s *Server) handleAIAbort(r *http.Request) (int, apiResponse) {
	if r.Method != http.MethodPost {
		return fail(http.StatusBadRequest, "method not allowed")
	}
	sess, found := s.sessionOrDefault(r)
	if !found {
		return fail(http.StatusNotFound, "no active session")
	}
	var req struct {
		RequestID string `json:"requestId"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if err := sess.Agent.Abort(r.Context(), req.RequestID); err != nil {
		return fail(http.StatusInternalServerError, "abort failed: %v", err)
	}
	return http.StatusOK, ok(nil)
}

func (s *Server) handleAISessions(r *http.Request) (int, apiResponse) {
	return http.StatusOK, ok(apiResponse{"sessions": s.router.Names()})
}

func (s *Server) handleAISessionByName(r *http.Request) (int, apiResponse) {
	rest := strings.TrimPrefix(r.URL.Path, protocol.RouteAISessionPrefix)
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		return fail(http.StatusBadRequest, "session name is required")
	}

	if action == "reconnect" {
		sess, ok2 := s.router.Get(name)
		if !ok2 {
			return fail(http.StatusNotFound, "unknown session %q", name)
		}
		if _, err := s.router.Connect(r.Context(), name, sess.WorkspaceDir, sess.PermissionMode); err != nil {
			return fail(http.StatusServiceUnavailable, "reconnect failed: %v", err)
		}
		return http.StatusOK, ok(nil)
	}

	sess, found := s.router.Get(name)
	if !found {
		return fail(http.StatusNotFound, "unknown session %q", name)
	}
	snap := sess.Agent.Snapshot()
	return http.StatusOK, ok(apiResponse{
		"name":           sess.Name,
		"workspaceDir":   snap.WorkspaceDir,
		"permissionMode": snap.PermissionMode,
		"status":         snap.Status,
		"lifecycle":      snap.Lifecycle,
	})
}

// handleDaemon implements /api/daemon/* — delegates to the Supervisor.
func (s *Server) handleDaemon(r *http.Request) (int, apiResponse) {
	rest := strings.TrimPrefix(r.URL.Path, protocol.RouteDaemonPrefix)
	switch rest {
	case "restart":
		if r.Method != http.MethodPost {
			return fail(http.StatusBadRequest, "method not allowed")
		}
		info, err := s.supervisor.Restart(r.Context())
		if err != nil {
			return fail(http.StatusInternalServerError, "restart failed: %v", err)
		}
		return http.StatusOK, ok(apiResponse{"running": info.Running, "pid": info.PID, "port": info.Port})
	case "stop":
		if r.Method != http.MethodPost {
			return fail(http.StatusBadRequest, "method not allowed")
		}
		if err := s.supervisor.Stop(r.Context()); err != nil {
			return fail(http.StatusInternalServerError, "stop failed: %v", err)
		}
		return http.StatusOK, ok(nil)
	case "status":
		st := s.supervisor.Status()
		body := apiResponse{
			"running":   st.Running,
			"pid":       st.PID,
			"port":      st.Port,
			"startedAt": st.StartedAt,
		}
		if st.LastExitCode != nil {
			body["lastExitCode"] = *st.LastExitCode
		}
		return http.StatusOK, ok(body)
	default:
		return fail(http.StatusNotFound, "unknown daemon route %q", rest)
	}
}

type secretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleSettings implements /api/settings/* — read of settings.json and
// rotation of secure-settings.json keys (§8 credential rotation).
func (s *Server) handleSettings(r *http.Request) (int, apiResponse) {
	rest := strings.TrimPrefix(r.URL.Path, protocol.RouteSettingsPrefix)
	switch {
	case rest == "" && r.Method == http.MethodGet:
		return http.StatusOK, ok(apiResponse{"settings": s.cfg.Snapshot()})
	case rest == "secrets" && r.Method == http.MethodPost:
		return s.handleSecretRotate(r)
	default:
		return fail(http.StatusNotFound, "unknown settings route %q", rest)
	}
}

// handleSecretRotate writes a new credential into secure-settings.json and
// broadcasts happy:secretChanged so connected UIs know to re-read it
// (§8 E2E-6).
func (s *Server) handleSecretRotate(r *http.Request) (int, apiResponse) {
	if s.secretBox == nil {
		return fail(http.StatusServiceUnavailable, "secret storage is not configured")
	}
	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return fail(http.StatusBadRequest, "invalid request body: %v", err)
	}
	if req.Key == "" {
		return fail(http.StatusBadRequest, "key is required")
	}
	if err := config.SaveSecret(s.cfg.DataDir, req.Key, req.Value, s.secretBox); err != nil {
		return fail(http.StatusInternalServerError, "save secret failed: %v", err)
	}
	if s.eventPub != nil {
		s.eventPub.Broadcast(protocol.Frame{Topic: protocol.TopicSecretChanged, Data: apiResponse{"key": req.Key}})
	}
	return http.StatusOK, ok(nil)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("gateway: websocket upgrade failed", "err", err)
		return
	}
	client := newWSClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	if cur := s.router.Current(); cur != nil {
		snap := cur.Agent.Snapshot()
		client.Send(protocol.NewFrame(protocol.TopicStatus, snap))
	}

	client.Run(r.Context())
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.eventPub.Subscribe(c.id, func(f protocol.Frame) {
		c.Send(&f)
	})
	s.log.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	s.log.Info("gateway: client disconnected", "id", c.id)
}
