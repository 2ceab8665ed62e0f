package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/agentsession"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/browserctl"
	busadapter "github.com/nextlevelbuilder/goclaw-bridge/internal/bus"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/channelbridge"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/eventbus"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/fswatch"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/gateway"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/ledger"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/permissions"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/secrets"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/sessionrouter"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/store"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/supervisor"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/tracing"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

var daemonize bool

func startCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon and its local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonize && os.Getenv("GOCLAWD_DETACHED") == "" {
				return daemonizeSelf()
			}
			return runStart(cmd.Context())
		},
	}
	c.Flags().BoolVar(&daemonize, "daemon", false, "detach and run in the background")
	return c
}

// daemonizeSelf re-execs the current binary without --daemon, detached from
// the controlling terminal, and exits the foreground process once the child
// has forked. The child recognizes it's the detached copy via
// GOCLAWD_DETACHED so it runs start in place rather than recursing.
func daemonizeSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a != "--daemon" {
			args = append(args, a)
		}
	}
	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), "GOCLAWD_DETACHED=1")
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn detached daemon: %w", err)
	}
	fmt.Printf("goclawd started in background, pid %d\n", child.Process.Pid)
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runStart(ctx context.Context) error {
	log := newLogger()

	dataDir := cfgDataDir
	if dataDir == "" {
		d, err := config.DefaultDataDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		dataDir = d
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return invalidArgs("create data dir %q: %v", dataDir, err)
	}

	cfg, err := config.Load(dataDir, log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := config.WritePidFile(dataDir); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer config.RemovePidFile(dataDir)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity, err := secrets.CurrentIdentity()
	if err != nil {
		return fmt.Errorf("resolve machine identity: %w", err)
	}
	secretBox := secrets.NewBox(identity)

	ledgerStore, err := store.OpenSQLiteLedgerStore(fmt.Sprintf("%s/messages/ledger.db", dataDir), log)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer ledgerStore.Close()

	led := ledger.New(ledger.DefaultLimits(), nil, ledgerStore, log)
	bus := eventbus.New(led, log)
	led = ledger.New(ledger.DefaultLimits(), bus, ledgerStore, log)

	broker := permissions.New()

	telemetry, err := tracing.Init(ctx, cfg.Telemetry.Enabled, cfg.Telemetry.OTLPEndpoint, log)
	if err != nil {
		log.Warn("tracing init failed, continuing without export", "err", err)
		telemetry, _ = tracing.Init(ctx, false, "", log)
	} else {
		defer telemetry.Shutdown(context.Background())
	}

	factory := func(name string) *agentsession.AgentSession {
		sess := agentsession.New(name, agentsession.DefaultConfig(os.Getenv("HAPPY_SERVER_URL")), agentsession.NewWSTransport(), led, log)
		sess.SetTracer(telemetry)
		return sess
	}
	router := sessionrouter.New(factory, log)

	bridge := channelbridge.New(
		sessionRouterResolver{router: router, workspaceDir: cfg.WorkspaceDir},
		eventbus.SessionSubscriber{Bus: bus},
		0,
		log,
	)
	bridge.SetTracer(telemetry)

	agentCommand := os.Getenv("GOCLAWD_AGENT_COMMAND")
	if agentCommand == "" {
		agentCommand = "claude"
	}
	sup := supervisor.New(supervisor.Config{
		SessionName:  "default",
		WorkspaceDir: cfg.WorkspaceDir,
		Child: supervisor.ChildSpec{
			Command: agentCommand,
			HomeDir: cfg.AgentHomeDir,
		},
		DataDir:   dataDir,
		SecretBox: secretBox,
		SweepCron: cfg.Cron.SweepExpression,
		Port:      cfg.Gateway.Port,
	}, led, supervisorWorkspaceSwitcher{router: router}, log)
	sup.OnSweep(func() {
		// The in-memory ledger trims itself on each Append; the sweep trims
		// the persisted mirror to the same age bound.
		ledgerStore.Trim(time.Now().Add(-ledger.DefaultLimits().MaxAge))
		broker.ExpireOlderThan(time.Now())
	})

	if err := sup.EnsureCredentials(); err != nil {
		return fmt.Errorf("sync agent credentials: %w", err)
	}
	if err := sup.Start(ctx); err != nil {
		return unreachable("start agent child process: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sup.Stop(stopCtx)
	}()

	eventPub := busadapter.NewEventBusPublisher(bus)
	gw := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		EventPub:   eventPub,
		Router:     router,
		Bridge:     bridge,
		Broker:     broker,
		Supervisor: sup,
		Ledger:     led,
		SecretBox:  secretBox,
	}, log)

	watcher, err := fswatch.New(300*time.Millisecond, log)
	if err != nil {
		log.Warn("fswatch init failed, continuing without workspace change events", "err", err)
	} else if err := watcher.Add(cfg.WorkspaceDir); err != nil {
		log.Warn("fswatch: failed to watch workspace dir", "dir", cfg.WorkspaceDir, "err", err)
	} else {
		go watcher.Run(ctx, func(change fswatch.ChangeEvent) {
			eventPub.Broadcast(protocol.Frame{Topic: protocol.TopicWorkspaceChanged, Data: map[string]any{
				"path": change.Path,
				"op":   change.Op,
			}})
		})
	}

	ctlHub := browserctl.New(log)
	ctlMux := http.NewServeMux()
	ctlMux.HandleFunc("/ws/browser", ctlHub.ServeHTTP)
	ctlServer := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.Gateway.BrowserctlPort), Handler: ctlMux}
	go func() {
		if err := ctlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("browserctl listener failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctlServer.Shutdown(shutdownCtx)
	}()

	log.Info("goclawd starting", "dataDir", dataDir, "port", cfg.Gateway.Port, "browserctlPort", cfg.Gateway.BrowserctlPort)
	if err := gw.Start(ctx); err != nil {
		return unreachable("gateway stopped: %v", err)
	}
	router.DisconnectAll()
	return nil
}

// sessionRouterResolver adapts sessionrouter.Router to channelbridge.SessionResolver.
// Inbound channel traffic always lands in the daemon's configured workspace;
// per-channel workspace overrides are not part of this bridge's contract.
type sessionRouterResolver struct {
	router       *sessionrouter.Router
	workspaceDir string
}

func (r sessionRouterResolver) Resolve(ctx context.Context, msg channelbridge.ChannelMessage) (string, channelbridge.AgentSender, error) {
	sess, err := r.router.Connect(ctx, msg.SessionKey, r.workspaceDir, protocol.PermissionDefault)
	if err != nil {
		return "", nil, err
	}
	return sess.Name, sess.Agent, nil
}

// supervisorWorkspaceSwitcher adapts sessionrouter.Router to
// supervisor.WorkspaceSwitcher, discarding the *Session SwitchWorkspace
// returns since the Supervisor only needs to know whether the switch
// succeeded.
type supervisorWorkspaceSwitcher struct {
	router *sessionrouter.Router
}

func (s supervisorWorkspaceSwitcher) SwitchWorkspace(ctx context.Context, name, newPath string) error {
	_, err := s.router.SwitchWorkspace(ctx, name, newPath)
	return err
}
