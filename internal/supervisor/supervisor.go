// Package supervisor owns the lifecycle of the detached agent child process
// that AgentSession connects to: starting it, watching it for crashes,
// syncing its credential files, and reconciling its reported working
// directory against the user's configured one.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/secrets"
)

// startupGrace is the window within which a child crash is attributed to a
// configuration error rather than transient instability (§4.6 Failure
// semantics).
const startupGrace = 10 * time.Second

// restartCooldown is the window within which a second crash disables
// auto-restart.
const restartCooldown = 60 * time.Second

// Sink receives lifecycle events for the MessageLedger/event bus.
type Sink interface {
	Append(e events.Event) bool
}

// WorkspaceSwitcher is the SessionRouter hook the Supervisor calls back into
// when the child's reported cwd disagrees with the configured path.
type WorkspaceSwitcher interface {
	SwitchWorkspace(ctx context.Context, name, newPath string) error
}

// ChildSpec describes how to launch the agent child process.
type ChildSpec struct {
	Command string
	Args    []string
	HomeDir string // agent home directory (credential files live here)
}

// Config bundles what the Supervisor needs to start and supervise a child.
type Config struct {
	SessionName  string
	WorkspaceDir string
	Child        ChildSpec
	SweepCron    string // gronx expression, e.g. "* * * * *"
	SecretBox    *secrets.Box
	DataDir      string
	ExtraEnv     map[string]string
	// Port is the gateway port the running child is reachable through,
	// reported by ensureRunning/status (§4.6) — the Supervisor never binds
	// this itself, it only surfaces it as part of the child's lifecycle.
	Port int
}

// RunInfo is the {running, pid, port} shape ensureRunning (§4.6) returns.
type RunInfo struct {
	Running bool
	PID     int
	Port    int
}

// StatusInfo is the {running, pid, port, startedAt, lastExitCode?} shape
// status() (§4.6) returns.
type StatusInfo struct {
	Running      bool
	PID          int
	Port         int
	StartedAt    time.Time
	LastExitCode *int
}

type runState int

const (
	stateStopped runState = iota
	stateStarting
	stateRunning
	stateCrashLooped
)

// Supervisor manages one agent child process and its periodic maintenance
// sweep.
type Supervisor struct {
	cfg       Config
	sink      Sink
	router    WorkspaceSwitcher
	log       *slog.Logger
	taskr     gronx.Gronx

	mu           sync.Mutex
	state        runState
	cmd          *exec.Cmd
	startedAt    time.Time
	lastCrashAt  time.Time
	crashCount   int
	autoRestart  bool
	lastExitCode *int
	stopping     bool          // set by Stop, tells watch() the exit was requested
	exited       chan struct{} // closed by watch() once cmd.Wait() returns

	stopSweep chan struct{}
	sweepDone chan struct{}
	onSweep   func()
}

// New constructs a Supervisor. It does not start anything until Start is
// called.
func New(cfg Config, sink Sink, router WorkspaceSwitcher, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = "* * * * *"
	}
	return &Supervisor{
		cfg:         cfg,
		sink:        sink,
		router:      router,
		log:         log,
		taskr:       gronx.New(),
		autoRestart: true,
	}
}

// EnsureCredentials implements the credential sync protocol (§4.6): if the
// agent home is missing its access key or settings file but a matching
// secret exists locally, it materializes both. Startup only blocks on file
// presence, never on verifying the key against the server.
func (s *Supervisor) EnsureCredentials() error {
	if s.cfg.SecretBox == nil {
		return nil
	}
	homeDir := s.cfg.Child.HomeDir
	keyPath := filepath.Join(homeDir, "access.key")
	settingsPath := filepath.Join(homeDir, "settings.json")

	_, keyErr := os.Stat(keyPath)
	_, settingsErr := os.Stat(settingsPath)
	if keyErr == nil && settingsErr == nil {
		return nil
	}

	if os.IsNotExist(keyErr) {
		token, found, err := config.LoadSecret(s.cfg.DataDir, "accessKey", s.cfg.SecretBox)
		if err != nil {
			return fmt.Errorf("load access key secret: %w", err)
		}
		if found {
			if err := os.MkdirAll(homeDir, 0o755); err != nil {
				return fmt.Errorf("create agent home: %w", err)
			}
			if err := os.WriteFile(keyPath, []byte(token), 0o600); err != nil {
				return fmt.Errorf("write access key: %w", err)
			}
			s.log.Info("supervisor: materialized access key", "path", keyPath)
		}
	}

	if os.IsNotExist(settingsErr) {
		serverURL, found, err := config.LoadSecret(s.cfg.DataDir, "serverUrl", s.cfg.SecretBox)
		if err != nil {
			return fmt.Errorf("load server url secret: %w", err)
		}
		if found {
			repaired := config.RepairServerURL(serverURL)
			body := fmt.Sprintf(`{"serverUrl":%q}`, repaired)
			if err := os.MkdirAll(homeDir, 0o755); err != nil {
				return fmt.Errorf("create agent home: %w", err)
			}
			if err := os.WriteFile(settingsPath, []byte(body), 0o644); err != nil {
				return fmt.Errorf("write agent settings: %w", err)
			}
			s.log.Info("supervisor: materialized agent settings", "path", settingsPath)
		}
	}
	return nil
}

// Start launches the child process and begins crash monitoring. It blocks
// until the process has been spawned (not until it is healthy). Start is a
// thin wrapper over EnsureRunning kept for existing callers that don't need
// the {running, pid, port} result.
func (s *Supervisor) Start(ctx context.Context) error {
	_, err := s.EnsureRunning(ctx)
	return err
}

// EnsureRunning implements the Supervisor's `ensureRunning(config)` contract
// (§4.6): idempotent, it starts the child only if it is not already alive,
// and always returns the current {running, pid, port}.
func (s *Supervisor) EnsureRunning(ctx context.Context) (RunInfo, error) {
	if s.isRunning() {
		return s.runInfo(), nil
	}

	if err := s.EnsureCredentials(); err != nil {
		return RunInfo{}, fmt.Errorf("ensure credentials: %w", err)
	}

	s.mu.Lock()
	s.state = stateStarting
	s.mu.Unlock()

	if err := s.spawn(ctx); err != nil {
		s.emitError(events.ErrAgentStartFailed, err.Error(), false)
		return RunInfo{}, err
	}

	s.reconcileWorkspace(ctx)
	s.startSweep(ctx)
	return s.runInfo(), nil
}

// Restart implements `restart(config)` (§4.6): stop then ensureRunning.
func (s *Supervisor) Restart(ctx context.Context) (RunInfo, error) {
	if err := s.Stop(ctx); err != nil {
		s.log.Warn("supervisor: stop before restart failed", "err", err)
	}
	return s.EnsureRunning(ctx)
}

// Status implements `status()` (§4.6): {running, pid, port, startedAt,
// lastExitCode?}.
func (s *Supervisor) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StatusInfo{
		Running:      s.state == stateRunning && s.cmd != nil && s.cmd.Process != nil,
		Port:         s.cfg.Port,
		StartedAt:    s.startedAt,
		LastExitCode: s.lastExitCode,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	return info
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning && s.cmd != nil && s.cmd.Process != nil
}

func (s *Supervisor) runInfo() RunInfo {
	status := s.Status()
	return RunInfo{Running: status.Running, PID: status.PID, Port: status.Port}
}

func (s *Supervisor) spawn(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Child.Command, s.cfg.Child.Args...)
	cmd.Env = s.childEnv()
	cmd.Dir = s.cfg.WorkspaceDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("attach stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child process: %w", err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.startedAt = time.Now()
	s.state = stateRunning
	s.stopping = false
	s.exited = exited
	s.mu.Unlock()

	go s.pumpOutput("stdout", stdout)
	go s.pumpOutput("stderr", stderr)
	go s.watch(ctx, cmd, exited)

	s.log.Info("supervisor: child started", "pid", cmd.Process.Pid, "cmd", s.cfg.Child.Command)
	return nil
}

func (s *Supervisor) pumpOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Debug("child output", "stream", stream, "line", scanner.Text())
	}
}

func (s *Supervisor) watch(ctx context.Context, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)
	code := exitCodeOf(err)
	s.mu.Lock()
	elapsed := time.Since(s.startedAt)
	s.state = stateStopped
	s.lastExitCode = &code
	intentional := s.stopping
	s.mu.Unlock()

	if intentional || ctx.Err() != nil {
		return // Stop() requested this exit, or the daemon itself is shutting down
	}

	s.log.Warn("supervisor: child exited", "err", err, "uptime", elapsed)

	if elapsed < startupGrace {
		s.emitError(events.ErrAgentStartFailed, fmt.Sprintf("child exited within startup grace period: %v", err), false)
		return
	}

	s.handleCrash(ctx)
}

// handleCrash implements the later-crash half of §4.6 Failure semantics: the
// first crash past the startup grace period gets a single auto-restart; a
// second crash within restartCooldown of the first disables auto-restart
// for good.
func (s *Supervisor) handleCrash(ctx context.Context) {
	s.mu.Lock()
	now := time.Now()
	withinCooldown := !s.lastCrashAt.IsZero() && now.Sub(s.lastCrashAt) < restartCooldown
	s.lastCrashAt = now
	if withinCooldown {
		s.crashCount++
	} else {
		s.crashCount = 1
	}
	shouldRestart := s.autoRestart && s.crashCount == 1
	if withinCooldown && s.crashCount >= 2 {
		s.autoRestart = false
	}
	s.mu.Unlock()

	if !shouldRestart {
		s.emitError(events.ErrCrashLoop, "agent child crashed twice within cooldown window; auto-restart disabled", false)
		return
	}

	s.log.Info("supervisor: auto-restarting child after crash")
	if err := s.spawn(ctx); err != nil {
		s.emitError(events.ErrAgentStartFailed, err.Error(), false)
	}
}

func (s *Supervisor) childEnv() []string {
	env := os.Environ()
	extra := map[string]string{
		"ANTHROPIC_BASE_URL":                       os.Getenv("ANTHROPIC_BASE_URL"),
		"ANTHROPIC_AUTH_TOKEN":                     os.Getenv("ANTHROPIC_AUTH_TOKEN"),
		"ANTHROPIC_MODEL":                          os.Getenv("ANTHROPIC_MODEL"),
		"ANTHROPIC_SMALL_FAST_MODEL":               os.Getenv("ANTHROPIC_SMALL_FAST_MODEL"),
		"API_TIMEOUT_MS":                            os.Getenv("API_TIMEOUT_MS"),
		"CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC": os.Getenv("CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC"),
	}
	for k, v := range s.cfg.ExtraEnv {
		extra[k] = v
	}
	for k, v := range extra {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// reconcileWorkspace implements the workspace-consistency check (§4.6): if
// the child's actual working directory disagrees with the configured one,
// the configured path wins; if the configured path is unreachable, fall
// back to the default workspace and clear the override.
func (s *Supervisor) reconcileWorkspace(ctx context.Context) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	actual, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", cmd.Process.Pid))
	if err != nil {
		return // platform without /proc, or process already gone; skip reconciliation
	}
	configured := s.cfg.WorkspaceDir
	if actual == configured {
		return
	}
	if _, err := os.Stat(configured); err != nil {
		s.log.Warn("supervisor: configured workspace unreachable, falling back to default", "path", configured)
		home, _ := os.UserHomeDir()
		s.cfg.WorkspaceDir = home
		return
	}
	if s.router != nil {
		if err := s.router.SwitchWorkspace(ctx, s.cfg.SessionName, configured); err != nil {
			s.log.Warn("supervisor: workspace reconciliation failed", "err", err)
		}
	}
}

// startSweep runs the gronx-scheduled maintenance sweep (ledger retention
// trim, permission-prompt expiry) until ctx is canceled or Stop is called.
func (s *Supervisor) startSweep(ctx context.Context) {
	s.stopSweep = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopSweep:
				return
			case <-ticker.C:
				due, err := s.taskr.IsDue(s.cfg.SweepCron)
				if err != nil {
					s.log.Warn("supervisor: invalid sweep cron expression", "expr", s.cfg.SweepCron, "err", err)
					continue
				}
				if due && s.onSweep != nil {
					s.onSweep()
				}
			}
		}
	}()
}

// OnSweep registers the periodic maintenance callback, invoked each time
// the sweep schedule fires. Callers wire ledger retention trim and
// permission-prompt expiry here.
func (s *Supervisor) OnSweep(fn func()) {
	s.onSweep = fn
}

// Stop terminates the child process gracefully and halts the sweep loop.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.stopSweep != nil {
		close(s.stopSweep)
		<-s.sweepDone
	}
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.stopping = true
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil || exited == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return cmd.Process.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-time.After(10 * time.Second):
		return cmd.Process.Kill()
	case <-ctx.Done():
		return cmd.Process.Kill()
	}
}

// exitCodeOf extracts a process exit code from the error cmd.Wait returns,
// matching os/exec's own convention (-1 for signal death or another wait
// failure, 0 for a clean exit).
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (s *Supervisor) emitError(kind events.ErrorKind, message string, retriable bool) {
	if s.sink == nil {
		return
	}
	s.sink.Append(events.NewError(s.cfg.SessionName, kind, message, retriable, time.Now()))
}
