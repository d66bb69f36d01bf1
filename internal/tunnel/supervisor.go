// Package tunnel owns the lifecycle of the ssh process that provides the
// local SOCKS endpoint.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"go.olrik.dev/sockswatch/internal/core"
)

const (
	// DefaultSettleDelay is how long a fresh process must survive before it
	// counts as started.
	DefaultSettleDelay = 3 * time.Second

	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 5 * time.Second
)

var (
	// ErrHelperMissing is returned when password authentication needs sshpass
	// and it is not installed.
	ErrHelperMissing = errors.New("sshpass is required for password authentication but was not found in PATH")

	// ErrExitedEarly is returned when the process exits before the settle delay.
	ErrExitedEarly = errors.New("tunnel process exited during startup")
)

// State is the supervisor's view of the tunnel process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDead     State = "dead"
)

// Handle identifies the tracked tunnel process.
type Handle struct {
	PID       int
	StartedAt time.Time
}

// StartRecorder counts tunnel starts that survived the settle delay.
type StartRecorder interface {
	IncSuccessfulReconnects()
}

// Notifier receives user-facing messages.
type Notifier interface {
	Notify(msg string)
}

// Journal records tunnel lifecycle events.
type Journal interface {
	LogTunnelEvent(tunnel, eventType, details string) error
}

// Supervisor starts and stops the tunnel process. Start and Stop are
// serialized; State and Handle may be called from any goroutine.
type Supervisor struct {
	cfg      core.Config
	password string

	Launcher    Launcher
	Reaper      Reaper
	Metrics     StartRecorder // optional
	Notifier    Notifier      // optional
	Journal     Journal       // optional
	SettleDelay time.Duration
	StopTimeout time.Duration

	// LookPath resolves helper binaries. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)

	opMu sync.Mutex // serializes Start and Stop

	mu     sync.Mutex
	state  State
	proc   Process
	handle Handle
}

// NewSupervisor returns a supervisor for cfg. password may be empty when key
// authentication is used.
func NewSupervisor(cfg core.Config, password string) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		password:    password,
		Launcher:    ExecLauncher{},
		Reaper:      SignatureReaper{Grace: 2 * time.Second},
		SettleDelay: DefaultSettleDelay,
		StopTimeout: DefaultStopTimeout,
		LookPath:    exec.LookPath,
		state:       StateStopped,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return StateStopped
	}
	return s.state
}

// Handle returns the tracked process, if any.
func (s *Supervisor) Handle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.proc != nil
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start launches a new tunnel process. Any tracked process is stopped and any
// stale process carrying the tunnel signature is killed first. On success the
// process has survived the settle delay.
func (s *Supervisor) Start(ctx context.Context) (Handle, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == StateRunning {
		s.stopLocked()
	}
	s.setState(StateStarting)

	signature := Signature(s.cfg.LocalPort)
	if n, err := s.Reaper.KillMatching(ctx, signature); err != nil {
		slog.Warn("Failed to clean up stale tunnel processes", "error", err)
	} else if n > 0 {
		slog.Info(fmt.Sprintf("Killed %d stale tunnel process(es)", n))
	}

	cmd := BuildCommand(s.cfg, s.password)
	if len(cmd.Env) > 0 {
		if _, err := s.lookPath("sshpass"); err != nil {
			return s.fail(fmt.Errorf("%w: %v", ErrHelperMissing, err))
		}
	}

	slog.Info("Starting SSH tunnel", "command", cmd.String())
	proc, err := s.Launcher.Launch(cmd)
	if err != nil {
		return s.fail(fmt.Errorf("failed to start tunnel: %w", err))
	}

	s.mu.Lock()
	s.proc = proc
	s.handle = Handle{PID: proc.PID(), StartedAt: time.Now()}
	s.mu.Unlock()

	settle := s.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	timer := time.NewTimer(settle)
	defer timer.Stop()

	select {
	case <-proc.Done():
		s.clearProcess()
		detail := proc.StderrTail()
		if detail == "" {
			return s.fail(ErrExitedEarly)
		}
		return s.fail(fmt.Errorf("%w: %s", ErrExitedEarly, detail))

	case <-ctx.Done():
		s.stopLocked()
		return Handle{}, ctx.Err()

	case <-timer.C:
	}

	// The process might have exited right at the deadline
	select {
	case <-proc.Done():
		s.clearProcess()
		return s.fail(ErrExitedEarly)
	default:
	}

	s.mu.Lock()
	s.state = StateRunning
	handle := s.handle
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.IncSuccessfulReconnects()
	}
	slog.Info(fmt.Sprintf("SSH tunnel started (PID %d)", handle.PID))
	s.journal("start", fmt.Sprintf("PID: %d", handle.PID))
	if s.Notifier != nil {
		s.Notifier.Notify(fmt.Sprintf("SSH tunnel started (PID %d)", handle.PID))
	}

	return handle, nil
}

func (s *Supervisor) fail(err error) (Handle, error) {
	s.setState(StateDead)
	slog.Error("Failed to start SSH tunnel", "error", err)
	s.journal("start_failed", err.Error())
	return Handle{}, err
}

func (s *Supervisor) clearProcess() {
	s.mu.Lock()
	s.proc = nil
	s.handle = Handle{}
	s.mu.Unlock()
}

// Stop terminates the tracked process and any stale process carrying the
// tunnel signature. Calling Stop on a stopped supervisor is a no-op apart
// from the signature sweep.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	s.mu.Lock()
	proc := s.proc
	handle := s.handle
	s.mu.Unlock()

	if proc != nil {
		timeout := s.StopTimeout
		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		if err := proc.Terminate(timeout); err != nil {
			slog.Error("Failed to stop tunnel process", "pid", handle.PID, "error", err)
		} else {
			slog.Info(fmt.Sprintf("SSH tunnel stopped (PID %d)", handle.PID))
		}
		s.journal("stop", fmt.Sprintf("PID: %d", handle.PID))
	}

	// Best effort; the tracked process is already gone
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.Reaper.KillMatching(ctx, Signature(s.cfg.LocalPort)); err != nil {
		slog.Warn("Failed to clean up stale tunnel processes", "error", err)
	}

	s.mu.Lock()
	s.proc = nil
	s.handle = Handle{}
	s.state = StateStopped
	s.mu.Unlock()
}

func (s *Supervisor) lookPath(file string) (string, error) {
	if s.LookPath != nil {
		return s.LookPath(file)
	}
	return exec.LookPath(file)
}

func (s *Supervisor) journal(eventType, details string) {
	if s.Journal == nil {
		return
	}
	if err := s.Journal.LogTunnelEvent(s.cfg.Target(), eventType, details); err != nil {
		slog.Error("Failed to log tunnel event", "event", eventType, "error", err)
	}
}
