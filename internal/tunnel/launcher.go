package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stderrTailLines is how many trailing stderr lines are kept for error reports.
const stderrTailLines = 20

// Process is a running tunnel process.
type Process interface {
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// StderrTail returns the last lines the process wrote to stderr.
	StderrTail() string
	// Terminate sends SIGTERM, then SIGKILL after timeout.
	Terminate(timeout time.Duration) error
}

// Launcher spawns tunnel processes.
type Launcher interface {
	Launch(cmd Command) (Process, error)
}

// ExecLauncher starts processes with os/exec in their own session.
type ExecLauncher struct{}

func (ExecLauncher) Launch(c Command) (Process, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(os.Environ(), c.Env...)

	// Own session so signals to the group reach ssh when wrapped by sshpass
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", c.Argv[0], err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.drain(stderr)

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	tail []string
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}

// drain keeps reading stderr for the lifetime of the process. If we stop
// reading, the pipe buffer fills up and ssh blocks on write(), freezing the
// tunnel. The process is reaped once stderr reaches EOF.
func (p *execProcess) drain(stderr io.Reader) {
	defer close(p.done)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug(fmt.Sprintf("[pid %d] SSH: %s", p.PID(), line))

		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		slog.Debug(fmt.Sprintf("[pid %d] Error reading SSH output: %v", p.PID(), err))
	}

	if err := p.cmd.Wait(); err != nil {
		slog.Debug(fmt.Sprintf("[pid %d] SSH exited: %v", p.PID(), err))
	}
}

// Terminate sends SIGTERM to the process group first, waits for a graceful
// exit, then falls back to SIGKILL.
func (p *execProcess) Terminate(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.PID()
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return p.waitDone(timeout)
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to tunnel process %d, forcing kill", pid), "error", err)
	} else {
		select {
		case <-p.done:
			slog.Info(fmt.Sprintf("Tunnel process %d terminated gracefully", pid))
			return nil
		case <-time.After(timeout):
			slog.Warn(fmt.Sprintf("Tunnel process %d did not exit within %v, forcing kill", pid, timeout))
		}
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill tunnel process %d: %w", pid, err)
	}

	return p.waitDone(time.Second)
}

func (p *execProcess) waitDone(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("process %d survived SIGKILL", p.PID())
	}
}
