package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Reaper ensures no process carrying a tunnel signature is running.
type Reaper interface {
	KillMatching(ctx context.Context, signature string) (int, error)
}

// SignatureReaper kills processes whose command line contains the signature
// as a standalone argument. Its own process is never matched.
type SignatureReaper struct {
	// Grace is how long a process gets to exit after SIGTERM.
	Grace time.Duration
}

// KillMatching returns the number of processes it killed. Finding none is
// not an error.
func (r SignatureReaper) KillMatching(ctx context.Context, signature string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	var errs []error
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !slices.Contains(cmdline, signature) {
			continue
		}

		slog.Info("Killing stale tunnel process", "pid", p.Pid, "signature", signature)
		if err := r.terminate(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", p.Pid, err))
			continue
		}
		killed++
	}

	return killed, errors.Join(errs...)
}

func (r SignatureReaper) terminate(ctx context.Context, p *process.Process) error {
	grace := r.Grace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	if err := p.TerminateWithContext(ctx); err != nil {
		if gone(ctx, p) {
			return nil
		}
		return p.KillWithContext(ctx)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if gone(ctx, p) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := p.KillWithContext(ctx); err != nil && !gone(ctx, p) {
		return err
	}
	return nil
}

// gone reports whether p has exited. Zombies count as gone.
func gone(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return true
	}
	status, err := p.StatusWithContext(ctx)
	return err == nil && slices.Contains(status, process.Zombie)
}
