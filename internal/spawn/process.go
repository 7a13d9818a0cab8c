package spawn

import (
	"context"
	"errors"
	"syscall"
	"time"
)

// ProcessControl signals tracked provider processes.
type ProcessControl interface {
	// Kill sends SIGTERM, waits up to grace, then SIGKILL. A pid that no
	// longer exists is not an error.
	Kill(ctx context.Context, pid int, grace time.Duration) error
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

// OSProcesses controls real processes.
type OSProcesses struct {
	Poll time.Duration
}

func (p OSProcesses) Kill(ctx context.Context, pid int, grace time.Duration) error {
	if err := p.Signal(pid, syscall.SIGTERM); err != nil {
		return err
	}
	// A stopped process only acts on SIGTERM once continued.
	_ = p.Signal(pid, syscall.SIGCONT)

	poll := p.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if !p.Alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return p.Signal(pid, syscall.SIGKILL)
		case <-deadline.C:
			return p.Signal(pid, syscall.SIGKILL)
		case <-ticker.C:
		}
	}
}

// Signal delivers sig to the process group led by pid, falling back to pid
// alone when it leads no group. ESRCH counts as success.
func (OSProcesses) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
