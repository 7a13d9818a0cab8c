package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Launcher starts a runner for a spawn without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, spawnID string) error
}

// ExecLauncher re-executes the murmur binary as `spawn run <id>` in its own
// session so the run outlives the caller.
type ExecLauncher struct {
	Executable string
	Root       string
	Debug      bool
	Logger     *zap.Logger
}

// NewExecLauncher resolves the running binary.
func NewExecLauncher(root string, debug bool, logger *zap.Logger) (*ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve murmur binary: %w", err)
	}
	return &ExecLauncher{Executable: exe, Root: root, Debug: debug, Logger: logger}, nil
}

func (l *ExecLauncher) Launch(_ context.Context, spawnID string) error {
	args := []string{"spawn", "run", spawnID}
	if l.Root != "" {
		args = append(args, "--root", l.Root)
	}
	if l.Debug {
		args = append(args, "--debug")
	}
	cmd := exec.Command(l.Executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Dir = l.Root
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch spawn %s: %w", spawnID, err)
	}
	if l.Logger != nil {
		l.Logger.Debug("runner detached", zap.String("spawn", spawnID), zap.Int("pid", cmd.Process.Pid))
	}
	// Reap the child if this process outlives it.
	go func() { _ = cmd.Wait() }()
	return nil
}

// AsyncLauncher runs spawns on goroutines of the current process.
type AsyncLauncher struct {
	ctx    context.Context
	runner *Runner
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewAsyncLauncher binds runs to ctx rather than to each caller's context.
func NewAsyncLauncher(ctx context.Context, runner *Runner, logger *zap.Logger) *AsyncLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncLauncher{ctx: ctx, runner: runner, logger: logger}
}

func (l *AsyncLauncher) Launch(_ context.Context, spawnID string) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.runner.Run(l.ctx, spawnID); err != nil {
			l.logger.Warn("spawn run failed", zap.String("spawn", spawnID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every launched run returns.
func (l *AsyncLauncher) Wait() {
	l.wg.Wait()
}
