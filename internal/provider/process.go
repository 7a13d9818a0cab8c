package provider

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/adamavenir/murmur/internal/core"
)

const outputBufferSize = 64 * 1024

// OutputBuffer is a thread-safe ring buffer that keeps the last N bytes written.
type OutputBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

// NewOutputBuffer creates a ring buffer with the given capacity.
func NewOutputBuffer(size int) *OutputBuffer {
	return &OutputBuffer{buf: make([]byte, size), size: size}
}

// Write appends data, overwriting the oldest bytes once full.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.size {
		copy(b.buf, p[len(p)-b.size:])
		b.pos = 0
		b.full = true
		return len(p), nil
	}
	for _, c := range p {
		b.buf[b.pos] = c
		b.pos = (b.pos + 1) % b.size
		if b.pos == 0 {
			b.full = true
		}
	}
	return len(p), nil
}

// Bytes returns the buffered content in write order.
func (b *OutputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return append([]byte(nil), b.buf[:b.pos]...)
	}
	result := make([]byte, b.size)
	copy(result, b.buf[b.pos:])
	copy(result[b.size-b.pos:], b.buf[:b.pos])
	return result
}

func (b *OutputBuffer) String() string {
	return string(b.Bytes())
}

// Process is a started provider CLI.
type Process struct {
	Cmd       *exec.Cmd
	PID       int
	StartedAt time.Time
	Stdout    *OutputBuffer
	Stderr    *OutputBuffer
}

// Start launches the adapter's executable with a sanitized environment plus
// extraEnv. A missing executable returns ErrExecutableNotFound; any other
// start failure is a core.TransientLaunchError.
func Start(ctx context.Context, adapter Adapter, req LaunchRequest, extraEnv []string) (*Process, error) {
	env := SanitizeEnv(baseEnviron())
	for _, kv := range extraEnv {
		if key, value, ok := splitKV(kv); ok {
			env = WithEnv(env, key, value)
		}
	}

	path, err := LookPath(adapter.Executable(), env)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, adapter.LaunchArgs(req)...)
	cmd.Env = env
	cmd.Dir = req.WorkDir
	// Tool subprocesses share the provider's group and die with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	proc := &Process{
		Cmd:    cmd,
		Stdout: NewOutputBuffer(outputBufferSize),
		Stderr: NewOutputBuffer(outputBufferSize),
	}
	cmd.Stdout = proc.Stdout
	cmd.Stderr = proc.Stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrExecutableNotFound
		}
		return nil, &core.TransientLaunchError{Executable: adapter.Executable(), Err: err}
	}
	proc.PID = cmd.Process.Pid
	proc.StartedAt = time.Now()
	return proc, nil
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func splitKV(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}
