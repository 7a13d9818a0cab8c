package provider_test

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/provider/providertest"
)

func TestStartCapturesOutputAndEnv(t *testing.T) {
	fake := providertest.New(t.TempDir(), `echo "prompt=$1 spawn=$MURMUR_SPAWN_ID"; echo oops >&2; exit 3`)
	proc, err := provider.Start(context.Background(), fake, provider.LaunchRequest{Prompt: "hello", WorkDir: t.TempDir()}, []string{"MURMUR_SPAWN_ID=sp-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if proc.PID <= 0 {
		t.Fatalf("expected pid, got %d", proc.PID)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit 3, got %d", code)
	}
	if got := strings.TrimSpace(proc.Stdout.String()); got != "prompt=hello spawn=sp-1" {
		t.Fatalf("unexpected stdout %q", got)
	}
	if got := strings.TrimSpace(proc.Stderr.String()); got != "oops" {
		t.Fatalf("unexpected stderr %q", got)
	}
}

type missingExecutable struct {
	*providertest.Fake
}

func (missingExecutable) Executable() string { return "murmur-no-such-provider-cli" }

func TestStartMissingExecutable(t *testing.T) {
	adapter := missingExecutable{providertest.New(t.TempDir(), "true")}
	_, err := provider.Start(context.Background(), adapter, provider.LaunchRequest{}, nil)
	if !errors.Is(err, provider.ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestStartRunsInOwnProcessGroup(t *testing.T) {
	fake := providertest.New(t.TempDir(), `sleep 5; echo done`)
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := provider.Start(ctx, fake, provider.LaunchRequest{WorkDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pgid, err := syscall.Getpgid(proc.PID)
	if err != nil {
		t.Fatalf("getpgid: %v", err)
	}
	if pgid != proc.PID {
		t.Fatalf("expected provider to lead its group, pgid=%d pid=%d", pgid, proc.PID)
	}

	started := time.Now()
	cancel()
	_, _ = proc.Wait()
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("cancel left the shell's child holding output open for %s", elapsed)
	}
	if strings.Contains(proc.Stdout.String(), "done") {
		t.Fatalf("script ran to completion after cancel")
	}
}
