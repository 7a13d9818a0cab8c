package command

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/spf13/cobra"
)

func executeCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommandVersion(t *testing.T) {
	cmd := NewRootCmd("test")

	output, err := executeCommand(cmd, "--version")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !strings.Contains(output, "murmur version test") {
		t.Fatalf("expected version output, got %q", output)
	}
}

func TestRootCommandHelp(t *testing.T) {
	cmd := NewRootCmd("test")

	output, err := executeCommand(cmd)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !strings.Contains(output, "swarm of AI agents") {
		t.Fatalf("expected help output, got %q", output)
	}
}

func TestSpawnRunIsHidden(t *testing.T) {
	output, err := executeCommand(NewRootCmd("test"), "spawn", "--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	if strings.Contains(output, "run ") {
		t.Fatalf("expected spawn run to be hidden, got %q", output)
	}
	if !strings.Contains(output, "tasks") {
		t.Fatalf("expected tasks in spawn help, got %q", output)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("boom"), ExitError},
		{core.NewValidationError("bad"), ExitError},
		{fmt.Errorf("wait: %w", core.ErrTimeout), ExitTimeout},
		{reportedError{fmt.Errorf("wait: %w", core.ErrTimeout)}, ExitTimeout},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSchemaErrorHint(t *testing.T) {
	cmd := NewRootCmd("test")
	buf := new(bytes.Buffer)
	cmd.SetErr(buf)

	err := writeCommandError(cmd, errors.New("no such column: foo"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), "schema mismatch") {
		t.Fatalf("expected schema hint, got %q", buf.String())
	}
}
