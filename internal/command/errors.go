package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitTimeout = 124
)

// reportedError marks an error already written to stderr.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())

	if isSchemaError(err) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: this looks like a schema mismatch. The workspace may have been created by a newer murmur.")
	}

	return reportedError{err}
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, core.ErrTimeout):
		return ExitTimeout
	default:
		return ExitError
	}
}

// isSchemaError checks if an error is a SQLite schema mismatch.
func isSchemaError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "has no column")
}
