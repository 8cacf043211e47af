// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Exit codes of the helper agent.
const (
	ExitOK = 0

	// ExitFailure covers startup and runtime errors.
	ExitFailure = 1

	// ExitWatchdogGone means the feedback descriptor reached EOF and the
	// agent killed its process group.
	ExitWatchdogGone = 2
)

// ExitError carries a specific exit code out of run().
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Fatal writes "error: err" to stderr and exits. An *ExitError in the
// chain selects the exit code; anything else exits with ExitFailure.
func Fatal(err error) {
	code := ExitFailure
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	if err != nil && (exitErr == nil || exitErr.Err != nil) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

// KillProcessGroup sends SIGKILL to every process in the caller's process
// group, the caller included.
func KillProcessGroup() error {
	pgid, err := unix.Getpgid(0)
	if err != nil {
		return fmt.Errorf("getpgid: %w", err)
	}
	return unix.Kill(-pgid, unix.SIGKILL)
}
