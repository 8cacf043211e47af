// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when no worker became available before the
	// caller's deadline.
	ErrBusy = errors.New("apppool: no worker available")

	// ErrClosed is returned by operations on a closed pool.
	ErrClosed = errors.New("apppool: pool closed")
)

// SpawnError reports that a worker could not be started. Spawners may
// return it to attach the HTML error page the application printed while
// starting.
type SpawnError struct {
	// AppRoot is filled in by the pool.
	AppRoot   string
	Message   string
	ErrorPage string
	Err       error
}

func (e *SpawnError) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if e.AppRoot == "" {
		return "cannot spawn application: " + message
	}
	return fmt.Sprintf("cannot spawn application '%s': %s", e.AppRoot, message)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HasErrorPage reports whether the application supplied an error page.
func (e *SpawnError) HasErrorPage() bool { return e.ErrorPage != "" }

// asSpawnError wraps err for appRoot, keeping an existing SpawnError's
// message and page.
func asSpawnError(appRoot string, err error) *SpawnError {
	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		wrapped := *spawnErr
		wrapped.AppRoot = appRoot
		return &wrapped
	}
	return &SpawnError{AppRoot: appRoot, Err: err}
}
