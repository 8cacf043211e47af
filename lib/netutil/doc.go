// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors and dials the socket
// addresses workers advertise.
//
// Worker sockets are written "unix:/path" or "tcp://host:port" in the
// pool's server socket list. Dial resolves either form.
// IsExpectedCloseError separates ordinary client disconnects (EOF, reset,
// broken pipe) from real failures, so request handlers can drop the
// former without logging an error.
package netutil
