// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the agent's package tests.
//
// Channel helpers (RequireReceive, RequireSend, RequireClosed) bound every
// wait with a timeout so a broken pool or server fails the test instead of
// hanging the binary. SocketDir returns a short temporary directory for
// Unix sockets; the 108-byte sun_path limit rules out t.TempDir() on many
// systems. Logger routes slog output through t.Log so server logs show up
// next to the failing assertion.
package testutil
