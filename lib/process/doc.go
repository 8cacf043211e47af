// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for the agent binaries:
// exit codes, fatal reporting before the logger exists, process group
// teardown used when the watchdog disappears, and readiness
// notifications to a service manager.
package process
