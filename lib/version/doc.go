// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build information for the agent binaries.
//
// GitCommit, GitDirty and BuildTime are injected with -ldflags -X.
// Version is the Passenger version reported in the Server response
// header and in the instance directory name, so it must parse as
// major.minor[.patch]; MajorMinor extracts the first two components.
package version
