// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile writes small files that other processes read while
// the agent runs: structure_version.txt in the instance directory, the
// password files handed to the web server, and the CBOR agent state that
// passenger-status uses to find the message socket.
//
// Every write goes to a temporary file in the same directory, is fsynced,
// renamed into place and followed by a directory sync, so a reader never
// observes a truncated file.
package statefile
