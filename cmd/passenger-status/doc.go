// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Passenger-status reports the state of a running helper agent over its
// message socket.
//
// Without arguments it finds the only instance directory under the
// temporary directory, logs in with the status account of its newest
// generation and prints the pool table. --show selects another report:
//
//	pool        pool table (default)
//	inspect     the agent's plain text pool report
//	xml         the XML pool report, sensitive fields included
//	backtraces  stacks of every goroutine in the agent
//
// A PID argument selects the instance of that web server when several
// are running.
package main
