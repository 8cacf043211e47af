// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Passenger-logging-agent collects analytics transactions from helper
// agents. Transactions that pass their filters are written under the
// dump directory, one file per group, node, category and hour; hour
// buckets are compressed once they are old enough.
//
// Started as root, the agent binds its socket, hands the dump directory
// to logging_agent.user and drops to that account before serving.
package main
