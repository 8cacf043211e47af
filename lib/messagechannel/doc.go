// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messagechannel implements the framed record protocol spoken on
// every local socket of the agent: the message server, the logging agent,
// and the feedback descriptor shared with the watchdog.
//
// Two record forms share one byte stream:
//
//	argument list  uint16 BE size, then each field followed by NUL
//	scalar         uint32 BE size, then that many opaque bytes
//
// A descriptor can be passed alongside a one-byte placeholder using
// SCM_RIGHTS, optionally bracketed by a "pass IO" / "got IO" exchange so
// neither side reads the placeholder as part of another record.
//
// Operations are unbounded by default. WithTimeout returns a view of the
// channel whose operations draw on a shared Timeout budget: each
// operation fails with ErrTimeout once the budget is spent and otherwise
// deducts the time it waited.
package messagechannel
