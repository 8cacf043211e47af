// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package analytics is the client side of the analytics logging
// protocol.
//
// A [Factory] owns a small pool of authenticated connections to the
// logging agent. Each request opens a [Transaction] with
// [Factory.NewTransaction], appends events with [Transaction.Message] and
// [Transaction.Scope], and closes it when the request is done. A later
// hop of the same request (a worker process, for example) attaches to
// the same transaction with [Factory.ContinueTransaction].
//
// Delivery is best effort. When the logging agent cannot be reached the
// factory enters a cooldown, during which it hands out null transactions
// whose operations do nothing. Callers never need to check for errors
// on the hot path.
//
// Timestamps on the wire are microseconds since the UNIX epoch written
// in base 32 with the digits 0-9a-v, see [EncodeBase32].
package analytics
