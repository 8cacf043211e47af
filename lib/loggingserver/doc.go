// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package loggingserver is the logging agent: it receives analytics
// transactions from helper agents and application workers and appends
// finished transactions to hourly log files.
//
// A transaction may be attached to by several connections at once (the
// helper agent and the worker that serves the request). Each attach and
// detach is recorded in the transaction. When the last party detaches,
// the transaction's filters are evaluated against its content and, if
// they all pass, the buffered lines are appended to
//
//	<dir>/1/<md5(group)>/<md5(node)>/<category>/<yyyy>/<mm>/<dd>/<hh>/log.txt
//
// A connection that drops while attached either detaches on its behalf
// (crash protection, the default) or discards the transaction.
//
// Closed hour buckets can be compressed in place with zstd or lz4 by the
// archiver, see [Compression].
package loggingserver
