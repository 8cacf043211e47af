// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter compiles and evaluates the analytics filter language.
//
// A filter is a boolean expression over a request's context:
//
//	uri =~ %r{^/admin}i && (status_code >= 500 || response_time > 2000000)
//	starts_with(uri, "/api/") && !has_hint("skip_logging")
//
// Compile tokenizes and parses the source with a recursive-descent parser,
// type-checks every comparison and compiles regular expressions once.
// Run evaluates the result against a Context and never fails. The logging
// agent evaluates filters against LogContext, a lazy view over the lines
// of a finished transaction, and caches compiled filters in a Cache.
//
// Known fields: uri, controller and status are strings; response_time,
// response_time_without_gc, status_code and gc_time are integers.
package filter
