// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apppool keeps a bounded set of application worker processes,
// partitioned into groups keyed by application, and hands out sessions
// on them.
//
// Checkout picks an idle worker of the request's group, spawns a new one
// while capacity allows, or waits. Two queueing policies exist: with
// the per-worker queue a busy worker may be given more sessions; with
// the global queue a caller waits until a worker is idle. Spawning runs
// outside the pool lock on its own goroutine, so a caller that gives up
// does not abort a spawn other callers are waiting for.
//
// A worker's restart.txt and always_restart.txt are consulted before
// checkout, throttled per the request's stat throttle rate; a file
// watcher invalidates the throttle cache when the files change. A
// cleaner goroutine retires workers idle for longer than the idle time,
// keeping each group's minimum.
package apppool
