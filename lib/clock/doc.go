// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets time-driven agent code run against either the wall
// clock or a manually advanced one.
//
// The application pool's idle cleaner, the restart-file stat throttle, the
// analytics reconnect cooldown and the shutdown idle grace all take a Clock
// instead of calling the time package. Production wiring passes Real();
// tests pass a FakeClock and move time with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	pool := apppool.New(apppool.Config{Clock: fake, ...})
//	fake.BlockUntilWaiters(1)       // cleaner registered its timer
//	fake.Advance(121 * time.Second) // idle workers become eligible
//
// BlockUntilWaiters closes the race between a goroutine arming a timer and
// the test advancing past it.
//
// UnixMicro is the timestamp source for analytics records, which are
// expressed in microseconds since the epoch.
package clock
