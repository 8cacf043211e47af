// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// period is non-zero for tickers, which are re-armed after firing.
	period  time.Duration
	stopped bool
}

// Fake returns a FakeClock reading initial until advanced.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot waiter firing when the clock passes now+d.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.addLocked(&waiter{deadline: f.now.Add(d), channel: channel})
	return channel
}

// NewTicker registers a periodic waiter.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker with non-positive period")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &waiter{deadline: f.now.Add(d), channel: channel, period: d}
	f.addLocked(entry)
	return &Ticker{
		C: channel,
		stop: func() {
			f.mu.Lock()
			entry.stopped = true
			f.mu.Unlock()
		},
	}
}

// Sleep blocks until the clock has been advanced by at least d.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is reached, earliest first. Tickers fire once per elapsed
// period, subject to their one-slot buffer.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, entry := range due {
			select {
			case entry.channel <- target:
			default:
			}
		}
	}
}

func (f *FakeClock) collectDue(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, pending []*waiter
	for _, entry := range f.waiters {
		switch {
		case entry.stopped:
		case entry.deadline.After(target):
			pending = append(pending, entry)
		default:
			due = append(due, entry)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, entry := range due {
		if entry.period > 0 {
			entry.deadline = entry.deadline.Add(entry.period)
			pending = append(pending, entry)
		}
	}
	f.waiters = pending
	return due
}

// BlockUntilWaiters waits until at least n timers, tickers or sleeps are
// pending on the clock.
func (f *FakeClock) BlockUntilWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// Pending returns the number of armed waiters.
func (f *FakeClock) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range f.waiters {
		if !entry.stopped {
			count++
		}
	}
	return count
}

func (f *FakeClock) addLocked(entry *waiter) {
	f.waiters = append(f.waiters, entry)
	f.changed.Broadcast()
}
