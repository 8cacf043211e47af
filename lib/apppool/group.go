// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"slices"
	"time"

	"github.com/bureau-foundation/passenger/lib/pooloptions"
)

// group is the set of workers serving one application. Guarded by
// Pool.mu.
type group struct {
	name         string
	appRoot      string
	maxRequests  uint64
	minProcesses uint64
	workers      []*worker
	spawn        *spawnAttempt

	// removed is set once the group left Pool.groups; a spawn finishing
	// for a removed group discards its worker.
	removed bool
}

func newGroup(name string, options pooloptions.Options) *group {
	g := &group{name: name, appRoot: options.AppRoot}
	g.refresh(options)
	return g
}

// refresh takes the request limit and minimum size from the options of
// the latest checkout.
func (g *group) refresh(options pooloptions.Options) {
	g.maxRequests = options.MaxRequests
	g.minProcesses = options.MinProcesses
}

// idleWorker returns the least recently used worker without sessions.
func (g *group) idleWorker() *worker {
	var best *worker
	for _, w := range g.workers {
		if w.sessions == 0 && !w.exhausted() && (best == nil || w.lastUsed.Before(best.lastUsed)) {
			best = w
		}
	}
	return best
}

// leastBusyWorker returns the worker with the fewest sessions, least
// recently used first, skipping workers that take no more sessions.
func (g *group) leastBusyWorker() *worker {
	var best *worker
	for _, w := range g.workers {
		if w.exhausted() {
			continue
		}
		if best == nil || w.sessions < best.sessions ||
			(w.sessions == best.sessions && w.lastUsed.Before(best.lastUsed)) {
			best = w
		}
	}
	return best
}

func (g *group) remove(w *worker) {
	if i := slices.Index(g.workers, w); i >= 0 {
		g.workers = slices.Delete(g.workers, i, i+1)
	}
}

// worker is a live worker process. Guarded by Pool.mu.
type worker struct {
	process   *Process
	group     *group
	sessions  int
	processed uint64

	// checkouts counts sessions ever assigned to the worker. It is
	// charged against the group's request limit.
	checkouts uint64

	startedAt time.Time
	lastUsed  time.Time
	retired   bool
}

// exhausted reports whether the worker's request budget is spent.
func (w *worker) exhausted() bool {
	return w.group.maxRequests > 0 && w.checkouts >= w.group.maxRequests
}

type spawnAttempt struct {
	done chan struct{}
	err  error
}

func (a *spawnAttempt) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
