// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/passenger/lib/clock"
	"github.com/bureau-foundation/passenger/lib/pooloptions"
)

// Defaults for Config.
const (
	DefaultMax         = 20
	DefaultMaxPerApp   = 0
	DefaultMaxIdleTime = 120 * time.Second

	// MaxCheckoutAttempts bounds how often Checkout retries when it cannot
	// connect to a worker it checked out.
	MaxCheckoutAttempts = 10
)

// Config configures a Pool.
type Config struct {
	Spawner Spawner

	// Max bounds the number of workers across all groups.
	Max int
	// MaxPerApp bounds the workers of one group; 0 means no bound.
	MaxPerApp int
	// MaxIdleTime retires workers idle for longer; 0 disables the
	// cleaner.
	MaxIdleTime time.Duration

	// WorkerTimeout bounds every session write and every wait for
	// response bytes. A worker that exceeds it is retired. 0 disables
	// the bound.
	WorkerTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// Registerer receives the pool's metrics. Nil uses a private
	// registry.
	Registerer prometheus.Registerer
}

// Pool is a bounded, keyed pool of application workers. It is safe for
// concurrent use.
type Pool struct {
	spawner Spawner
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics
	restart *restartChecker

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu sync.Mutex
	// changed is closed and replaced whenever capacity, idleness or
	// limits change.
	changed              chan struct{}
	idleTimeChanged      chan struct{}
	groups               map[string]*group
	max                  int
	maxPerApp            int
	maxIdleTime          time.Duration
	workerTimeout        time.Duration
	count                int
	active               int
	spawning             int
	waitingOnGlobalQueue int
	closed               bool
}

// New returns a running pool. Close stops it.
func New(config Config) (*Pool, error) {
	if config.Spawner == nil {
		return nil, errors.New("apppool: spawner is required")
	}
	if config.Max <= 0 {
		config.Max = DefaultMax
	}
	if config.MaxPerApp < 0 {
		config.MaxPerApp = DefaultMaxPerApp
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		spawner:         config.Spawner,
		clock:           config.Clock,
		logger:          config.Logger,
		metrics:         newMetrics(config.Registerer),
		restart:         newRestartChecker(config.Clock, config.Logger),
		ctx:             ctx,
		cancel:          cancel,
		changed:         make(chan struct{}),
		idleTimeChanged: make(chan struct{}, 1),
		groups:          make(map[string]*group),
		max:             config.Max,
		maxPerApp:       config.MaxPerApp,
		maxIdleTime:     config.MaxIdleTime,
		workerTimeout:   config.WorkerTimeout,
	}
	p.tasks.Add(1)
	go p.cleaner()
	return p, nil
}

// Close retires every worker, fails pending checkouts with ErrClosed and
// waits for in-flight spawns and the cleaner to stop.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.retireAllLocked("shutdown")
	p.broadcastLocked()
	p.mu.Unlock()

	p.cancel()
	p.tasks.Wait()
	p.restart.close()
	return nil
}

// Checkout returns a session on a worker of options' group, spawning
// one when needed. It waits while the pool is at capacity; when ctx's
// deadline passes first the error wraps ErrBusy. Spawn failures are
// returned as *SpawnError. A worker that refuses the connection is
// detached and another one tried, up to MaxCheckoutAttempts times.
func (p *Pool) Checkout(ctx context.Context, options pooloptions.Options) (*Session, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("apppool: invalid options: %w", err)
	}
	for attempt := 1; ; attempt++ {
		w, err := p.checkoutWorker(ctx, options)
		if err != nil {
			p.metrics.checkouts.WithLabelValues(checkoutResult(err)).Inc()
			return nil, err
		}
		session, err := p.connect(ctx, w)
		if err == nil {
			p.metrics.checkouts.WithLabelValues("ok").Inc()
			return session, nil
		}

		p.logger.Warn("cannot connect to worker, detaching it",
			"group", w.group.name,
			"pid", w.process.PID,
			"attempt", attempt,
			"error", err,
		)
		p.mu.Lock()
		p.releaseLocked(w, false, true)
		p.mu.Unlock()

		if errors.Is(err, syscall.EMFILE) || attempt >= MaxCheckoutAttempts {
			p.metrics.checkouts.WithLabelValues("connect_error").Inc()
			return nil, fmt.Errorf("cannot connect to an existing application instance for '%s': %w", options.AppRoot, err)
		}
	}
}

func checkoutResult(err error) string {
	var spawnErr *SpawnError
	switch {
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.As(err, &spawnErr):
		return "spawn_error"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// checkoutWorker reserves a session slot on a worker.
func (p *Pool) checkoutWorker(ctx context.Context, options pooloptions.Options) (*worker, error) {
	name := options.EffectiveGroupName()
	throttle := time.Duration(options.StatThrottleRate) * time.Second
	restart := p.restart.needsRestart(options.AppRoot, options.RestartDir, throttle)

	p.mu.Lock()
	defer p.mu.Unlock()
	if restart {
		p.restartGroupLocked(name)
	}

	var waitingFor *spawnAttempt
	for {
		if p.closed {
			return nil, ErrClosed
		}
		if waitingFor != nil && waitingFor.finished() {
			if waitingFor.err != nil {
				return nil, waitingFor.err
			}
			waitingFor = nil
		}

		g := p.groups[name]
		if g != nil {
			g.refresh(options)
			if w := g.idleWorker(); w != nil {
				p.assignLocked(w)
				return w, nil
			}
			if g.spawn != nil {
				waitingFor = g.spawn
				if err := p.waitLocked(ctx, false); err != nil {
					return nil, err
				}
				continue
			}
			if p.atCapacityLocked(g) {
				if !options.UseGlobalQueue {
					if w := g.leastBusyWorker(); w != nil {
						p.assignLocked(w)
						return w, nil
					}
				}
				if err := p.waitLocked(ctx, options.UseGlobalQueue); err != nil {
					return nil, err
				}
				continue
			}
			waitingFor = p.startSpawnLocked(g, options)
			continue
		}

		if p.active+p.spawning >= p.max {
			if err := p.waitLocked(ctx, options.UseGlobalQueue); err != nil {
				return nil, err
			}
			continue
		}
		if p.count+p.spawning >= p.max && !p.evictIdleLocked() {
			if err := p.waitLocked(ctx, options.UseGlobalQueue); err != nil {
				return nil, err
			}
			continue
		}
		g = newGroup(name, options)
		p.groups[name] = g
		waitingFor = p.startSpawnLocked(g, options)
	}
}

func (p *Pool) atCapacityLocked(g *group) bool {
	if p.count+p.spawning >= p.max {
		return true
	}
	return p.maxPerApp > 0 && len(g.workers) >= p.maxPerApp
}

// waitLocked releases the lock until the pool changes or ctx is done.
func (p *Pool) waitLocked(ctx context.Context, globalQueue bool) error {
	changed := p.changed
	if globalQueue {
		p.waitingOnGlobalQueue++
		p.updateGaugesLocked()
	}
	p.mu.Unlock()

	var err error
	select {
	case <-changed:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	if globalQueue {
		p.waitingOnGlobalQueue--
		p.updateGaugesLocked()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.workers.Set(float64(p.count))
	p.metrics.active.Set(float64(p.active))
	p.metrics.waiting.Set(float64(p.waitingOnGlobalQueue))
}

// assignLocked gives w one more session and charges its request budget.
func (p *Pool) assignLocked(w *worker) {
	if w.sessions == 0 {
		p.active++
	}
	w.sessions++
	w.checkouts++
	w.lastUsed = p.clock.Now()
	p.updateGaugesLocked()
}

// releaseLocked returns a session slot. A failed session retires the
// worker; a worker whose request budget is spent is retired once idle.
func (p *Pool) releaseLocked(w *worker, processed, failed bool) {
	w.sessions--
	if processed {
		w.processed++
	}
	w.lastUsed = p.clock.Now()

	if w.retired {
		if w.sessions == 0 {
			p.stopWorker(w)
		}
		return
	}
	if w.sessions == 0 {
		p.active--
	}
	switch {
	case failed:
		p.retireLocked(w, "failed")
	case w.exhausted() && w.sessions == 0:
		p.retireLocked(w, "max_requests")
	}
	p.broadcastLocked()
}

// retireLocked removes w from the pool. Its process is stopped once its
// last session is released.
func (p *Pool) retireLocked(w *worker, reason string) {
	if w.retired {
		return
	}
	w.retired = true
	g := w.group
	g.remove(w)
	p.count--
	if w.sessions > 0 {
		p.active--
	} else {
		p.stopWorker(w)
	}
	if len(g.workers) == 0 && g.spawn == nil && p.groups[g.name] == g {
		g.removed = true
		delete(p.groups, g.name)
	}
	p.metrics.retirements.WithLabelValues(reason).Inc()
	p.logger.Debug("retired worker", "group", g.name, "pid", w.process.PID, "reason", reason)
}

func (p *Pool) retireAllLocked(reason string) {
	for _, g := range p.groups {
		for _, w := range append([]*worker(nil), g.workers...) {
			p.retireLocked(w, reason)
		}
		g.removed = true
	}
	clear(p.groups)
}

// stopWorker stops w's process without blocking the caller.
func (p *Pool) stopWorker(w *worker) {
	if w.process.Stop == nil {
		return
	}
	stop := w.process.Stop
	logger := p.logger
	go func() {
		if err := stop(); err != nil {
			logger.Warn("stopping worker", "pid", w.process.PID, "error", err)
		}
	}()
}

func (p *Pool) restartGroupLocked(name string) {
	g := p.groups[name]
	if reloader, ok := p.spawner.(Reloader); ok {
		reloader.Reload(name)
	}
	if g == nil {
		return
	}
	p.logger.Info("restarting application group", "group", name)
	for _, w := range append([]*worker(nil), g.workers...) {
		p.retireLocked(w, "restart")
	}
	g.removed = true
	delete(p.groups, name)
	p.broadcastLocked()
}

// evictIdleLocked retires the least recently used idle worker of any
// group to make room for a new group.
func (p *Pool) evictIdleLocked() bool {
	var oldest *worker
	for _, g := range p.groups {
		for _, w := range g.workers {
			if w.sessions == 0 && (oldest == nil || w.lastUsed.Before(oldest.lastUsed)) {
				oldest = w
			}
		}
	}
	if oldest == nil {
		return false
	}
	p.retireLocked(oldest, "capacity")
	return true
}

// startSpawnLocked begins spawning a worker for g on its own goroutine.
// The worker joins g idle when the spawn completes.
func (p *Pool) startSpawnLocked(g *group, options pooloptions.Options) *spawnAttempt {
	attempt := &spawnAttempt{done: make(chan struct{})}
	g.spawn = attempt
	p.spawning++
	owned := options.Own()
	p.tasks.Add(1)
	go p.runSpawn(g, attempt, owned)
	return attempt
}

func (p *Pool) runSpawn(g *group, attempt *spawnAttempt, options pooloptions.Options) {
	defer p.tasks.Done()
	started := p.clock.Now()
	process, err := p.spawner.Spawn(p.ctx, options)
	p.metrics.spawnTime.Observe(p.clock.Now().Sub(started).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawning--
	g.spawn = nil
	switch {
	case err != nil:
		spawnErr := asSpawnError(options.AppRoot, err)
		attempt.err = spawnErr
		p.metrics.spawns.WithLabelValues("error").Inc()
		p.logger.Error("spawning worker failed", "group", g.name, "error", spawnErr)
		if len(g.workers) == 0 && p.groups[g.name] == g {
			g.removed = true
			delete(p.groups, g.name)
		}
	case g.removed || p.closed:
		p.metrics.spawns.WithLabelValues("discarded").Inc()
		w := &worker{process: process, group: g}
		p.stopWorker(w)
	default:
		p.metrics.spawns.WithLabelValues("ok").Inc()
		now := p.clock.Now()
		w := &worker{
			process:   process,
			group:     g,
			startedAt: now,
			lastUsed:  now,
		}
		g.workers = append(g.workers, w)
		p.count++
		p.logger.Info("spawned worker", "group", g.name, "pid", process.PID, "gupid", process.GUPID)
	}
	close(attempt.done)
	p.broadcastLocked()
}

// cleaner retires idle workers every MaxIdleTime plus a second.
func (p *Pool) cleaner() {
	defer p.tasks.Done()
	for {
		p.mu.Lock()
		idleTime := p.maxIdleTime
		p.mu.Unlock()

		var timer <-chan time.Time
		if idleTime > 0 {
			timer = p.clock.After(idleTime + time.Second)
		}
		select {
		case <-p.ctx.Done():
			return
		case <-p.idleTimeChanged:
		case <-timer:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxIdleTime <= 0 {
		return
	}
	now := p.clock.Now()
	evicted := false
	for _, g := range p.groups {
		for _, w := range append([]*worker(nil), g.workers...) {
			if w.sessions > 0 || now.Sub(w.lastUsed) <= p.maxIdleTime {
				continue
			}
			if uint64(len(g.workers)) <= g.minProcesses {
				break
			}
			p.retireLocked(w, "idle")
			evicted = true
		}
	}
	if evicted {
		p.broadcastLocked()
	}
}

// Detach removes the worker whose DetachKey is key and reports whether
// one was found.
func (p *Pool) Detach(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		for _, w := range g.workers {
			if w.process.DetachKey == key {
				p.retireLocked(w, "detach")
				p.broadcastLocked()
				return true
			}
		}
	}
	return false
}

// Clear retires every worker. Sessions already handed out stay usable
// until released.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retireAllLocked("clear")
	p.broadcastLocked()
}

// SetMax changes the pool-wide worker limit. Values below 1 become 1.
func (p *Pool) SetMax(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max = max(n, 1)
	p.broadcastLocked()
}

// SetMaxPerApp changes the per-group limit; 0 removes it.
func (p *Pool) SetMaxPerApp(maxPerApp int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxPerApp = max(maxPerApp, 0)
	p.broadcastLocked()
}

// SetMaxIdleTime changes the idle timeout; 0 disables idle eviction.
func (p *Pool) SetMaxIdleTime(d time.Duration) {
	p.mu.Lock()
	p.maxIdleTime = max(d, 0)
	p.mu.Unlock()
	select {
	case p.idleTimeChanged <- struct{}{}:
	default:
	}
}

// Active returns the number of workers with at least one session.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Count returns the number of live workers.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
