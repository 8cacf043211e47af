// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/apppool/apppooltest"
	"github.com/bureau-foundation/passenger/lib/clock"
	"github.com/bureau-foundation/passenger/lib/netutil"
	"github.com/bureau-foundation/passenger/lib/pooloptions"
	"github.com/bureau-foundation/passenger/lib/testutil"
)

const testTimeout = 5 * time.Second

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type checkoutResult struct {
	session *apppool.Session
	err     error
}

func newPool(t *testing.T, spawner apppool.Spawner, configure func(*apppool.Config)) *apppool.Pool {
	t.Helper()
	config := apppool.Config{
		Spawner: spawner,
		Max:     4,
		Logger:  testutil.Logger(t),
	}
	if configure != nil {
		configure(&config)
	}
	pool, err := apppool.New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func checkout(t *testing.T, pool *apppool.Pool, options pooloptions.Options) *apppool.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	session, err := pool.Checkout(ctx, options)
	if err != nil {
		t.Fatalf("Checkout(%s): %v", options.AppRoot, err)
	}
	return session
}

func checkoutAsync(pool *apppool.Pool, options pooloptions.Options) <-chan checkoutResult {
	results := make(chan checkoutResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		session, err := pool.Checkout(ctx, options)
		results <- checkoutResult{session, err}
	}()
	return results
}

// eventually polls condition until it holds or the test times out.
func eventually(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// roundTrip sends headers and body through session and returns the
// worker's response.
func roundTrip(t *testing.T, session *apppool.Session, headers, body string) string {
	t.Helper()
	if err := session.SendHeaders([]byte(headers)); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if err := session.SendBodyBlock([]byte(body)); err != nil {
		t.Fatalf("SendBodyBlock: %v", err)
	}
	if err := session.ShutdownWriter(); err != nil {
		t.Fatalf("ShutdownWriter: %v", err)
	}
	if err := session.SetDeadline(time.Now().Add(testTimeout)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	response, err := io.ReadAll(session.Stream())
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return string(response)
}

func TestSessionRoundTrip(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))

	session := checkout(t, pool, options)
	defer session.Close()

	headers := "REQUEST_METHOD\x00GET\x00"
	response := roundTrip(t, session, headers, "hello")
	want := fmt.Sprintf("Status: 200\r\nContent-Type: text/plain\r\nX-Worker-Pid: %d\r\n\r\n%d hello",
		session.PID(), len(headers))
	if response != want {
		t.Errorf("response = %q, want %q", response, want)
	}
	if session.GroupName() != options.AppRoot {
		t.Errorf("GroupName() = %q, want %q", session.GroupName(), options.AppRoot)
	}
	if want := fmt.Sprintf("password-%d", session.PID()); session.ConnectPassword() != want {
		t.Errorf("ConnectPassword() = %q, want %q", session.ConnectPassword(), want)
	}
	if session.GUPID() == "" {
		t.Error("GUPID() is empty")
	}
}

func TestCheckoutReusesIdleWorker(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))

	first := checkout(t, pool, options)
	pid := first.PID()
	if got := pool.Active(); got != 1 {
		t.Errorf("Active() with one session = %d, want 1", got)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if got := pool.Active(); got != 0 {
		t.Errorf("Active() after Close = %d, want 0", got)
	}

	second := checkout(t, pool, options)
	defer second.Close()
	if second.PID() != pid {
		t.Errorf("second checkout PID = %d, want reused %d", second.PID(), pid)
	}
	if got := spawner.Spawns(); got != 1 {
		t.Errorf("Spawns() = %d, want 1", got)
	}
	if got := pool.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestGroupNameSeparatesGroups(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	appRoot := testutil.AppRoot(t)

	staging := pooloptions.New(appRoot)
	staging.AppGroupName = appRoot + " (staging)"
	production := pooloptions.New(appRoot)

	a := checkout(t, pool, staging)
	a.Close()
	b := checkout(t, pool, production)
	b.Close()

	if a.PID() == b.PID() {
		t.Errorf("both groups were served by worker %d", a.PID())
	}
	if got := pool.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	snapshot := pool.Snapshot(false)
	if len(snapshot.Groups) != 2 {
		t.Fatalf("snapshot has %d groups, want 2", len(snapshot.Groups))
	}
	if snapshot.Groups[0].Name != appRoot || snapshot.Groups[1].Name != staging.AppGroupName {
		t.Errorf("group names = %q, %q", snapshot.Groups[0].Name, snapshot.Groups[1].Name)
	}
}

func TestPerWorkerQueueSharesBusyWorker(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) { config.Max = 1 })
	options := pooloptions.New(testutil.AppRoot(t))

	first := checkout(t, pool, options)
	defer first.Close()
	second := checkout(t, pool, options)
	defer second.Close()

	if first.PID() != second.PID() {
		t.Errorf("sessions on workers %d and %d, want a shared worker", first.PID(), second.PID())
	}
	snapshot := pool.Snapshot(false)
	if got := snapshot.Groups[0].Workers[0].Sessions; got != 2 {
		t.Errorf("worker sessions = %d, want 2", got)
	}
	if got := pool.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
}

func TestGlobalQueueWaitsForIdleWorker(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) { config.Max = 1 })
	options := pooloptions.New(testutil.AppRoot(t))
	options.UseGlobalQueue = true

	first := checkout(t, pool, options)
	results := checkoutAsync(pool, options)
	eventually(t, "a checkout waiting on the global queue", func() bool {
		return pool.Snapshot(false).WaitingOnGlobalQueue == 1
	})
	select {
	case result := <-results:
		t.Fatalf("checkout returned while the only worker was busy: %v", result.err)
	default:
	}

	pid := first.PID()
	first.Close()
	result := testutil.RequireReceive(t, results, testTimeout, "waiting checkout")
	if result.err != nil {
		t.Fatalf("waiting checkout: %v", result.err)
	}
	defer result.session.Close()
	if result.session.PID() != pid {
		t.Errorf("waiting checkout got worker %d, want %d", result.session.PID(), pid)
	}
	if got := pool.Snapshot(false).WaitingOnGlobalQueue; got != 0 {
		t.Errorf("WaitingOnGlobalQueue = %d after checkout, want 0", got)
	}
}

func TestCheckoutTimesOutWithBusy(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) { config.Max = 1 })
	options := pooloptions.New(testutil.AppRoot(t))
	options.UseGlobalQueue = true

	session := checkout(t, pool, options)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Checkout(ctx, options)
	if !errors.Is(err, apppool.ErrBusy) {
		t.Errorf("Checkout error = %v, want ErrBusy", err)
	}
}

// A new group gets a worker slot by evicting another group's idle
// worker, and waits while every worker is busy.
func TestNewGroupEvictsOrWaits(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) { config.Max = 2 })
	a := pooloptions.New(testutil.AppRoot(t))
	b := pooloptions.New(testutil.AppRoot(t))

	// Two workers for A: the second checkout spawns since the first
	// worker is busy and the pool has room.
	a1 := checkout(t, pool, a)
	a2 := checkout(t, pool, a)
	if a1.PID() == a2.PID() {
		t.Fatalf("expected two workers for A, both sessions on %d", a1.PID())
	}

	results := checkoutAsync(pool, b)
	time.Sleep(20 * time.Millisecond)
	select {
	case result := <-results:
		t.Fatalf("checkout for B returned while every worker was busy: %v", result.err)
	default:
	}

	evicted := spawner.Worker(a1.PID())
	a1.Close()
	result := testutil.RequireReceive(t, results, testTimeout, "checkout for B")
	if result.err != nil {
		t.Fatalf("checkout for B: %v", result.err)
	}
	defer result.session.Close()
	defer a2.Close()

	testutil.RequireClosed(t, evicted.Stopped(), testTimeout, "evicted worker of A")
	if got := pool.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if result.session.GroupName() != b.AppRoot {
		t.Errorf("B's session is in group %q", result.session.GroupName())
	}
}

func TestShorterWaiterGetsBusyWhileSpawnCompletes(t *testing.T) {
	gate := make(chan struct{})
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t), Gate: gate}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Checkout(ctx, options); !errors.Is(err, apppool.ErrBusy) {
		t.Fatalf("Checkout during slow spawn: error = %v, want ErrBusy", err)
	}
	if !pool.Snapshot(false).Groups[0].Spawning {
		t.Error("group is not spawning after the waiter gave up")
	}

	close(gate)
	session := checkout(t, pool, options)
	defer session.Close()
	if got := spawner.Spawns(); got != 1 {
		t.Errorf("Spawns() = %d, want the abandoned spawn reused", got)
	}
}

func TestSpawnErrorIsReturned(t *testing.T) {
	spawner := &apppooltest.Spawner{
		Dir: testutil.SocketDir(t),
		Err: &apppool.SpawnError{Message: "missing Gemfile", ErrorPage: "<h1>Bundler error</h1>"},
	}
	registry := prometheus.NewRegistry()
	pool := newPool(t, spawner, func(config *apppool.Config) { config.Registerer = registry })
	options := pooloptions.New(testutil.AppRoot(t))

	_, err := pool.Checkout(context.Background(), options)
	var spawnErr *apppool.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Checkout error = %v, want *SpawnError", err)
	}
	if spawnErr.AppRoot != options.AppRoot {
		t.Errorf("AppRoot = %q, want %q", spawnErr.AppRoot, options.AppRoot)
	}
	if !spawnErr.HasErrorPage() {
		t.Error("error page lost")
	}
	if want := "cannot spawn application '" + options.AppRoot + "': missing Gemfile"; spawnErr.Error() != want {
		t.Errorf("Error() = %q, want %q", spawnErr.Error(), want)
	}
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if got := len(pool.Snapshot(false).Groups); got != 0 {
		t.Errorf("failed spawn left %d groups", got)
	}

	expected := `
# HELP passenger_pool_checkouts_total Checkouts by result.
# TYPE passenger_pool_checkouts_total counter
passenger_pool_checkouts_total{result="spawn_error"} 1
# HELP passenger_pool_spawns_total Worker spawns by result.
# TYPE passenger_pool_spawns_total counter
passenger_pool_spawns_total{result="error"} 1
`
	if err := promtestutil.GatherAndCompare(registry, strings.NewReader(expected),
		"passenger_pool_checkouts_total", "passenger_pool_spawns_total"); err != nil {
		t.Error(err)
	}
}

func TestSpawnErrorWithoutPage(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t), Err: errors.New("exec format error")}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))

	_, err := pool.Checkout(context.Background(), options)
	var spawnErr *apppool.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Checkout error = %v, want *SpawnError", err)
	}
	if spawnErr.HasErrorPage() {
		t.Error("HasErrorPage() = true for a plain error")
	}
	if !strings.Contains(err.Error(), "exec format error") {
		t.Errorf("error %q does not carry the cause", err)
	}
}

func TestMaxRequestsRetiresWorker(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))
	options.MaxRequests = 2

	first := checkout(t, pool, options)
	pid := first.PID()
	first.Close()
	second := checkout(t, pool, options)
	if second.PID() != pid {
		t.Fatalf("second checkout PID = %d, want %d", second.PID(), pid)
	}
	second.Close()

	testutil.RequireClosed(t, spawner.Worker(pid).Stopped(), testTimeout, "worker after its last request")
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}

	third := checkout(t, pool, options)
	defer third.Close()
	if third.PID() == pid {
		t.Errorf("third checkout reused retired worker %d", pid)
	}
}

// A worker with no budget left takes no new sessions even when the
// pool is full; the next checkout waits for its retirement.
func TestExhaustedWorkerTakesNoSessions(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) { config.Max = 1 })
	options := pooloptions.New(testutil.AppRoot(t))
	options.MaxRequests = 1

	first := checkout(t, pool, options)
	results := checkoutAsync(pool, options)
	time.Sleep(20 * time.Millisecond)
	select {
	case result := <-results:
		t.Fatalf("checkout returned while the only worker was exhausted: %v", result.err)
	default:
	}

	first.Close()
	result := testutil.RequireReceive(t, results, testTimeout, "checkout after retirement")
	if result.err != nil {
		t.Fatalf("checkout: %v", result.err)
	}
	defer result.session.Close()
	if result.session.PID() == first.PID() {
		t.Errorf("checkout got exhausted worker %d", first.PID())
	}
}

func TestFailedSessionRetiresWorker(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))

	session := checkout(t, pool, options)
	session.Fail()
	session.Close()

	testutil.RequireClosed(t, spawner.Worker(session.PID()).Stopped(), testTimeout, "failed worker")
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestWorkerTimeoutRetiresSilentWorker(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	spawner := &apppooltest.Spawner{
		Dir:     testutil.SocketDir(t),
		Handler: func(apppooltest.Request, io.Writer) { <-hang },
	}
	pool := newPool(t, spawner, func(config *apppool.Config) {
		config.WorkerTimeout = 50 * time.Millisecond
	})
	options := pooloptions.New(testutil.AppRoot(t))

	session := checkout(t, pool, options)
	if err := session.SendHeaders([]byte("REQUEST_METHOD\x00GET\x00")); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if err := session.ShutdownWriter(); err != nil {
		t.Fatalf("ShutdownWriter: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := session.Stream().Read(make([]byte, 64))
		done <- err
	}()
	err := testutil.RequireError(t, done, testTimeout, "read from a silent worker")
	if !netutil.IsTimeout(err) {
		t.Fatalf("Read error = %v, want a timeout", err)
	}
	session.Close()

	testutil.RequireClosed(t, spawner.Worker(session.PID()).Stopped(), testTimeout, "timed-out worker")
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestWorkerTimeoutAllowsSlowSteadyResponses(t *testing.T) {
	spawner := &apppooltest.Spawner{
		Dir: testutil.SocketDir(t),
		Handler: func(_ apppooltest.Request, w io.Writer) {
			io.WriteString(w, "Status: 200\r\n\r\n")
			for range 6 {
				time.Sleep(40 * time.Millisecond)
				io.WriteString(w, "x")
			}
		},
	}
	pool := newPool(t, spawner, func(config *apppool.Config) {
		config.WorkerTimeout = 150 * time.Millisecond
	})
	options := pooloptions.New(testutil.AppRoot(t))

	session := checkout(t, pool, options)
	if err := session.SendHeaders([]byte("REQUEST_METHOD\x00GET\x00")); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if err := session.ShutdownWriter(); err != nil {
		t.Fatalf("ShutdownWriter: %v", err)
	}
	response, err := io.ReadAll(session.Stream())
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if !strings.HasSuffix(string(response), "xxxxxx") {
		t.Errorf("response = %q, want the whole body", response)
	}
	session.Close()
	if got := pool.Count(); got != 1 {
		t.Errorf("Count() = %d, want the worker kept", got)
	}
}

func TestIdleWorkersAreEvicted(t *testing.T) {
	fake := clock.Fake(epoch)
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) {
		config.Clock = fake
		config.MaxIdleTime = 10 * time.Second
	})
	options := pooloptions.New(testutil.AppRoot(t))
	options.MinProcesses = 0

	session := checkout(t, pool, options)
	session.Close()

	fake.BlockUntilWaiters(1)
	fake.Advance(11 * time.Second)
	testutil.RequireClosed(t, spawner.Worker(session.PID()).Stopped(), testTimeout, "idle worker")
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestIdleEvictionKeepsMinProcesses(t *testing.T) {
	fake := clock.Fake(epoch)
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) {
		config.Clock = fake
		config.MaxIdleTime = 10 * time.Second
	})
	options := pooloptions.New(testutil.AppRoot(t))
	options.MinProcesses = 1

	first := checkout(t, pool, options)
	second := checkout(t, pool, options)
	first.Close()
	second.Close()
	if got := pool.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	fake.BlockUntilWaiters(1)
	fake.Advance(11 * time.Second)
	// The cleaner re-arms its timer once the eviction pass is done.
	fake.BlockUntilWaiters(1)
	if got := pool.Count(); got != 1 {
		t.Errorf("Count() after eviction = %d, want 1", got)
	}
}

func TestCheckoutRefreshesGroupLimits(t *testing.T) {
	fake := clock.Fake(epoch)
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) {
		config.Clock = fake
		config.MaxIdleTime = 10 * time.Second
	})
	options := pooloptions.New(testutil.AppRoot(t))
	options.MinProcesses = 0

	first := checkout(t, pool, options)
	first.Close()

	// The group was created without a minimum; a later checkout raises it.
	options.MinProcesses = 1
	second := checkout(t, pool, options)
	second.Close()
	if second.PID() != first.PID() {
		t.Fatalf("second checkout used pid %d, want reused %d", second.PID(), first.PID())
	}

	fake.BlockUntilWaiters(1)
	fake.Advance(11 * time.Second)
	fake.BlockUntilWaiters(1)
	if got := pool.Count(); got != 1 {
		t.Errorf("Count() after eviction = %d, want 1", got)
	}
}

func TestCheckoutRefreshesMaxRequests(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))
	options.MaxRequests = 0

	first := checkout(t, pool, options)
	first.Close()

	options.MaxRequests = 2
	second := checkout(t, pool, options)
	if second.PID() != first.PID() {
		t.Fatalf("second checkout used pid %d, want reused %d", second.PID(), first.PID())
	}
	second.Close()

	// Both checkouts count against the new limit of two.
	testutil.RequireClosed(t, spawner.Worker(first.PID()).Stopped(), testTimeout, "exhausted worker")
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestRestartFileReplacesWorkers(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	appRoot := testutil.AppRoot(t)
	options := pooloptions.New(appRoot)

	first := checkout(t, pool, options)
	first.Close()

	testutil.WriteFile(t, filepath.Join(appRoot, "tmp", "restart.txt"), "")
	second := checkout(t, pool, options)
	second.Close()
	if second.PID() == first.PID() {
		t.Fatalf("checkout after touching restart.txt reused worker %d", first.PID())
	}
	testutil.RequireClosed(t, spawner.Worker(first.PID()).Stopped(), testTimeout, "restarted worker")
	if got := spawner.Reloads(); got != 1 {
		t.Errorf("Reloads() = %d, want 1", got)
	}

	third := checkout(t, pool, options)
	defer third.Close()
	if third.PID() != second.PID() {
		t.Errorf("unchanged restart.txt restarted the group again: PID %d, want %d", third.PID(), second.PID())
	}
}

func TestAlwaysRestartFile(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	appRoot := testutil.AppRoot(t)
	options := pooloptions.New(appRoot)
	options.RestartDir = "restart-files"
	testutil.WriteFile(t, filepath.Join(appRoot, "restart-files", "always_restart.txt"), "")

	seen := make(map[int]bool)
	for range 3 {
		session := checkout(t, pool, options)
		if seen[session.PID()] {
			t.Errorf("worker %d served twice despite always_restart.txt", session.PID())
		}
		seen[session.PID()] = true
		session.Close()
	}
	if got := spawner.Spawns(); got != 3 {
		t.Errorf("Spawns() = %d, want 3", got)
	}
}

// stoppingSpawner stops the first worker it spawns before the pool can
// connect to it.
type stoppingSpawner struct {
	*apppooltest.Spawner
	stopped bool
}

func (s *stoppingSpawner) Spawn(ctx context.Context, options pooloptions.Options) (*apppool.Process, error) {
	process, err := s.Spawner.Spawn(ctx, options)
	if err == nil && !s.stopped {
		s.stopped = true
		process.Stop()
	}
	return process, err
}

func TestCheckoutRetriesUnreachableWorker(t *testing.T) {
	spawner := &stoppingSpawner{Spawner: &apppooltest.Spawner{Dir: testutil.SocketDir(t)}}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))

	session := checkout(t, pool, options)
	defer session.Close()
	if got := spawner.Spawns(); got != 2 {
		t.Errorf("Spawns() = %d, want 2", got)
	}
	if got := pool.Count(); got != 1 {
		t.Errorf("Count() = %d, want the unreachable worker detached", got)
	}
}

func TestDetach(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	options := pooloptions.New(testutil.AppRoot(t))

	// A busy worker leaves the pool at once but is stopped only when its
	// session is released.
	session := checkout(t, pool, options)
	key := spawner.Worker(session.PID()).DetachKey
	if pool.Detach("no-such-key") {
		t.Error("Detach(unknown key) = true")
	}
	if !pool.Detach(key) {
		t.Fatal("Detach(key) = false")
	}
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() after Detach = %d, want 0", got)
	}
	select {
	case <-spawner.Worker(session.PID()).Stopped():
		t.Fatal("busy worker stopped before its session was released")
	default:
	}
	session.Close()
	testutil.RequireClosed(t, spawner.Worker(session.PID()).Stopped(), testTimeout, "detached worker")
	if got := pool.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}
}

func TestClear(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)

	var pids []int
	for range 3 {
		session := checkout(t, pool, pooloptions.New(testutil.AppRoot(t)))
		pids = append(pids, session.PID())
		session.Close()
	}
	pool.Clear()
	if got := pool.Count(); got != 0 {
		t.Errorf("Count() after Clear = %d, want 0", got)
	}
	for _, pid := range pids {
		testutil.RequireClosed(t, spawner.Worker(pid).Stopped(), testTimeout, "worker %d", pid)
	}
}

func TestSetMaxWakesWaiters(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, func(config *apppool.Config) { config.Max = 1 })
	busy := checkout(t, pool, pooloptions.New(testutil.AppRoot(t)))
	defer busy.Close()

	results := checkoutAsync(pool, pooloptions.New(testutil.AppRoot(t)))
	time.Sleep(20 * time.Millisecond)
	pool.SetMax(2)
	result := testutil.RequireReceive(t, results, testTimeout, "checkout after SetMax")
	if result.err != nil {
		t.Fatalf("checkout: %v", result.err)
	}
	defer result.session.Close()
	if got := pool.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	pool.SetMax(0)
	if got := pool.Snapshot(false).Max; got != 1 {
		t.Errorf("Max after SetMax(0) = %d, want 1", got)
	}
}

func TestMaxPerAppSharesWorkers(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t)}
	pool := newPool(t, spawner, nil)
	pool.SetMaxPerApp(1)
	options := pooloptions.New(testutil.AppRoot(t))

	first := checkout(t, pool, options)
	defer first.Close()
	second := checkout(t, pool, options)
	defer second.Close()
	if first.PID() != second.PID() {
		t.Errorf("max per app 1 spawned a second worker")
	}
	if got := pool.Snapshot(false).MaxPerApp; got != 1 {
		t.Errorf("MaxPerApp = %d, want 1", got)
	}
}

func TestCloseFailsWaiters(t *testing.T) {
	spawner := &apppooltest.Spawner{Dir: testutil.SocketDir(t), Gate: make(chan struct{})}
	pool, err := apppool.New(apppool.Config{Spawner: spawner, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results := checkoutAsync(pool, pooloptions.New(testutil.AppRoot(t)))
	eventually(t, "spawn to start", func() bool {
		groups := pool.Snapshot(false).Groups
		return len(groups) == 1 && groups[0].Spawning
	})

	pool.Close()
	result := testutil.RequireReceive(t, results, testTimeout, "checkout after Close")
	if result.err == nil {
		result.session.Close()
		t.Fatal("checkout succeeded on a closed pool")
	}
	if _, err := pool.Checkout(context.Background(), pooloptions.New(testutil.AppRoot(t))); !errors.Is(err, apppool.ErrClosed) {
		t.Errorf("Checkout after Close: error = %v, want ErrClosed", err)
	}
}

func TestCheckoutValidatesOptions(t *testing.T) {
	pool := newPool(t, &apppooltest.Spawner{Dir: testutil.SocketDir(t)}, nil)
	if _, err := pool.Checkout(context.Background(), pooloptions.Options{}); err == nil {
		t.Error("Checkout with empty options succeeded")
	}
}
