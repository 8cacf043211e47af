// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/passenger/helperagent"
	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/apppool/apppooltest"
	"github.com/bureau-foundation/passenger/lib/instancedir"
	"github.com/bureau-foundation/passenger/lib/secret"
	"github.com/bureau-foundation/passenger/lib/testutil"
)

const (
	testTimeout  = 5 * time.Second
	webServerPID = 4321
)

// startAgent runs a helper agent in a fresh instance directory under a
// new temporary directory and returns that directory.
func startAgent(t *testing.T) string {
	t.Helper()
	tempDir := testutil.SocketDir(t)
	dir, err := instancedir.Create(tempDir, webServerPID)
	if err != nil {
		t.Fatalf("instancedir.Create: %v", err)
	}
	generation, err := dir.NewGeneration(instancedir.GenerationOptions{WorkerUID: -1, WorkerGID: -1})
	if err != nil {
		t.Fatalf("NewGeneration: %v", err)
	}
	database, err := accounts.CreateDefault(generation.Path(), accounts.DefaultOptions{})
	if err != nil {
		t.Fatalf("CreateDefault: %v", err)
	}
	if _, err := database.Add("observer", []byte("observerpass"), accounts.GetParameters); err != nil {
		t.Fatalf("Add observer: %v", err)
	}

	pool, err := apppool.New(apppool.Config{
		Spawner: &apppooltest.Spawner{Dir: testutil.SocketDir(t)},
		Max:     2,
		Logger:  testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("apppool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	password, err := secret.Random(helperagent.RequestSocketPasswordSize)
	if err != nil {
		t.Fatalf("secret.Random: %v", err)
	}
	t.Cleanup(func() { password.Close() })

	server, err := helperagent.New(helperagent.Config{
		Pool:                  pool,
		Accounts:              database,
		RequestSocketPassword: password,
		RequestSocket:         generation.RequestSocketPath(),
		MessageSocket:         generation.MessageSocketPath(),
		Logger:                testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("helperagent.New: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireError(t, done, testTimeout, "agent shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return tempDir
}

func TestPoolReport(t *testing.T) {
	tempDir := startAgent(t)

	var out bytes.Buffer
	if err := run([]string{"--temp-dir", tempDir}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"General information", "max =", "count =", "(none)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("pool report lacks %q:\n%s", want, out.String())
		}
	}
}

func TestTextReports(t *testing.T) {
	tempDir := startAgent(t)

	tests := []struct {
		show string
		want string
	}{
		{"xml", "<?xml"},
		{"backtraces", "goroutine"},
	}
	for _, test := range tests {
		t.Run(test.show, func(t *testing.T) {
			var out bytes.Buffer
			if err := run([]string{"--temp-dir", tempDir, "--show", test.show, "4321"}, &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			if !strings.Contains(out.String(), test.want) {
				t.Errorf("%s report lacks %q:\n%s", test.show, test.want, out.String())
			}
		})
	}
}

func TestReportRequiresRights(t *testing.T) {
	tempDir := startAgent(t)
	passwordFile := filepath.Join(t.TempDir(), "password")
	testutil.WriteFile(t, passwordFile, "observerpass\n")

	var out bytes.Buffer
	err := run([]string{"--temp-dir", tempDir, "--user", "observer", "--password-file", passwordFile}, &out)
	if err == nil || !strings.Contains(err.Error(), "may not run") {
		t.Errorf("run as an account without inspect rights: %v", err)
	}
}

func TestNoInstance(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"--temp-dir", t.TempDir()}, &out)
	if !errors.Is(err, errNoInstance) {
		t.Errorf("run without an instance: %v, want errNoInstance", err)
	}

	err = run([]string{"--temp-dir", t.TempDir(), "99"}, &out)
	if !errors.Is(err, errNoInstance) {
		t.Errorf("run with an unknown PID: %v, want errNoInstance", err)
	}
}

func TestSeveralInstancesNeedPID(t *testing.T) {
	tempDir := t.TempDir()
	for _, pid := range []int{10, 20} {
		dir, err := instancedir.Create(tempDir, pid)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := dir.NewGeneration(instancedir.GenerationOptions{WorkerUID: -1, WorkerGID: -1}); err != nil {
			t.Fatalf("NewGeneration: %v", err)
		}
	}
	_, err := findGeneration(tempDir, 0)
	if err == nil || !strings.Contains(err.Error(), instancedir.Name(20)) {
		t.Errorf("findGeneration with two instances: %v", err)
	}

	generation, err := findGeneration(tempDir, 20)
	if err != nil {
		t.Fatalf("findGeneration(20): %v", err)
	}
	if generation.Number() != 0 {
		t.Errorf("generation = %d, want 0", generation.Number())
	}
}

func TestUnknownReport(t *testing.T) {
	if _, err := commandFor("everything"); err == nil {
		t.Error("commandFor accepted an unknown report")
	}
}

func TestRenderSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snapshot := apppool.Snapshot{
		Max:    6,
		Count:  1,
		Active: 1,
		Groups: []apppool.GroupSnapshot{{
			Name:     "/srv/blog",
			AppRoot:  "/srv/blog",
			Spawning: true,
			Workers: []apppool.WorkerSnapshot{{
				PID:       1001,
				GUPID:     "gupid-1",
				Sessions:  1,
				Processed: 42,
				StartedAt: now.Add(-90 * time.Minute),
				LastUsed:  now.Add(-3 * time.Second),
			}},
		}},
	}

	out := renderSnapshot(snapshot, now)
	for _, want := range []string{"/srv/blog:", "(spawning)", "1001", "42", "1h 30m 0s", "3s", "gupid-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered snapshot lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "App root:") {
		t.Errorf("app root shown although it equals the group name:\n%s", out)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{1500 * time.Millisecond, "2s"},
		{61 * time.Second, "1m 1s"},
		{2*time.Hour + 5*time.Second, "2h 0m 5s"},
	}
	for _, test := range tests {
		if got := formatAge(test.age); got != test.want {
			t.Errorf("formatAge(%v) = %q, want %q", test.age, got, test.want)
		}
	}
}
