// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/scgi"
)

func headersOf(pairs ...string) *scgi.Headers {
	headers := scgi.NewHeaders()
	for i := 0; i+1 < len(pairs); i += 2 {
		headers.Set(pairs[i], pairs[i+1])
	}
	return headers
}

func TestOptionsFromHeaders(t *testing.T) {
	headers := headersOf(
		"DOCUMENT_ROOT", "/srv/blog/public",
		"PASSENGER_APP_TYPE", "wsgi",
		"PASSENGER_ENVIRONMENT", "staging",
		"PASSENGER_USE_GLOBAL_QUEUE", "true",
		"PASSENGER_MAX_REQUESTS", "100",
		"PASSENGER_MIN_INSTANCES", "2",
		"PASSENGER_STAT_THROTTLE_RATE", "5",
		"PASSENGER_RESTART_DIR", "signals",
		"PASSENGER_APP_RIGHTS", "clear,exit",
		"PASSENGER_ANALYTICS", "true",
		"UNION_STATION_KEY", "key-1",
		"HTTP_HOST", "blog.example",
	)
	options, err := optionsFromHeaders(headers)
	if err != nil {
		t.Fatalf("optionsFromHeaders: %v", err)
	}

	if options.AppRoot != "/srv/blog" {
		t.Errorf("AppRoot = %q, want /srv/blog", options.AppRoot)
	}
	if options.AppType != "wsgi" || options.Environment != "staging" {
		t.Errorf("AppType, Environment = %q, %q", options.AppType, options.Environment)
	}
	if !options.UseGlobalQueue || !options.Analytics {
		t.Errorf("UseGlobalQueue, Analytics = %v, %v, want true", options.UseGlobalQueue, options.Analytics)
	}
	if options.MaxRequests != 100 || options.MinProcesses != 2 || options.StatThrottleRate != 5 {
		t.Errorf("MaxRequests, MinProcesses, StatThrottleRate = %d, %d, %d",
			options.MaxRequests, options.MinProcesses, options.StatThrottleRate)
	}
	if options.RestartDir != "signals" || options.UnionStationKey != "key-1" {
		t.Errorf("RestartDir, UnionStationKey = %q, %q", options.RestartDir, options.UnionStationKey)
	}
	if options.Rights != accounts.Clear|accounts.Exit {
		t.Errorf("Rights = %v, want clear,exit", options.Rights)
	}
	if options.EffectiveGroupName() != "/srv/blog" {
		t.Errorf("EffectiveGroupName = %q", options.EffectiveGroupName())
	}

	environment := options.EnvironmentVariables()
	index := slices.Index(environment, "HTTP_HOST")
	if index < 0 || index%2 != 0 || environment[index+1] != "blog.example" {
		t.Errorf("environment %q lacks HTTP_HOST", environment)
	}
}

func TestOptionsDefaults(t *testing.T) {
	options, err := optionsFromHeaders(headersOf("DOCUMENT_ROOT", "/srv/app/public"))
	if err != nil {
		t.Fatalf("optionsFromHeaders: %v", err)
	}
	if options.Rights != accounts.DefaultWorkerRights {
		t.Errorf("Rights = %v, want the default worker rights", options.Rights)
	}
	if options.BaseURI != "/" {
		t.Errorf("BaseURI = %q, want /", options.BaseURI)
	}
	if options.UseGlobalQueue || options.Analytics {
		t.Error("boolean options set without headers")
	}
}

func TestOptionsAppRootOverride(t *testing.T) {
	options, err := optionsFromHeaders(headersOf(
		"DOCUMENT_ROOT", "/srv/app/public",
		"PASSENGER_APP_ROOT", "/opt/app",
		"PASSENGER_APP_GROUP_NAME", "app (staging)",
	))
	if err != nil {
		t.Fatalf("optionsFromHeaders: %v", err)
	}
	if options.AppRoot != "/opt/app" || options.EffectiveGroupName() != "app (staging)" {
		t.Errorf("AppRoot, group = %q, %q", options.AppRoot, options.EffectiveGroupName())
	}
}

func TestOptionsResolveSymlinkedDocumentRoot(t *testing.T) {
	dir := t.TempDir()
	appRoot := filepath.Join(dir, "releases", "42")
	if err := os.MkdirAll(filepath.Join(appRoot, "public"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	link := filepath.Join(dir, "www", "blog")
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.Symlink(filepath.Join(appRoot, "public"), link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	options, err := optionsFromHeaders(headersOf("DOCUMENT_ROOT", link, "SCRIPT_NAME", "/blog"))
	if err != nil {
		t.Fatalf("optionsFromHeaders: %v", err)
	}
	want, err := filepath.EvalSymlinks(appRoot)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	if options.AppRoot != want {
		t.Errorf("AppRoot = %q, want %q", options.AppRoot, want)
	}
	if options.BaseURI != "/blog" {
		t.Errorf("BaseURI = %q, want /blog", options.BaseURI)
	}
}

func TestOptionsErrors(t *testing.T) {
	if _, err := optionsFromHeaders(headersOf("REQUEST_URI", "/")); err == nil {
		t.Error("optionsFromHeaders without DOCUMENT_ROOT succeeded")
	}

	_, err := optionsFromHeaders(headersOf(
		"DOCUMENT_ROOT", "/srv/app/public",
		"PASSENGER_MAX_REQUESTS", "many",
		"PASSENGER_APP_SPAWNER_IDLE_TIME", "soon",
		"PASSENGER_APP_RIGHTS", "fly",
	))
	if err == nil {
		t.Fatal("optionsFromHeaders with invalid values succeeded")
	}
	for _, want := range []string{"PASSENGER_MAX_REQUESTS", "PASSENGER_APP_SPAWNER_IDLE_TIME", "fly"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
