// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/passenger/helperagent"
	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/config"
	"github.com/bureau-foundation/passenger/lib/instancedir"
	"github.com/bureau-foundation/passenger/lib/testutil"
)

func TestOpenGenerationCreatesAndReuses(t *testing.T) {
	instance := config.InstanceConfig{
		TempDir:       t.TempDir(),
		Generation:    -1,
		WebServerType: "nginx/1.0",
		ConfigFile:    "/etc/nginx/nginx.conf",
	}

	dir, generation, err := openGeneration(instance, 4242)
	if err != nil {
		t.Fatalf("openGeneration: %v", err)
	}
	if generation.Number() != 0 || !generation.IsOwner() {
		t.Errorf("generation %d, owner %v; want 0, true", generation.Number(), generation.IsOwner())
	}
	if filepath.Base(dir.Path()) != instancedir.Name(4242) {
		t.Errorf("instance directory = %s", dir.Path())
	}
	info, err := generation.ReadWebServerInfo()
	if err != nil {
		t.Fatalf("ReadWebServerInfo: %v", err)
	}
	if info.Description != "nginx/1.0" || info.ConfigFile != "/etc/nginx/nginx.conf" {
		t.Errorf("web server info = %+v", info)
	}

	instance.Generation = 0
	_, reused, err := openGeneration(instance, 4242)
	if err != nil {
		t.Fatalf("openGeneration(existing): %v", err)
	}
	if reused.Path() != generation.Path() || reused.IsOwner() {
		t.Errorf("reused generation %s owner=%v, want %s owner=false", reused.Path(), reused.IsOwner(), generation.Path())
	}

	instance.Generation = 7
	if _, _, err := openGeneration(instance, 4242); !errors.Is(err, instancedir.ErrNoGeneration) {
		t.Errorf("openGeneration(missing) error = %v, want ErrNoGeneration", err)
	}
}

func TestBuildAccounts(t *testing.T) {
	generationPath := t.TempDir()
	cfg := config.Default()
	cfg.WebServer.MessageSocketPassword = base64.StdEncoding.EncodeToString([]byte("web-secret"))

	database, err := buildAccounts(cfg, generationPath, testutil.Logger(t))
	if err != nil {
		t.Fatalf("buildAccounts: %v", err)
	}
	web := database.Authenticate(webServerUsername, []byte("web-secret"))
	if web == nil {
		t.Fatal("web server account does not authenticate")
	}
	if !web.HasRights(accounts.Exit) || web.HasRights(accounts.InspectBasicInfo) {
		t.Errorf("web server rights = %v, want exit only", web.Rights)
	}

	statusPassword, err := accounts.ReadStatusPassword(generationPath)
	if err != nil {
		t.Fatalf("ReadStatusPassword: %v", err)
	}
	if database.Authenticate(accounts.StatusUsername, statusPassword) == nil {
		t.Error("status account does not authenticate with the written password")
	}
}

func TestBuildAccountsWithoutWebServerPassword(t *testing.T) {
	database, err := buildAccounts(config.Default(), t.TempDir(), testutil.Logger(t))
	if err != nil {
		t.Fatalf("buildAccounts: %v", err)
	}
	if database.Size() != 1 {
		t.Errorf("accounts = %v, want only the status account", database.Usernames())
	}
}

func TestRequestSocketPassword(t *testing.T) {
	generated, err := requestSocketPassword(config.WebServerConfig{})
	if err != nil {
		t.Fatalf("requestSocketPassword: %v", err)
	}
	defer generated.Close()
	if generated.Len() != helperagent.RequestSocketPasswordSize {
		t.Errorf("generated password length = %d, want %d", generated.Len(), helperagent.RequestSocketPasswordSize)
	}

	path := filepath.Join(t.TempDir(), "password")
	want := strings.Repeat("p", helperagent.RequestSocketPasswordSize)
	if err := os.WriteFile(path, []byte(want+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	configured, err := requestSocketPassword(config.WebServerConfig{RequestSocketPasswordFile: path})
	if err != nil {
		t.Fatalf("requestSocketPassword(file): %v", err)
	}
	defer configured.Close()
	if string(configured.Bytes()) != want {
		t.Errorf("configured password = %q", configured.Bytes())
	}
}

func TestAnalyticsFactoryWithoutAddressIsNull(t *testing.T) {
	factory, closeFactory, err := analyticsFactory(config.AnalyticsConfig{}, testutil.Logger(t))
	if err != nil {
		t.Fatalf("analyticsFactory: %v", err)
	}
	defer closeFactory()
	if !factory.IsNull() {
		t.Error("factory without a logging agent address is not null")
	}
}

func TestLoadConfigAppliesLogLevelFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := loadConfig(path, "debug")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}

	if _, err := loadConfig(path, "chatty"); err == nil {
		t.Error("loadConfig accepted an invalid log level")
	}
}
