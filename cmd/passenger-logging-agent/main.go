// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/config"
	"github.com/bureau-foundation/passenger/lib/instancedir"
	"github.com/bureau-foundation/passenger/lib/loggingserver"
	"github.com/bureau-foundation/passenger/lib/netutil"
	"github.com/bureau-foundation/passenger/lib/process"
	"github.com/bureau-foundation/passenger/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("passenger-logging-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the agent config file (default: $"+config.PathVariable+")")
	flagSet.StringVar(&socketPath, "socket", "", "override logging_agent.socket from the config file")
	flagSet.StringVar(&logLevel, "log-level", "", "override log_level from the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("passenger-logging-agent %s\n", version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if socketPath != "" {
		cfg.LoggingAgent.Socket = socketPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	compression, err := loggingserver.ParseCompression(cfg.LoggingAgent.ArchiveCompression)
	if err != nil {
		return err
	}
	database, err := loggingAccounts(cfg)
	if err != nil {
		return err
	}

	address, err := listenPath(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.LoggingAgent.DumpDir, 0o755); err != nil {
		return fmt.Errorf("creating dump directory: %w", err)
	}

	server, err := loggingserver.New(loggingserver.Config{
		Dir:                cfg.LoggingAgent.DumpDir,
		Accounts:           database,
		ArchiveAfter:       cfg.LoggingAgent.ArchiveAfter.D(),
		ArchiveCompression: compression,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	listener, err := netutil.ListenUnix(address, netutil.PublicSocketMode)
	if err != nil {
		return err
	}

	if os.Geteuid() == 0 && cfg.LoggingAgent.User != "" {
		if err := lowerPrivilege(cfg.LoggingAgent, logger); err != nil {
			listener.Close()
			return err
		}
	}

	logger.Info("starting passenger-logging-agent",
		"version", version.Info(),
		"socket", address,
		"dump_dir", cfg.LoggingAgent.DumpDir,
		"archive_compression", compression.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := process.NotifyServiceManager(process.NotifyReady); err != nil {
		logger.Warn("service manager notification failed", "error", err)
	}
	err = server.Serve(ctx, listener)
	process.NotifyServiceManager(process.NotifyStopping)
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// listenPath returns the configured socket (a path or a unix: address),
// or the logging socket of the newest generation of the configured
// instance.
func listenPath(cfg *config.Config) (string, error) {
	if socket := cfg.LoggingAgent.Socket; socket != "" {
		if !strings.Contains(socket, ":") {
			return socket, nil
		}
		network, target, err := netutil.ParseAddress(socket)
		if err != nil {
			return "", err
		}
		if network != netutil.TypeUnix {
			return "", fmt.Errorf("logging_agent.socket %q: only unix sockets are supported", socket)
		}
		return target, nil
	}
	pid := cfg.Instance.WebServerPID
	if pid == 0 {
		pid = os.Getppid()
	}
	dir, err := instancedir.Open(filepath.Join(cfg.Instance.TempDir, instancedir.Name(pid)))
	if err != nil {
		return "", fmt.Errorf("no logging_agent.socket configured: %w", err)
	}
	generation, err := dir.NewestGeneration()
	if err != nil {
		return "", fmt.Errorf("no logging_agent.socket configured: %w", err)
	}
	return generation.LoggingSocketPath(), nil
}

// loggingAccounts holds the account helper agents log in with, plus
// any sealed extra accounts.
func loggingAccounts(cfg *config.Config) (*accounts.Database, error) {
	database := accounts.NewDatabase()
	if cfg.Analytics.Username != "" {
		password, err := cfg.Analytics.LoadPassword()
		if err != nil {
			return nil, fmt.Errorf("analytics password: %w", err)
		}
		if password == nil {
			return nil, errors.New("analytics.password or analytics.password_file is required")
		}
		_, err = database.Add(cfg.Analytics.Username, password.Bytes(), accounts.Exit)
		password.Close()
		if err != nil {
			return nil, err
		}
	}
	if cfg.AccountsFile != "" {
		if _, err := accounts.LoadSealedFile(database, cfg.AccountsFile, cfg.AccountsIdentityFile); err != nil {
			return nil, err
		}
	}
	if database.Size() == 0 {
		return nil, errors.New("no logging agent accounts configured; set analytics.username")
	}
	return database, nil
}

// lowerPrivilege hands the dump directory to the configured account and
// switches to it.
func lowerPrivilege(cfg config.LoggingAgentConfig, logger *slog.Logger) error {
	uid, gid, err := accounts.LookupIDs(cfg.User, cfg.Group)
	if err != nil {
		return err
	}
	if err := os.Chown(cfg.DumpDir, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", cfg.DumpDir, err)
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	logger.Info("lowered privilege", "user", cfg.User, "uid", uid, "gid", gid)
	return nil
}
