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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/passenger/helperagent"
	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/analytics"
	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/config"
	"github.com/bureau-foundation/passenger/lib/instancedir"
	"github.com/bureau-foundation/passenger/lib/process"
	"github.com/bureau-foundation/passenger/lib/secret"
	"github.com/bureau-foundation/passenger/lib/spawn"
	"github.com/bureau-foundation/passenger/lib/statefile"
	"github.com/bureau-foundation/passenger/lib/version"
)

// webServerUsername is the control account of the web server itself.
const webServerUsername = "_web_server"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		feedbackFD  int
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("passenger-helper-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the agent config file (default: $"+config.PathVariable+")")
	flagSet.IntVar(&feedbackFD, "feedback-fd", -1, "descriptor of the watchdog feedback socket")
	flagSet.StringVar(&logLevel, "log-level", "", "override log_level from the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("passenger-helper-agent %s\n", version.Full())
		return nil
	}

	var feedback *helperagent.Feedback
	if feedbackFD >= 0 {
		var err error
		if feedback, err = helperagent.OpenFeedback(feedbackFD); err != nil {
			return err
		}
		defer feedback.Close()
	}

	err := runAgent(configPath, logLevel, feedback)
	var startErr *startupError
	if errors.As(err, &startErr) && feedback != nil {
		if reportErr := feedback.InitializationError(startErr.err); reportErr != nil {
			slog.Error("reporting initialization error to the watchdog", "error", reportErr)
		}
	}
	return err
}

// startupError marks failures that happen before the agent reports
// itself initialized.
type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func loadConfig(configPath, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runAgent(configPath, logLevel string, feedback *helperagent.Feedback) error {
	fail := func(err error) error { return &startupError{err: err} }

	cfg, err := loadConfig(configPath, logLevel)
	if err != nil {
		return fail(err)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return fail(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting passenger-helper-agent",
		"version", version.Info(),
		"environment", cfg.Environment,
	)

	webServerPID := cfg.Instance.WebServerPID
	if webServerPID == 0 {
		webServerPID = os.Getppid()
	}
	instance, generation, err := openGeneration(cfg.Instance, webServerPID)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := generation.Close(); err != nil {
			logger.Warn("removing generation directory", "path", generation.Path(), "error", err)
		}
		if err := instance.Close(); err != nil {
			logger.Warn("removing instance directory", "path", instance.Path(), "error", err)
		}
	}()
	logger.Info("using generation", "path", generation.Path(), "number", generation.Number())

	database, err := buildAccounts(cfg, generation.Path(), logger)
	if err != nil {
		return fail(err)
	}

	requestPassword, err := requestSocketPassword(cfg.WebServer)
	if err != nil {
		return fail(err)
	}
	defer requestPassword.Close()

	factory, closeAnalytics, err := analyticsFactory(cfg.Analytics, logger)
	if err != nil {
		return fail(err)
	}
	defer closeAnalytics()

	spawner, err := spawn.New(spawn.Config{
		Command:       cfg.Pool.SpawnCommand,
		SocketDir:     generation.BackendsDir(),
		StartTimeout:  cfg.Pool.StartTimeout.D(),
		UserSwitching: cfg.Instance.UserSwitching,
		DefaultUser:   cfg.Instance.DefaultUser,
		DefaultGroup:  cfg.Instance.DefaultGroup,
		Output:        os.Stderr,
		Logger:        logger.With("component", "spawner"),
	})
	if err != nil {
		return fail(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool, err := apppool.New(apppool.Config{
		Spawner:       spawner,
		Max:           cfg.Pool.MaxPoolSize,
		MaxPerApp:     cfg.Pool.MaxInstancesPerApp,
		MaxIdleTime:   cfg.Pool.PoolIdleTime.D(),
		WorkerTimeout: cfg.Pool.WorkerTimeout.D(),
		Logger:        logger.With("component", "pool"),
		Registerer:    registry,
	})
	if err != nil {
		return fail(err)
	}
	defer pool.Close()

	server, err := helperagent.New(helperagent.Config{
		Pool:                  pool,
		Analytics:             factory,
		Accounts:              database,
		RequestSocketPassword: requestPassword,
		RequestSocket:         generation.RequestSocketPath(),
		MessageSocket:         generation.MessageSocketPath(),
		CheckoutTimeout:       cfg.Pool.CheckoutTimeout.D(),
		PrestartURLs:          cfg.PrestartURLs,
		MetricsAddress:        cfg.MetricsAddress,
		Registry:              registry,
		Logger:                logger,
	})
	if err != nil {
		return fail(err)
	}
	if err := server.Listen(); err != nil {
		return fail(err)
	}

	state := statefile.AgentState{
		PID:           os.Getpid(),
		Version:       version.Short(),
		RequestSocket: server.RequestSocket(),
		MessageSocket: server.MessageSocket(),
		StartedAt:     time.Now().UTC(),
	}
	if cfg.Analytics.LoggingAgentAddress != "" {
		state.LoggingSocket = cfg.Analytics.LoggingAgentAddress
	}
	if err := statefile.WriteAgentState(generation.Path(), state); err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if feedback != nil {
		if err := feedback.Initialized(server.RequestSocket(), server.MessageSocket()); err != nil {
			return fail(fmt.Errorf("reporting startup to the watchdog: %w", err))
		}
		go watchWatchdog(ctx, feedback, logger)
	}

	logger.Info("helper agent initialized",
		"request_socket", server.RequestSocket(),
		"message_socket", server.MessageSocket(),
		"metrics_address", server.MetricsAddress(),
	)
	if err := process.NotifyServiceManager(process.NotifyReady); err != nil {
		logger.Warn("service manager notification failed", "error", err)
	}

	err = server.Serve(ctx)
	process.NotifyServiceManager(process.NotifyStopping)
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// watchWatchdog kills the whole process group, workers included, once
// the watchdog's end of the feedback socket closes.
func watchWatchdog(ctx context.Context, feedback *helperagent.Feedback, logger *slog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-feedback.WatchdogGone():
	}
	logger.Error("watchdog is gone; killing the process group")
	if err := process.KillProcessGroup(); err != nil {
		logger.Error("killing process group", "error", err)
	}
	process.Fatal(&process.ExitError{Code: process.ExitWatchdogGone})
}

// openGeneration creates a new generation, or opens the configured one.
func openGeneration(instance config.InstanceConfig, webServerPID int) (*instancedir.Dir, *instancedir.Generation, error) {
	if instance.Generation >= 0 {
		dir, err := instancedir.Open(filepath.Join(instance.TempDir, instancedir.Name(webServerPID)))
		if err != nil {
			return nil, nil, err
		}
		generation, err := dir.Generation(instance.Generation)
		if err != nil {
			return nil, nil, err
		}
		return dir, generation, nil
	}

	options := instancedir.GenerationOptions{
		UserSwitching: instance.UserSwitching,
		WorkerUID:     -1,
		WorkerGID:     -1,
	}
	if !instance.UserSwitching && os.Geteuid() == 0 && instance.DefaultUser != "" {
		uid, gid, err := accounts.LookupIDs(instance.DefaultUser, instance.DefaultGroup)
		if err != nil {
			return nil, nil, err
		}
		options.WorkerUID, options.WorkerGID = uid, gid
	}

	dir, err := instancedir.Create(instance.TempDir, webServerPID)
	if err != nil {
		return nil, nil, err
	}
	generation, err := dir.NewGeneration(options)
	if err != nil {
		dir.Close()
		return nil, nil, err
	}
	info := instancedir.WebServerInfo{
		Description: instance.WebServerType,
		ConfigFile:  instance.ConfigFile,
	}
	if err := generation.WriteWebServerInfo(info); err != nil {
		generation.Close()
		dir.Close()
		return nil, nil, err
	}
	return dir, generation, nil
}

// buildAccounts creates the generation's accounts: the status account,
// the web server account when a message socket password is configured,
// and any sealed extra accounts.
func buildAccounts(cfg *config.Config, generationPath string, logger *slog.Logger) (*accounts.Database, error) {
	database, err := accounts.CreateDefault(generationPath, accounts.DefaultOptions{
		UserSwitching: cfg.Instance.UserSwitching,
		DefaultUser:   cfg.Instance.DefaultUser,
		DefaultGroup:  cfg.Instance.DefaultGroup,
	})
	if err != nil {
		return nil, err
	}

	password, err := cfg.WebServer.MessagePassword()
	if err != nil {
		return nil, fmt.Errorf("message socket password: %w", err)
	}
	if password != nil {
		_, err := database.Add(webServerUsername, password.Bytes(), accounts.Exit)
		password.Close()
		if err != nil {
			return nil, err
		}
	}

	if cfg.AccountsFile != "" {
		count, err := accounts.LoadSealedFile(database, cfg.AccountsFile, cfg.AccountsIdentityFile)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded sealed accounts", "path", cfg.AccountsFile, "count", count)
	}
	return database, nil
}

// requestSocketPassword returns the configured password, or a random one
// when the web server did not supply any.
func requestSocketPassword(web config.WebServerConfig) (*secret.Buffer, error) {
	password, err := web.RequestPassword()
	if err != nil {
		return nil, fmt.Errorf("request socket password: %w", err)
	}
	if password != nil {
		return password, nil
	}
	return secret.Random(helperagent.RequestSocketPasswordSize)
}

// analyticsFactory builds the transaction factory. An unset logging
// agent address yields a factory that hands out null transactions.
func analyticsFactory(cfg config.AnalyticsConfig, logger *slog.Logger) (*analytics.Factory, func(), error) {
	password, err := cfg.LoadPassword()
	if err != nil {
		return nil, nil, fmt.Errorf("analytics password: %w", err)
	}
	var passwordBytes []byte
	if password != nil {
		passwordBytes = password.Bytes()
	}
	factory := analytics.NewFactory(analytics.Config{
		Address:          cfg.LoggingAgentAddress,
		Username:         cfg.Username,
		Password:         passwordBytes,
		NodeName:         cfg.NodeName,
		ReconnectTimeout: cfg.ReconnectTimeout.D(),
		Logger:           logger.With("component", "analytics"),
	})
	return factory, func() {
		factory.Close()
		if password != nil {
			password.Close()
		}
	}, nil
}
