// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/analytics"
	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/clock"
	"github.com/bureau-foundation/passenger/lib/messageserver"
	"github.com/bureau-foundation/passenger/lib/netutil"
	"github.com/bureau-foundation/passenger/lib/secret"
)

const (
	// RequestSocketPasswordSize is the length of the password the web
	// server sends before every request.
	RequestSocketPasswordSize = 64

	// ExitGracePeriod is how long the request workers must all have
	// been idle before a graceful exit completes.
	ExitGracePeriod = 5 * time.Second

	// WorkersPerPoolSlot sizes the request worker count relative to the
	// pool's maximum.
	WorkersPerPoolSlot = 4

	exitPollInterval = 250 * time.Millisecond
	acceptBackoff    = 100 * time.Millisecond
	metricsShutdown  = 5 * time.Second
)

// ExitMode selects how the server shuts down.
type ExitMode int

const (
	// ExitGracefully keeps serving until no request has been active for
	// ExitGracePeriod.
	ExitGracefully ExitMode = iota

	// ExitSemiGracefully closes the request socket at once, then waits
	// like ExitGracefully for the requests in progress.
	ExitSemiGracefully

	// ExitImmediately closes every connection without waiting.
	ExitImmediately
)

func (m ExitMode) String() string {
	switch m {
	case ExitGracefully:
		return "gracefully"
	case ExitSemiGracefully:
		return "semi-gracefully"
	case ExitImmediately:
		return "immediately"
	default:
		return fmt.Sprintf("ExitMode(%d)", int(m))
	}
}

// ParseExitMode parses the argument of the exit command. An empty
// string means ExitGracefully.
func ParseExitMode(text string) (ExitMode, error) {
	switch text {
	case "", "gracefully":
		return ExitGracefully, nil
	case "semi-gracefully":
		return ExitSemiGracefully, nil
	case "immediately":
		return ExitImmediately, nil
	}
	return 0, fmt.Errorf("unknown exit mode %q", text)
}

// Config configures a Server.
type Config struct {
	Pool      *apppool.Pool
	Analytics *analytics.Factory
	Accounts  *accounts.Database

	// RequestSocketPassword must prefix every request. It must be
	// RequestSocketPasswordSize bytes long.
	RequestSocketPassword *secret.Buffer

	RequestSocket string
	MessageSocket string

	// Workers is the number of concurrent request workers. Zero selects
	// WorkersPerPoolSlot times the pool's maximum.
	Workers int

	// CheckoutTimeout bounds the wait for a worker; zero waits until
	// the client goes away.
	CheckoutTimeout time.Duration

	// PrestartURLs are requested once, PrestartDelay after Serve starts,
	// so their applications are spawned before real traffic arrives.
	PrestartURLs  []string
	PrestartDelay time.Duration

	// MetricsAddress is the TCP address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddress string

	// Registry receives the server's metrics and is served on
	// MetricsAddress. Nil uses a private registry.
	Registry *prometheus.Registry

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server accepts requests from the web server and control commands from
// administrators.
type Server struct {
	pool            *apppool.Pool
	analytics       *analytics.Factory
	password        *secret.Buffer
	requestSocket   string
	messageSocket   string
	workers         int
	checkoutTimeout time.Duration
	prestartURLs    []string
	prestartDelay   time.Duration
	metricsAddress  string
	registry        *prometheus.Registry
	clock           clock.Clock
	logger          *slog.Logger

	messages *messageserver.Server
	metrics  *metrics
	warnings *rate.Limiter

	requestListener net.Listener
	messageListener net.Listener
	metricsListener net.Listener

	exitRequests chan ExitMode

	mu             sync.Mutex
	busy           int
	lastActivity   time.Time
	connections    map[net.Conn]struct{}
	listenerClosed bool
}

// New validates config and returns a server. Call Listen, then Serve.
func New(config Config) (*Server, error) {
	var problems []error
	if config.Pool == nil {
		problems = append(problems, errors.New("pool is required"))
	}
	if config.Accounts == nil {
		problems = append(problems, errors.New("accounts database is required"))
	}
	if config.RequestSocketPassword == nil {
		problems = append(problems, errors.New("request socket password is required"))
	} else if config.RequestSocketPassword.Len() != RequestSocketPasswordSize {
		problems = append(problems, fmt.Errorf("request socket password must be %d bytes, got %d",
			RequestSocketPasswordSize, config.RequestSocketPassword.Len()))
	}
	if config.RequestSocket == "" {
		problems = append(problems, errors.New("request socket path is required"))
	}
	if config.MessageSocket == "" {
		problems = append(problems, errors.New("message socket path is required"))
	}
	if err := errors.Join(problems...); err != nil {
		return nil, fmt.Errorf("helperagent: %w", err)
	}

	if config.Workers <= 0 {
		config.Workers = WorkersPerPoolSlot * config.Pool.Snapshot(false).Max
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		pool:            config.Pool,
		analytics:       config.Analytics,
		password:        config.RequestSocketPassword,
		requestSocket:   config.RequestSocket,
		messageSocket:   config.MessageSocket,
		workers:         config.Workers,
		checkoutTimeout: config.CheckoutTimeout,
		prestartURLs:    config.PrestartURLs,
		prestartDelay:   config.PrestartDelay,
		metricsAddress:  config.MetricsAddress,
		registry:        config.Registry,
		clock:           config.Clock,
		logger:          config.Logger,
		messages: messageserver.New(messageserver.Config{
			Accounts: config.Accounts,
			Logger:   config.Logger.With("socket", "message"),
		}),
		metrics:      newMetrics(config.Registry),
		warnings:     rate.NewLimiter(rate.Every(time.Second), 10),
		exitRequests: make(chan ExitMode, 4),
		connections:  make(map[net.Conn]struct{}),
	}
	s.registerCommands()
	return s, nil
}

// Listen binds the request and message sockets, and the metrics
// endpoint when configured. Both sockets are connectable by every local
// user.
func (s *Server) Listen() error {
	requestListener, err := netutil.ListenUnix(s.requestSocket, netutil.PublicSocketMode)
	if err != nil {
		return fmt.Errorf("request socket: %w", err)
	}
	messageListener, err := netutil.ListenUnix(s.messageSocket, netutil.PublicSocketMode)
	if err != nil {
		requestListener.Close()
		return fmt.Errorf("message socket: %w", err)
	}
	if s.metricsAddress != "" {
		metricsListener, err := net.Listen("tcp", s.metricsAddress)
		if err != nil {
			requestListener.Close()
			messageListener.Close()
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		s.metricsListener = metricsListener
	}
	s.requestListener = requestListener
	s.messageListener = messageListener
	return nil
}

// RequestSocket returns the path of the request socket.
func (s *Server) RequestSocket() string { return s.requestSocket }

// MessageSocket returns the path of the message socket.
func (s *Server) MessageSocket() string { return s.messageSocket }

// MetricsAddress returns the bound metrics address, or "" when the
// endpoint is disabled.
func (s *Server) MetricsAddress() string {
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// RequestExit asks Serve to return. A semi-graceful exit stops
// accepting requests right away. A later request may escalate a
// graceful exit to an immediate one.
func (s *Server) RequestExit(mode ExitMode) {
	if mode == ExitSemiGracefully {
		s.closeRequestListener()
	}
	select {
	case s.exitRequests <- mode:
	default:
	}
}

// Serve runs the request workers, the message server, the prestarter
// and the metrics endpoint until an exit is requested or ctx is
// cancelled. Cancelling ctx exits immediately. Graceful exits wait
// until no request has been active for ExitGracePeriod.
func (s *Server) Serve(ctx context.Context) error {
	if s.requestListener == nil {
		return errors.New("helperagent: Serve called before Listen")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(groupCtx)
	defer stopServing()
	// Requests outlive serveCtx while draining.
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	s.logger.Info("helper agent serving",
		"request_socket", s.requestSocket,
		"message_socket", s.messageSocket,
		"workers", s.workers,
	)
	for range s.workers {
		group.Go(func() error { return s.acceptRequests(requestCtx) })
	}
	group.Go(func() error { return s.messages.Serve(serveCtx, s.messageListener) })
	if len(s.prestartURLs) > 0 {
		group.Go(func() error {
			s.prestart(serveCtx)
			return nil
		})
	}
	var metricsServer *http.Server
	if s.metricsListener != nil {
		metricsServer = &http.Server{
			Handler:           s.metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			if err := metricsServer.Serve(s.metricsListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}

	mode := ExitImmediately
	select {
	case <-groupCtx.Done():
	case mode = <-s.exitRequests:
	}
	s.logger.Info("exit requested", "mode", mode.String())
	if mode != ExitImmediately {
		s.drain(groupCtx)
	}

	stopServing()
	s.closeRequestListener()
	cancelRequests()
	s.closeConnections()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdown)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	err := group.Wait()
	s.logger.Info("helper agent stopped")
	return err
}

func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// drain waits until every request worker has been idle for
// ExitGracePeriod. An immediate exit request or ctx ends it early.
func (s *Server) drain(ctx context.Context) {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	ticker := s.clock.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for {
		if s.idleFor() > ExitGracePeriod {
			return
		}
		select {
		case <-ctx.Done():
			return
		case mode := <-s.exitRequests:
			if mode == ExitImmediately {
				s.logger.Info("exit escalated", "mode", mode.String())
				return
			}
		case <-ticker.C:
		}
	}
}

// idleFor is the time since the last request finished, or zero while
// one is in progress.
func (s *Server) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy > 0 {
		return 0
	}
	return s.clock.Now().Sub(s.lastActivity)
}

func (s *Server) acceptRequests(ctx context.Context) error {
	for {
		conn, err := s.requestListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accepting request connection", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(acceptBackoff):
			}
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.handleConnection(ctx, conn)
		s.untrack(conn)
	}
}

// track registers conn as in progress. It reports false once the
// server is closing.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections == nil {
		return false
	}
	s.busy++
	s.connections[conn] = struct{}{}
	s.metrics.inFlight.Inc()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy--
	s.lastActivity = s.clock.Now()
	delete(s.connections, conn)
	s.metrics.inFlight.Dec()
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.connections {
		conn.Close()
	}
	s.connections = nil
}

func (s *Server) closeRequestListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenerClosed || s.requestListener == nil {
		return
	}
	s.listenerClosed = true
	if err := s.requestListener.Close(); err != nil {
		s.logger.Warn("closing request socket", "error", err)
	}
}

// warn logs a warning caused by a client, rate limited so a
// misbehaving client cannot flood the log.
func (s *Server) warn(message string, args ...any) {
	if s.warnings.Allow() {
		s.logger.Warn(message, args...)
	}
}
