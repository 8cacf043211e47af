// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loggingserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/analytics"
	"github.com/bureau-foundation/passenger/lib/clock"
	"github.com/bureau-foundation/passenger/lib/filter"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/messageserver"
	"github.com/bureau-foundation/passenger/lib/netutil"
)

const (
	// MaxLogDataSize bounds a single log entry.
	MaxLogDataSize = 128 * 1024

	// ExitGracePeriod is how long the server lingers after an exit
	// request once the last client has disconnected.
	ExitGracePeriod = 5 * time.Second

	// DefaultFlushInterval is how often buffered log files are written.
	DefaultFlushInterval = 5 * time.Second

	// MaxOpenSinks bounds the number of log files held open.
	MaxOpenSinks = 512

	// SinkIdleTimeout closes log files not written to for this long.
	SinkIdleTimeout = 75 * time.Minute

	maintenanceInterval = time.Minute
)

// Config configures a Server.
type Config struct {
	// Dir is the root of the log file tree.
	Dir      string
	Accounts *accounts.Database

	FlushInterval time.Duration

	// ArchiveAfter is how long after an hour bucket ends its log file is
	// compressed. Zero disables archiving.
	ArchiveAfter       time.Duration
	ArchiveCompression Compression

	// FilterCacheSize bounds the compiled filter cache.
	FilterCacheSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is the logging agent. Create it with New and run it with
// Serve.
type Server struct {
	dir           string
	accounts      *accounts.Database
	flushInterval time.Duration
	archiveAfter  time.Duration
	compression   Compression
	filters       *filter.Cache
	clock         clock.Clock
	logger        *slog.Logger

	mu            sync.Mutex
	transactions  map[string]*transaction
	sinks         map[string]*sink
	clients       map[*client]struct{}
	refuseNew     bool
	exitRequested bool
	exitBegin     time.Time

	changed   chan struct{}
	exitNow   chan struct{}
	exitOnce  sync.Once
	active    sync.WaitGroup
	startedAt time.Time
}

// client is one connection's state. open is guarded by Server.mu.
type client struct {
	conn        net.Conn
	channel     *messagechannel.Channel
	account     *accounts.Account
	nodeName    string
	initialized bool
	open        map[string]struct{}
}

// errDisconnect asks the connection loop to close the connection.
var errDisconnect = errors.New("disconnect")

// New validates config and returns a server.
func New(config Config) (*Server, error) {
	if config.Dir == "" {
		return nil, errors.New("loggingserver: dump directory is required")
	}
	if config.Accounts == nil {
		return nil, errors.New("loggingserver: accounts database is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		dir:           config.Dir,
		accounts:      config.Accounts,
		flushInterval: config.FlushInterval,
		archiveAfter:  config.ArchiveAfter,
		compression:   config.ArchiveCompression,
		filters:       filter.NewCache(config.FilterCacheSize),
		clock:         config.Clock,
		logger:        config.Logger,
		transactions:  make(map[string]*transaction),
		sinks:         make(map[string]*sink),
		clients:       make(map[*client]struct{}),
		changed:       make(chan struct{}, 1),
		exitNow:       make(chan struct{}),
		startedAt:     config.Clock.Now(),
	}, nil
}

// ListenAndServe listens on socketPath and serves until ctx is
// cancelled or an exit command completes.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	listener, err := netutil.ListenUnix(socketPath, netutil.PublicSocketMode)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts clients on listener until ctx is cancelled, an
// "exit immediately" command arrives, or a graceful exit finishes its
// grace period. Open transactions are then finalized and all log files
// flushed and closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, listener)
	}()

	flushTicker := s.clock.NewTicker(s.flushInterval)
	defer flushTicker.Stop()
	maintenanceTicker := s.clock.NewTicker(maintenanceInterval)
	defer maintenanceTicker.Stop()

	s.logger.Info("logging agent listening", "address", listener.Addr().String(), "dir", s.dir)
loop:
	for {
		graceExpired, grace := s.exitGrace()
		if graceExpired {
			s.logger.Info("exit grace period over")
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case <-s.exitNow:
			s.logger.Info("exiting immediately")
			break loop
		case <-grace:
		case <-s.changed:
		case <-flushTicker.C:
			s.flushDue()
		case <-maintenanceTicker.C:
			s.maintain()
		}
	}

	listener.Close()
	<-acceptDone
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.active.Wait()
	s.shutdown()
	return nil
}

// exitGrace reports whether a requested exit is due and otherwise
// returns a channel that fires when it may become due.
func (s *Server) exitGrace() (bool, <-chan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exitRequested || len(s.clients) > 0 {
		return false, nil
	}
	now := s.clock.Now()
	if s.exitBegin.IsZero() {
		s.exitBegin = now
	}
	deadline := s.exitBegin.Add(ExitGracePeriod)
	if !now.Before(deadline) {
		return true, nil
	}
	return false, s.clock.After(deadline.Sub(now))
}

func (s *Server) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		c := &client{
			conn:    conn,
			channel: messagechannel.New(conn),
			open:    make(map[string]struct{}),
		}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.exitBegin = time.Time{}
		s.mu.Unlock()
		s.notify()

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer s.disconnect(c)
			s.handle(c)
		}()
	}
}

func (s *Server) handle(c *client) {
	if err := c.channel.Write("version", analytics.ProtocolVersion); err != nil {
		return
	}
	account, err := messageserver.Authenticate(c.channel, s.accounts)
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			s.logger.Warn("logging client failed to log in", "error", err)
		}
		return
	}
	c.account = account

	for {
		args, err := c.channel.Read()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("reading from logging client", "error", err)
			}
			return
		}
		if len(args) == 0 {
			s.sendError(c, "Empty command")
			return
		}
		if err := s.process(c, args); err != nil {
			if !errors.Is(err, errDisconnect) && !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("logging client command failed", "command", args[0], "error", err)
			}
			return
		}
	}
}

// sendError tells the client why it is being disconnected.
func (s *Server) sendError(c *client, message string) error {
	s.logger.Warn("logging client error", "node", c.nodeName, "error", message)
	c.channel.Write("error", message)
	return errDisconnect
}

func (s *Server) process(c *client, args []string) error {
	switch args[0] {
	case "log":
		return s.processLog(c, args)
	case "openTransaction":
		return s.processOpen(c, args)
	case "closeTransaction":
		return s.processClose(c, args)
	case "init":
		return s.processInit(c, args)
	case "flush":
		s.mu.Lock()
		s.flushAll()
		s.mu.Unlock()
		return c.channel.Write("ok")
	case "info":
		return c.channel.Write("info", s.Info())
	case "ping":
		return c.channel.Write("pong")
	case "exit":
		return s.processExit(c, args)
	}
	return s.sendError(c, fmt.Sprintf("Unknown command '%s'", args[0]))
}

func (s *Server) processInit(c *client, args []string) error {
	if c.initialized {
		return s.sendError(c, "Already initialized")
	}
	if len(args) != 2 {
		return s.sendError(c, "Invalid number of arguments")
	}
	s.mu.Lock()
	refuse := s.refuseNew
	s.mu.Unlock()
	if refuse {
		c.channel.Write("server shutting down")
		return errDisconnect
	}
	c.nodeName = args[1]
	c.initialized = true
	return c.channel.Write("ok")
}

func (s *Server) processLog(c *client, args []string) error {
	if len(args) != 3 {
		return s.sendError(c, "Invalid number of arguments")
	}
	if !c.initialized {
		return s.sendError(c, "Client not initialized as logger")
	}
	txnID, timestamp := args[1], args[2]

	s.mu.Lock()
	_, exists := s.transactions[txnID]
	_, opened := c.open[txnID]
	s.mu.Unlock()
	if !exists {
		return s.sendError(c, "Cannot log data: transaction does not exist")
	}
	if !opened {
		return s.sendError(c, "Cannot log data: transaction not opened in this connection")
	}

	data, err := c.channel.ReadScalar(MaxLogDataSize)
	if err != nil {
		return err
	}
	if !validLogContent(data) {
		return s.sendError(c, "Log entry data contains an invalid character.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if txn, ok := s.transactions[txnID]; ok {
		txn.appendEntry(timestamp, string(data))
	}
	return nil
}

func argument(args []string, index int, fallback string) string {
	if index < len(args) {
		return args[index]
	}
	return fallback
}

// processOpen handles ("openTransaction", id, group, node, category,
// timestamp, key, crashProtect, [ack], [filters]). An empty node
// selects the connection's node.
func (s *Server) processOpen(c *client, args []string) error {
	if len(args) < 8 {
		return s.sendError(c, "Invalid number of arguments")
	}
	if !c.initialized {
		return s.sendError(c, "Client not initialized as logger")
	}
	txnID := args[1]
	groupName := args[2]
	nodeName := args[3]
	category := args[4]
	timestamp := args[5]
	key := args[6]
	crashProtect := args[7] == "true"
	ack := argument(args, 8, "false") == "true"
	filters := argument(args, 9, "")

	if txnID == "" {
		return s.sendError(c, "Invalid transaction ID format")
	}
	if nodeName == "" {
		nodeName = c.nodeName
	}

	s.mu.Lock()
	if _, already := c.open[txnID]; already {
		s.mu.Unlock()
		return s.sendError(c, "Cannot open transaction: transaction already opened in this connection")
	}
	txn, exists := s.transactions[txnID]
	if !exists {
		if !supportedCategories[category] {
			s.mu.Unlock()
			return s.sendError(c, "Unsupported category")
		}
		txn = &transaction{
			id:           txnID,
			groupName:    groupName,
			nodeName:     nodeName,
			category:     category,
			key:          key,
			filters:      filters,
			createdAt:    s.clock.Now(),
			crashProtect: crashProtect,
		}
		s.transactions[txnID] = txn
	} else {
		var mismatch string
		switch {
		case txn.groupName != groupName:
			mismatch = fmt.Sprintf("a different group name ('%s' vs '%s')", txn.groupName, groupName)
		case txn.nodeName != nodeName:
			mismatch = "a different node name"
		case txn.category != category:
			mismatch = "a different category name"
		}
		if mismatch != "" {
			s.mu.Unlock()
			return s.sendError(c, "Cannot open transaction: transaction already opened with "+mismatch)
		}
	}
	c.open[txnID] = struct{}{}
	txn.refcount++
	txn.appendEntry(timestamp, "ATTACH")
	s.mu.Unlock()

	if ack {
		return c.channel.Write("ok")
	}
	return nil
}

func (s *Server) processClose(c *client, args []string) error {
	if len(args) < 3 {
		return s.sendError(c, "Invalid number of arguments")
	}
	if !c.initialized {
		return s.sendError(c, "Client not initialized as logger")
	}
	txnID, timestamp := args[1], args[2]
	ack := argument(args, 3, "false") == "true"

	s.mu.Lock()
	txn, exists := s.transactions[txnID]
	if !exists {
		s.mu.Unlock()
		return s.sendError(c, "Cannot close transaction "+txnID+": transaction does not exist")
	}
	if _, opened := c.open[txnID]; !opened {
		s.mu.Unlock()
		return s.sendError(c, "Cannot close transaction "+txnID+": transaction not opened in this connection")
	}
	delete(c.open, txnID)
	txn.appendEntry(timestamp, "DETACH")
	s.release(txn)
	s.mu.Unlock()

	if ack {
		return c.channel.Write("ok")
	}
	return nil
}

func (s *Server) processExit(c *client, args []string) error {
	if c.account == nil || !c.account.HasRights(accounts.Exit) {
		c.channel.Write(messageserver.ReplySecurityException, messageserver.InsufficientRightsReason)
		return errDisconnect
	}
	mode := argument(args, 1, "")
	switch mode {
	case "immediately":
		s.exitOnce.Do(func() { close(s.exitNow) })
	case "semi-gracefully":
		s.mu.Lock()
		s.refuseNew = true
		s.exitRequested = true
		s.mu.Unlock()
	default:
		c.channel.Write(messageserver.ReplyPassedSecurity)
		c.channel.Write("exit command received")
		s.mu.Lock()
		s.exitRequested = true
		s.mu.Unlock()
	}
	s.logger.Info("exit requested", "mode", mode, "username", c.account.Username)
	return errDisconnect
}

// disconnect detaches c from its open transactions, recording DETACH for
// crash protected ones and discarding the rest.
func (s *Server) disconnect(c *client) {
	c.conn.Close()
	s.mu.Lock()
	timestamp := analytics.EncodeBase32(uint64(s.clock.Now().UnixMicro()))
	for txnID := range c.open {
		txn, ok := s.transactions[txnID]
		if !ok {
			continue
		}
		if txn.crashProtect {
			txn.appendEntry(timestamp, "DETACH")
		} else {
			txn.discard()
		}
		s.release(txn)
	}
	clear(c.open)
	delete(s.clients, c)
	s.mu.Unlock()
	s.notify()
}

// release drops one reference to txn and finalizes it when none remain.
// Must be called with s.mu held.
func (s *Server) release(txn *transaction) {
	txn.refcount--
	if txn.refcount > 0 {
		return
	}
	delete(s.transactions, txn.id)
	if txn.discarded || txn.data.Len() == 0 {
		return
	}

	passes, err := s.filters.RunList(txn.filters, filter.NewLogContext(txn.data.Bytes()))
	if err != nil {
		s.logger.Warn("invalid transaction filter, dropping transaction",
			"txn_id", txn.id,
			"error", err,
		)
		return
	}
	if !passes {
		return
	}

	path := LogFilePath(s.dir, txn.groupName, txn.nodeName, txn.category, txn.createdAt)
	out, err := s.openSink(path)
	if err != nil {
		s.logger.Error("cannot open log file", "path", path, "error", err)
		return
	}
	if err := out.append(txn.data.Bytes(), s.clock.Now()); err != nil {
		s.logger.Error("writing log file", "path", path, "error", err)
	}
}

// openSink returns the cached sink for path, opening it and evicting the
// least recently used sink when the cache is full. Must be called with
// s.mu held.
func (s *Server) openSink(path string) (*sink, error) {
	if existing, ok := s.sinks[path]; ok {
		return existing, nil
	}
	if len(s.sinks) >= MaxOpenSinks {
		var oldest *sink
		for _, candidate := range s.sinks {
			if oldest == nil || candidate.lastUsed.Before(oldest.lastUsed) {
				oldest = candidate
			}
		}
		s.closeSink(oldest)
	}
	created, err := openSink(path, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.sinks[path] = created
	return created, nil
}

func (s *Server) closeSink(target *sink) {
	delete(s.sinks, target.path)
	if err := target.close(); err != nil {
		s.logger.Error("closing log file", "path", target.path, "error", err)
	}
}

// flushAll writes every buffered sink. Must be called with s.mu held.
func (s *Server) flushAll() {
	now := s.clock.Now()
	for _, target := range s.sinks {
		if err := target.flush(now); err != nil {
			s.logger.Error("flushing log file", "path", target.path, "error", err)
		}
	}
}

func (s *Server) flushDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, target := range s.sinks {
		if now.Sub(target.lastFlushed) >= s.flushInterval {
			if err := target.flush(now); err != nil {
				s.logger.Error("flushing log file", "path", target.path, "error", err)
			}
		}
	}
}

// maintain closes idle sinks and archives closed hour buckets.
func (s *Server) maintain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, target := range s.sinks {
		if now.Sub(target.lastUsed) >= SinkIdleTimeout {
			s.closeSink(target)
		}
	}
	s.archiveLocked(now)
}

// Archive compresses every log file whose hour bucket is due. It is run
// periodically by Serve and may be called directly.
func (s *Server) Archive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiveLocked(s.clock.Now())
}

func (s *Server) archiveLocked(now time.Time) {
	if s.archiveAfter <= 0 || s.compression == CompressionNone {
		return
	}
	// Sinks of due buckets are idle by construction; close them so
	// their files can be archived.
	for path, target := range s.sinks {
		if bucket, ok := bucketTime(path); ok && !now.Before(bucket.Add(time.Hour+s.archiveAfter)) {
			s.closeSink(target)
		}
	}
	due, err := archiveDue(filepath.Join(s.dir, storageVersion), now, s.archiveAfter, s.sinks)
	if err != nil {
		s.logger.Error("scanning for log files to archive", "error", err)
	}
	for _, path := range due {
		if err := compressFile(path, s.compression); err != nil {
			s.logger.Error("archiving log file", "path", path, "error", err)
			continue
		}
		s.logger.Info("archived log file", "path", path, "compression", s.compression.String())
	}
}

// shutdown finalizes open transactions and closes every sink.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	timestamp := analytics.EncodeBase32(uint64(s.clock.Now().UnixMicro()))
	for _, txn := range s.transactions {
		if txn.crashProtect {
			txn.appendEntry(timestamp, "DETACH")
		} else {
			txn.discard()
		}
		txn.refcount = 1
		s.release(txn)
	}
	for _, target := range s.sinks {
		s.closeSink(target)
	}
}

// Info returns a human-readable report of clients, sinks and open
// transactions.
func (s *Server) Info() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n\n", now.Sub(s.startedAt).Truncate(time.Second))

	fmt.Fprintf(&b, "Clients:\n  Count: %d\n", len(s.clients))
	for c := range s.clients {
		username := ""
		if c.account != nil {
			username = c.account.Username
		}
		fmt.Fprintf(&b, "  * Client %s\n", username)
		fmt.Fprintf(&b, "    Initialized      : %t\n", c.initialized)
		fmt.Fprintf(&b, "    Node name        : %s\n", c.nodeName)
		fmt.Fprintf(&b, "    Open transactions: %d\n", len(c.open))
	}

	fmt.Fprintf(&b, "\nOpen log files:\n  Count: %d\n", len(s.sinks))
	paths := make([]string, 0, len(s.sinks))
	for path := range s.sinks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		target := s.sinks[path]
		fmt.Fprintf(&b, "  * Log file: %s\n", path)
		fmt.Fprintf(&b, "    Last used   : %s ago\n", now.Sub(target.lastUsed).Truncate(time.Second))
		fmt.Fprintf(&b, "    Last flushed: %s ago\n", now.Sub(target.lastFlushed).Truncate(time.Second))
		fmt.Fprintf(&b, "    Written     : %d bytes\n", target.written)
	}

	fmt.Fprintf(&b, "\nOpen transactions:\n  Count: %d\n", len(s.transactions))
	ids := make([]string, 0, len(s.transactions))
	for id := range s.transactions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		txn := s.transactions[id]
		fmt.Fprintf(&b, "  * Transaction %s\n", id)
		fmt.Fprintf(&b, "    Created : %s ago\n", now.Sub(txn.createdAt).Truncate(time.Second))
		fmt.Fprintf(&b, "    Group   : %s\n", txn.groupName)
		fmt.Fprintf(&b, "    Node    : %s\n", txn.nodeName)
		fmt.Fprintf(&b, "    Category: %s\n", txn.category)
		fmt.Fprintf(&b, "    Refcount: %d\n", txn.refcount)
	}
	return b.String()
}
