// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bureau-foundation/passenger/lib/clock"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/netutil"
)

const (
	// ProtocolVersion is the only logging agent protocol version spoken.
	ProtocolVersion = "1"

	// DefaultReconnectTimeout is the cooldown after a failed connection.
	DefaultReconnectTimeout = 60 * time.Second

	// DefaultCategory is the category of request transactions.
	DefaultCategory = "requests"

	// NoKey marks a transaction that is persisted locally rather than
	// forwarded under a customer key.
	NoKey = "-"

	maxPooledConnections = 10
	connectTimeout       = 15 * time.Second
	ioTimeout            = 5 * time.Second
	randomSuffixLength   = 8
)

// ErrProtocol reports a logging agent reply that does not follow the
// protocol.
var ErrProtocol = errors.New("analytics: protocol error")

// ErrRejected reports that the logging agent refused our credentials.
var ErrRejected = errors.New("analytics: authentication rejected")

// Config configures a Factory.
type Config struct {
	// Address of the logging agent: "unix:/path" or "tcp://host:port".
	// An empty address makes every transaction a null transaction.
	Address  string
	Username string
	Password []byte

	// NodeName identifies this host. Defaults to the hostname.
	NodeName string

	// ReconnectTimeout is the cooldown after a failure. Zero selects
	// DefaultReconnectTimeout.
	ReconnectTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Factory opens transactions over pooled connections. It is safe for
// concurrent use.
type Factory struct {
	address          string
	username         string
	password         []byte
	nodeName         string
	reconnectTimeout time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	counter atomic.Uint64

	mu                sync.Mutex
	pool              []*connection
	nextReconnectTime time.Time
}

// NewFactory returns a factory for config. No connection is made until
// the first transaction is opened.
func NewFactory(config Config) *Factory {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReconnectTimeout <= 0 {
		config.ReconnectTimeout = DefaultReconnectTimeout
	}
	if config.NodeName == "" {
		config.NodeName, _ = os.Hostname()
	}
	return &Factory{
		address:          config.Address,
		username:         config.Username,
		password:         config.Password,
		nodeName:         config.NodeName,
		reconnectTimeout: config.ReconnectTimeout,
		clock:            config.Clock,
		logger:           config.Logger,
	}
}

// IsNull reports whether the factory has no logging agent configured.
func (f *Factory) IsNull() bool { return f == nil || f.address == "" }

// NodeName returns the name this host reports to the logging agent.
func (f *Factory) NodeName() string { return f.nodeName }

// Close disconnects all pooled connections.
func (f *Factory) Close() {
	f.mu.Lock()
	pool := f.pool
	f.pool = nil
	f.mu.Unlock()
	for _, conn := range pool {
		conn.mu.Lock()
		conn.close()
		conn.mu.Unlock()
	}
}

// PooledConnections reports how many idle connections are held.
func (f *Factory) PooledConnections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pool)
}

// NewTransaction opens a transaction in groupName. Filters is a list of
// filter sources joined by 0x01 that the logging agent evaluates when the
// transaction closes. The result is a null transaction if the factory is
// null, cooling down, or the logging agent does not acknowledge.
func (f *Factory) NewTransaction(groupName, category, key, filters string) *Transaction {
	if f.IsNull() {
		return nullTransaction
	}
	if category == "" {
		category = DefaultCategory
	}
	if key == "" {
		key = NoKey
	}
	now := f.clock.Now()
	txnID := f.newTransactionID(now)

	conn := f.checkoutConnection()
	if conn == nil {
		return nullTransaction
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	channel := conn.channel.WithTimeout(messagechannel.NewTimeout(connectTimeout))
	err := channel.Write("openTransaction",
		txnID, groupName, "", category,
		EncodeBase32(uint64(now.UnixMicro())),
		key, "true", "true", filters)
	if err == nil {
		var reply []string
		reply, err = channel.Read()
		switch {
		case err != nil:
		case len(reply) == 2 && reply[0] == "error":
			err = fmt.Errorf("%w: %s", ErrProtocol, reply[1])
		case len(reply) == 0 || reply[0] != "ok":
			err = fmt.Errorf("%w: unexpected reply %q to openTransaction", ErrProtocol, reply)
		}
	}
	if err != nil {
		f.fail(conn, err)
		return nullTransaction
	}
	return &Transaction{
		factory:       f,
		conn:          conn,
		id:            txnID,
		groupName:     groupName,
		category:      category,
		key:           key,
		lastTimestamp: uint64(now.UnixMicro()),
	}
}

// ContinueTransaction attaches to a transaction opened elsewhere. The
// logging agent does not acknowledge attaches, so failures surface on
// the first message.
func (f *Factory) ContinueTransaction(txnID, groupName, category, key string) *Transaction {
	if f.IsNull() || txnID == "" {
		return nullTransaction
	}
	if category == "" {
		category = DefaultCategory
	}
	if key == "" {
		key = NoKey
	}

	conn := f.checkoutConnection()
	if conn == nil {
		return nullTransaction
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	channel := conn.channel.WithTimeout(messagechannel.NewTimeout(connectTimeout))
	err := channel.Write("openTransaction",
		txnID, groupName, "", category,
		EncodeBase32(uint64(f.clock.Now().UnixMicro())),
		key, "true")
	if err != nil {
		f.fail(conn, err)
		return nullTransaction
	}
	return &Transaction{
		factory:   f,
		conn:      conn,
		id:        txnID,
		groupName: groupName,
		category:  category,
		key:       key,
	}
}

// newTransactionID returns "<minutes>-<counter><random>", all base 32.
// Minute resolution keeps ids short; the counter makes ids unique within
// the process and the random suffix across processes.
func (f *Factory) newTransactionID(now time.Time) string {
	suffix := make([]byte, randomSuffixLength)
	rand.Read(suffix)
	for i := range suffix {
		suffix[i] = base32Digits[suffix[i]&31]
	}
	minutes := uint64(now.Unix() / 60)
	return EncodeBase32(minutes) + "-" + EncodeBase32(f.counter.Add(1)) + string(suffix)
}

// checkoutConnection pops a pooled connection or dials a new one. It
// returns nil during the cooldown or when dialing fails.
func (f *Factory) checkoutConnection() *connection {
	f.mu.Lock()
	if n := len(f.pool); n > 0 {
		conn := f.pool[n-1]
		f.pool = f.pool[:n-1]
		f.mu.Unlock()
		return conn
	}
	if f.clock.Now().Before(f.nextReconnectTime) {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	conn, err := f.connect()
	if err != nil {
		f.mu.Lock()
		f.nextReconnectTime = f.clock.Now().Add(f.reconnectTimeout)
		f.mu.Unlock()
		f.logger.Warn("cannot connect to the logging agent",
			"address", f.address,
			"error", err,
			"retry_in", f.reconnectTimeout,
		)
		return nil
	}
	return conn
}

// checkinConnection returns conn to the pool, or closes it when the pool
// is full. Must be called with conn.mu held.
func (f *Factory) checkinConnection(conn *connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pool) < maxPooledConnections {
		f.pool = append(f.pool, conn)
		return
	}
	conn.close()
}

// fail disconnects conn after err and starts the cooldown. Must be
// called with conn.mu held.
func (f *Factory) fail(conn *connection, err error) {
	reason := conn.disconnect()
	f.mu.Lock()
	f.nextReconnectTime = f.clock.Now().Add(f.reconnectTimeout)
	f.mu.Unlock()

	attrs := []any{"address", f.address, "error", err, "retry_in", f.reconnectTimeout}
	if reason != "" {
		attrs = append(attrs, "agent_error", reason)
	}
	f.logger.Warn("lost connection to the logging agent", attrs...)
}

// connect dials the logging agent and performs the handshake:
// ("version", "1") from the agent, then username and password scalars,
// ("ok"), then ("init", node) answered with ("ok").
func (f *Factory) connect() (*connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	raw, err := netutil.Dial(ctx, f.address)
	if err != nil {
		return nil, err
	}

	channel := messagechannel.New(raw)
	handshake := channel.WithTimeout(messagechannel.NewTimeout(connectTimeout))
	if err := f.handshake(handshake); err != nil {
		channel.Close()
		return nil, err
	}
	return &connection{channel: channel}, nil
}

func (f *Factory) handshake(channel *messagechannel.Channel) error {
	args, err := channel.Read()
	if err != nil {
		return fmt.Errorf("reading version: %w", err)
	}
	if len(args) != 2 || args[0] != "version" {
		return fmt.Errorf("%w: invalid version identifier %q", ErrProtocol, args)
	}
	if args[1] != ProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %s", ErrProtocol, args[1])
	}

	if err := channel.WriteScalar([]byte(f.username)); err != nil {
		return err
	}
	if err := channel.WriteScalar(f.password); err != nil {
		return err
	}
	args, err = channel.Read()
	if err != nil {
		return fmt.Errorf("reading authentication response: %w", err)
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: invalid authentication response %q", ErrProtocol, args)
	}
	if args[0] != "ok" {
		return fmt.Errorf("%w: %s", ErrRejected, args[0])
	}

	if err := channel.Write("init", f.nodeName); err != nil {
		return err
	}
	args, err = channel.Read()
	if err != nil {
		return fmt.Errorf("reading init response: %w", err)
	}
	if len(args) == 1 && args[0] == "server shutting down" {
		return fmt.Errorf("logging agent is shutting down: %w", syscall.ECONNREFUSED)
	}
	if len(args) != 1 || args[0] != "ok" {
		return fmt.Errorf("%w: invalid init response %q", ErrProtocol, args)
	}
	return nil
}
