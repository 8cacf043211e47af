// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messageserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/netutil"
)

// Replies to RequireRights.
const (
	ReplyPassedSecurity      = "Passed security"
	ReplySecurityException   = "SecurityException"
	InsufficientRightsReason = "Insufficient rights to execute this command."
)

var (
	// ErrInsufficientRights is returned by Client.RequireRights. A handler
	// returning it keeps the connection open.
	ErrInsufficientRights = errors.New("messageserver: insufficient rights")

	// ErrProtocol reports a malformed or unknown command. The
	// connection is closed.
	ErrProtocol = errors.New("messageserver: protocol error")
)

// HandlerFunc executes one command. args[0] is the command name.
type HandlerFunc func(ctx context.Context, client *Client, args []string) error

type command struct {
	arguments int
	handler   HandlerFunc
}

// AnyArguments accepts a command with any number of arguments.
const AnyArguments = -1

// Client is an authenticated connection.
type Client struct {
	Channel *messagechannel.Channel
	Account *accounts.Account
	Logger  *slog.Logger
}

// RequireRights answers "Passed security" if the account holds rights,
// and ("SecurityException", reason) with ErrInsufficientRights otherwise.
func (c *Client) RequireRights(rights accounts.Rights) error {
	if !c.Account.HasRights(rights) {
		c.Logger.Info("insufficient rights",
			"username", c.Account.Username,
			"required", rights.String(),
		)
		if err := c.Channel.Write(ReplySecurityException, InsufficientRightsReason); err != nil {
			return err
		}
		return ErrInsufficientRights
	}
	return c.Channel.Write(ReplyPassedSecurity)
}

// Config configures a Server.
type Config struct {
	Accounts *accounts.Database
	Logger   *slog.Logger
}

// Server dispatches commands from authenticated clients. Register
// commands with Handle before calling Serve.
type Server struct {
	accounts *accounts.Database
	logger   *slog.Logger
	commands map[string]command

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	active      sync.WaitGroup
}

// New returns a server with no commands.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		accounts:    config.Accounts,
		logger:      config.Logger,
		commands:    make(map[string]command),
		connections: make(map[net.Conn]struct{}),
	}
}

// Handle registers handler for name. The command is rejected unless it
// carries exactly arguments arguments after the name, or any number
// when arguments is AnyArguments.
func (s *Server) Handle(name string, arguments int, handler HandlerFunc) {
	if _, exists := s.commands[name]; exists {
		panic(fmt.Sprintf("messageserver: duplicate handler for command %q", name))
	}
	s.commands[name] = command{arguments: arguments, handler: handler}
}

// ListenAndServe listens on socketPath with world-connectable
// permissions and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	listener, err := netutil.ListenUnix(socketPath, netutil.PublicSocketMode)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
		s.mu.Lock()
		for conn := range s.connections {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Info("message server listening", "address", listener.Addr().String())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		s.connections[conn] = struct{}{}
		s.mu.Unlock()
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer func() {
				s.mu.Lock()
				delete(s.connections, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	channel := messagechannel.New(conn)
	account, err := Authenticate(channel, s.accounts)
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			s.logger.Warn("control client failed to log in", "error", err)
		}
		return
	}
	client := &Client{
		Channel: channel,
		Account: account,
		Logger:  s.logger.With("username", account.Username),
	}

	for {
		args, err := channel.Read()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && ctx.Err() == nil {
				client.Logger.Warn("reading control command", "error", err)
			}
			return
		}
		if err := s.dispatch(ctx, client, args); err != nil {
			if errors.Is(err, ErrInsufficientRights) {
				continue
			}
			if !netutil.IsExpectedCloseError(err) {
				client.Logger.Warn("control command failed", "command", commandName(args), "error", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, client *Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: empty command", ErrProtocol)
	}
	cmd, ok := s.commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q (%d elements)", ErrProtocol, args[0], len(args))
	}
	if cmd.arguments != AnyArguments && len(args)-1 != cmd.arguments {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrProtocol, args[0], cmd.arguments, len(args)-1)
	}
	return cmd.handler(ctx, client, args)
}

func commandName(args []string) string {
	if len(args) == 0 {
		return "(null)"
	}
	return args[0]
}
