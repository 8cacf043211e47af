// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messageserver

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/netutil"
	"github.com/bureau-foundation/passenger/lib/testutil"
)

func startServer(t *testing.T) string {
	t.Helper()
	database := accounts.NewDatabase()
	if _, err := database.Add("admin", []byte("adminpass"), accounts.All); err != nil {
		t.Fatalf("Add admin: %v", err)
	}
	if _, err := database.Add("viewer", []byte("viewerpass"), accounts.InspectBasicInfo); err != nil {
		t.Fatalf("Add viewer: %v", err)
	}

	server := New(Config{Accounts: database, Logger: testutil.Logger(t)})
	server.Handle("ping", 0, func(ctx context.Context, client *Client, args []string) error {
		return client.Channel.Write("pong")
	})
	server.Handle("exit", AnyArguments, func(ctx context.Context, client *Client, args []string) error {
		if err := client.RequireRights(accounts.Exit); err != nil {
			return err
		}
		return client.Channel.Write("exit command received")
	})
	server.Handle("inspect", 0, func(ctx context.Context, client *Client, args []string) error {
		if err := client.RequireRights(accounts.InspectBasicInfo); err != nil {
			return err
		}
		return client.Channel.WriteScalar([]byte("report for " + client.Account.Username))
	})

	path := filepath.Join(testutil.SocketDir(t), "control.sock")
	listener, err := netutil.ListenUnix(path, netutil.PublicSocketMode)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireError(t, done, 5*time.Second, "server shutdown")
	})
	return path
}

func TestLoginAndCommands(t *testing.T) {
	path := startServer(t)
	conn, err := Connect(context.Background(), path, "admin", []byte("adminpass"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.Write("ping"); err != nil {
		t.Fatalf("Write ping: %v", err)
	}
	if _, err := conn.ReadExpect("pong"); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := conn.Command("inspect"); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	report, err := conn.ReadScalar(0)
	if err != nil {
		t.Fatalf("ReadScalar: %v", err)
	}
	if string(report) != "report for admin" {
		t.Errorf("report = %q, want %q", report, "report for admin")
	}

	if err := conn.Command("exit"); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if _, err := conn.ReadExpect("exit command received"); err != nil {
		t.Fatalf("exit reply: %v", err)
	}
}

func TestWrongPasswordClosesConnection(t *testing.T) {
	path := startServer(t)
	_, err := Connect(context.Background(), path, "admin", []byte("wrong"))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Connect error = %v, want ErrAuthentication", err)
	}
	if !strings.Contains(err.Error(), ReplyInvalidLogin) {
		t.Errorf("Connect error = %v, want the server's reason", err)
	}
}

func TestOverlongCredentials(t *testing.T) {
	path := startServer(t)
	tests := []struct {
		username string
		password string
		reply    string
	}{
		{strings.Repeat("u", MaxUsernameSize+1), "x", ReplyUsernameTooLong},
		{"admin", strings.Repeat("p", MaxPasswordSize+1), ReplyPasswordTooLong},
	}
	for _, test := range tests {
		raw, err := netutil.Dial(context.Background(), "unix:"+path)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		channel := messagechannel.New(raw)
		channel.WriteScalar([]byte(test.username))
		if test.reply == ReplyPasswordTooLong {
			channel.WriteScalar([]byte(test.password))
		}
		if _, err := channel.ReadExpect(test.reply); err != nil {
			t.Errorf("reply for %d-byte username: %v", len(test.username), err)
		}
		// The unread payload may turn the close into a reset.
		if _, err := channel.Read(); err == nil {
			t.Error("connection still open after rejected login")
		}
		channel.Close()
	}
}

func TestInsufficientRightsKeepsConnectionOpen(t *testing.T) {
	path := startServer(t)
	conn, err := Connect(context.Background(), path, "viewer", []byte("viewerpass"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.Write("exit"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := conn.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(reply) != 2 || reply[0] != ReplySecurityException || reply[1] != InsufficientRightsReason {
		t.Fatalf("reply = %q, want SecurityException", reply)
	}

	// The connection survives and serves an allowed command.
	if err := conn.Command("inspect"); err != nil {
		t.Fatalf("inspect after rights failure: %v", err)
	}
	if _, err := conn.ReadScalar(0); err != nil {
		t.Fatalf("ReadScalar: %v", err)
	}
}

func TestUnknownCommandClosesConnection(t *testing.T) {
	path := startServer(t)
	conn, err := Connect(context.Background(), path, "admin", []byte("adminpass"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.Write("frobnicate"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := conn.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Read after unknown command = %v, want io.EOF", err)
	}
}

func TestWrongArityClosesConnection(t *testing.T) {
	path := startServer(t)
	conn, err := Connect(context.Background(), path, "admin", []byte("adminpass"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.Write("ping", "extra"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := conn.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Read after malformed command = %v, want io.EOF", err)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server := New(Config{Accounts: accounts.NewDatabase()})
	noop := func(context.Context, *Client, []string) error { return nil }
	server.Handle("ping", 0, noop)
	defer func() {
		if recover() == nil {
			t.Error("duplicate Handle did not panic")
		}
	}()
	server.Handle("ping", 0, noop)
}
