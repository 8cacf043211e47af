// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/codec"
	"github.com/bureau-foundation/passenger/lib/messageserver"
)

// ExitReply acknowledges an exit command.
const ExitReply = "exit command received"

func (s *Server) registerCommands() {
	s.messages.Handle("exit", messageserver.AnyArguments, s.handleExit)
	s.messages.Handle("clear", 0, s.handleClear)
	s.messages.Handle("setMax", 1, s.handleSetMax)
	s.messages.Handle("setMaxPerApp", 1, s.handleSetMaxPerApp)
	s.messages.Handle("setMaxIdleTime", 1, s.handleSetMaxIdleTime)
	s.messages.Handle("getActive", 0, s.handleGetActive)
	s.messages.Handle("getCount", 0, s.handleGetCount)
	s.messages.Handle("inspect", 0, s.handleInspect)
	s.messages.Handle("toXml", 1, s.handleToXML)
	s.messages.Handle("backtraces", 0, s.handleBacktraces)
	s.messages.Handle("status", 0, s.handleStatus)
	s.messages.Handle("detach", 1, s.handleDetach)
	s.messages.Handle("ping", 0, func(ctx context.Context, client *messageserver.Client, args []string) error {
		return client.Channel.Write("pong")
	})
}

func (s *Server) handleExit(ctx context.Context, client *messageserver.Client, args []string) error {
	if len(args) > 2 {
		return fmt.Errorf("%w: exit takes at most one argument", messageserver.ErrProtocol)
	}
	if err := client.RequireRights(accounts.Exit); err != nil {
		return err
	}
	modeText := ""
	if len(args) == 2 {
		modeText = args[1]
	}
	mode, err := ParseExitMode(modeText)
	if err != nil {
		return fmt.Errorf("%w: %v", messageserver.ErrProtocol, err)
	}
	client.Logger.Info("exit command received", "mode", mode.String())
	if err := client.Channel.Write(ExitReply); err != nil {
		return err
	}
	s.RequestExit(mode)
	return nil
}

func (s *Server) handleClear(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.Clear); err != nil {
		return err
	}
	s.pool.Clear()
	return nil
}

func (s *Server) handleSetMax(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.SetParameters); err != nil {
		return err
	}
	n, err := parseCount(args)
	if err != nil {
		return err
	}
	s.pool.SetMax(n)
	return nil
}

func (s *Server) handleSetMaxPerApp(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.SetParameters); err != nil {
		return err
	}
	n, err := parseCount(args)
	if err != nil {
		return err
	}
	s.pool.SetMaxPerApp(n)
	return nil
}

func (s *Server) handleSetMaxIdleTime(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.SetParameters); err != nil {
		return err
	}
	seconds, err := parseCount(args)
	if err != nil {
		return err
	}
	s.pool.SetMaxIdleTime(time.Duration(seconds) * time.Second)
	return nil
}

func parseCount(args []string) (int, error) {
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s: invalid value %q", messageserver.ErrProtocol, args[0], args[1])
	}
	return n, nil
}

func (s *Server) handleGetActive(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.GetParameters); err != nil {
		return err
	}
	return client.Channel.Write(strconv.Itoa(s.pool.Active()))
}

func (s *Server) handleGetCount(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.GetParameters); err != nil {
		return err
	}
	return client.Channel.Write(strconv.Itoa(s.pool.Count()))
}

func (s *Server) handleInspect(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.InspectBasicInfo); err != nil {
		return err
	}
	return client.Channel.WriteScalar([]byte(s.pool.Inspect()))
}

// handleToXML includes sockets and passwords only when asked to and the
// account may see them.
func (s *Server) handleToXML(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.InspectBasicInfo); err != nil {
		return err
	}
	sensitive := args[1] == "true" && client.Account.HasRights(accounts.InspectSensitiveInfo)
	return client.Channel.WriteScalar([]byte(s.pool.ToXML(sensitive)))
}

func (s *Server) handleBacktraces(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.InspectBasicInfo); err != nil {
		return err
	}
	return client.Channel.WriteScalar(goroutineStacks())
}

func goroutineStacks() []byte {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

// handleStatus sends the pool snapshot as CBOR.
func (s *Server) handleStatus(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.InspectBasicInfo); err != nil {
		return err
	}
	data, err := codec.Marshal(s.pool.Snapshot(false))
	if err != nil {
		return fmt.Errorf("encoding pool snapshot: %w", err)
	}
	return client.Channel.WriteScalar(data)
}

func (s *Server) handleDetach(ctx context.Context, client *messageserver.Client, args []string) error {
	if err := client.RequireRights(accounts.Detach); err != nil {
		return err
	}
	return client.Channel.Write(strconv.FormatBool(s.pool.Detach(args[1])))
}
