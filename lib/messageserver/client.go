// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messageserver

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/netutil"
)

// Conn is the client side of a logged-in control connection.
type Conn struct {
	*messagechannel.Channel
}

// Connect dials socketPath and logs in.
func Connect(ctx context.Context, socketPath, username string, password []byte) (*Conn, error) {
	raw, err := netutil.Dial(ctx, "unix:"+socketPath)
	if err != nil {
		return nil, err
	}
	channel := messagechannel.New(raw)
	if err := Login(channel, username, password); err != nil {
		channel.Close()
		return nil, err
	}
	return &Conn{Channel: channel}, nil
}

// Command sends a command that is guarded by RequireRights and reads the
// security verdict. Read the command's own result afterwards.
func (c *Conn) Command(args ...string) error {
	if err := c.Write(args...); err != nil {
		return err
	}
	reply, err := c.Read()
	if err != nil {
		return fmt.Errorf("reading reply to %s: %w", args[0], err)
	}
	switch {
	case len(reply) >= 1 && reply[0] == ReplyPassedSecurity:
		return nil
	case len(reply) >= 1 && reply[0] == ReplySecurityException:
		return ErrInsufficientRights
	}
	return fmt.Errorf("%w: unexpected reply %q to %s", ErrProtocol, reply, args[0])
}
