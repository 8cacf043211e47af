// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messagechannel

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/passenger/lib/fdesc"
)

// ErrNotUnix is returned by descriptor passing on a non-Unix connection.
var ErrNotUnix = errors.New("messagechannel: descriptor passing requires a unix socket")

// SendFD passes fd to the peer with a one-byte placeholder. With
// negotiate set, the peer must first ask with ("pass IO") and confirm
// with ("got IO").
func (c *Channel) SendFD(fd int, negotiate bool) error {
	unixConn, ok := c.conn.(*net.UnixConn)
	if !ok {
		return ErrNotUnix
	}
	if negotiate {
		if _, err := c.ReadExpect("pass IO"); err != nil {
			return fmt.Errorf("fd negotiation: %w", err)
		}
	}

	err := c.withDeadline(func() error {
		_, _, err := unixConn.WriteMsgUnix([]byte{0}, unix.UnixRights(fd), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("sending fd: %w", err)
	}

	if negotiate {
		if _, err := c.ReadExpect("got IO"); err != nil {
			return fmt.Errorf("fd negotiation: %w", err)
		}
	}
	return nil
}

// ReceiveFD receives a descriptor sent with SendFD. The caller owns the
// returned Descriptor.
func (c *Channel) ReceiveFD(negotiate bool) (fdesc.Descriptor, error) {
	unixConn, ok := c.conn.(*net.UnixConn)
	if !ok {
		return fdesc.Descriptor{}, ErrNotUnix
	}
	if negotiate {
		if err := c.Write("pass IO"); err != nil {
			return fdesc.Descriptor{}, fmt.Errorf("fd negotiation: %w", err)
		}
	}

	placeholder := make([]byte, 1)
	control := make([]byte, unix.CmsgSpace(4))
	var controlLength, n int
	err := c.withDeadline(func() error {
		var err error
		n, controlLength, _, _, err = unixConn.ReadMsgUnix(placeholder, control)
		return err
	})
	if err != nil {
		return fdesc.Descriptor{}, fmt.Errorf("receiving fd: %w", err)
	}
	if n == 0 && controlLength == 0 {
		return fdesc.Descriptor{}, io.EOF
	}

	messages, err := unix.ParseSocketControlMessage(control[:controlLength])
	if err != nil {
		return fdesc.Descriptor{}, fmt.Errorf("parsing control message: %w", err)
	}
	if len(messages) != 1 {
		return fdesc.Descriptor{}, fmt.Errorf("expected one control message, got %d", len(messages))
	}
	fds, err := unix.ParseUnixRights(&messages[0])
	if err != nil {
		return fdesc.Descriptor{}, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return fdesc.Descriptor{}, fmt.Errorf("expected one descriptor, got %d", len(fds))
	}
	descriptor := fdesc.New(fds[0])

	if negotiate {
		if err := c.Write("got IO"); err != nil {
			descriptor.Close()
			return fdesc.Descriptor{}, fmt.Errorf("fd negotiation: %w", err)
		}
	}
	return descriptor, nil
}
