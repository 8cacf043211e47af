// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/passenger/lib/messagechannel"
)

// errorDrainTimeout bounds how long a failing connection waits for the
// logging agent's parting ("error", message).
const errorDrainTimeout = time.Second

// connection is one authenticated channel to the logging agent. All use
// of the channel happens under mu.
type connection struct {
	mu      sync.Mutex
	channel *messagechannel.Channel
}

func (c *connection) connected() bool { return c.channel != nil }

// disconnect closes the channel. Before closing it drains pending
// messages for a short while: the logging agent sends ("error", reason)
// just before it drops a client, and that reason is returned if found.
// Must be called with mu held.
func (c *connection) disconnect() (reason string) {
	if c.channel == nil {
		return ""
	}
	channel := c.channel.WithTimeout(messagechannel.NewTimeout(errorDrainTimeout))
	var last []string
	for {
		args, err := channel.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.ECONNRESET) {
				last = nil
			}
			break
		}
		last = args
	}
	c.close()
	if len(last) == 2 && last[0] == "error" {
		return last[1]
	}
	return ""
}

// close drops the channel without draining. Must be called with mu held.
func (c *connection) close() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
}
