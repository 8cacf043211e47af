// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"context"

	"github.com/bureau-foundation/passenger/lib/pooloptions"
)

// MainSocketName is the socket sessions connect to.
const MainSocketName = "main"

// Spawner starts workers. Spawn must honor ctx and
// options.StartTimeoutSecs.
type Spawner interface {
	Spawn(ctx context.Context, options pooloptions.Options) (*Process, error)
}

// Reloader is implemented by spawners that cache application code. The
// pool calls Reload when a group restarts.
type Reloader interface {
	Reload(groupName string)
}

// SocketInfo describes one socket a worker listens on.
type SocketInfo struct {
	Name    string `cbor:"name" xml:"name"`
	Address string `cbor:"address" xml:"address"`
	Type    string `cbor:"type" xml:"type"`
}

// Process is a started worker as reported by a Spawner.
type Process struct {
	PID   int
	GUPID string

	// ConnectPassword is forwarded to the worker with every request.
	ConnectPassword string

	// DetachKey identifies the worker to Pool.Detach.
	DetachKey string

	Sockets []SocketInfo

	// Stop asks the worker to exit. The pool calls it once, after the
	// worker's last session is released. May be nil.
	Stop func() error
}

// Socket returns the socket called name.
func (p *Process) Socket(name string) (SocketInfo, bool) {
	for _, socket := range p.Sockets {
		if socket.Name == name {
			return socket, true
		}
	}
	return SocketInfo{}, false
}
