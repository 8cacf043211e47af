// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdesc shares ownership of a raw OS file descriptor between
// several holders and closes it exactly once.
//
// Descriptors received over a Unix socket, or handed to the agent by its
// parent (the feedback descriptor), are not owned by any *os.File or
// net.Conn. A Descriptor wraps such a handle in a shared control block:
// Share adds a holder, Release drops one, and the last Release closes the
// handle. Close closes it immediately; every holder then observes
// IsClosed.
package fdesc

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Closed is the integer value of a closed or null Descriptor.
const Closed = -1

// Descriptor is a shared reference to an OS handle. The zero value is a
// null descriptor. Descriptors are cheap to copy; copying does not add a
// holder, Share does.
type Descriptor struct {
	block *controlBlock
}

type controlBlock struct {
	mu      sync.Mutex
	fd      int
	holders atomic.Int32
}

// New adopts fd. The returned Descriptor is the only holder.
func New(fd int) Descriptor {
	if fd < 0 {
		return Descriptor{}
	}
	block := &controlBlock{fd: fd}
	block.holders.Store(1)
	return Descriptor{block: block}
}

// Share registers another holder and returns its reference.
func (d Descriptor) Share() Descriptor {
	if d.block != nil {
		d.block.holders.Add(1)
	}
	return d
}

// Release drops one holder; the last one closes the handle.
func (d Descriptor) Release() {
	if d.block == nil {
		return
	}
	if d.block.holders.Add(-1) == 0 {
		d.Close()
	}
}

// Int returns the handle for use in system calls, or Closed.
func (d Descriptor) Int() int {
	if d.block == nil {
		return Closed
	}
	d.block.mu.Lock()
	defer d.block.mu.Unlock()
	return d.block.fd
}

// IsClosed reports whether the handle has been closed or is null.
func (d Descriptor) IsClosed() bool {
	return d.Int() == Closed
}

// Close closes the handle for all holders. The descriptor is marked
// closed before close(2) runs, so no holder can use the number after the
// kernel recycles it. A failing close(2) is logged and returned; the
// descriptor stays closed either way.
func (d Descriptor) Close() error {
	if d.block == nil {
		return nil
	}
	d.block.mu.Lock()
	fd := d.block.fd
	d.block.fd = Closed
	if fd == Closed {
		d.block.mu.Unlock()
		return nil
	}
	err := unix.Close(fd)
	d.block.mu.Unlock()

	if err != nil {
		slog.Warn("closing file descriptor", "fd", fd, "error", err)
		return fmt.Errorf("closing fd %d: %w", fd, err)
	}
	return nil
}

// File hands the handle over to an *os.File, which takes ownership.
// Holders observe the descriptor as closed afterwards.
func (d Descriptor) File(name string) *os.File {
	if d.block == nil {
		return nil
	}
	d.block.mu.Lock()
	defer d.block.mu.Unlock()
	if d.block.fd == Closed {
		return nil
	}
	file := os.NewFile(uintptr(d.block.fd), name)
	d.block.fd = Closed
	return file
}
