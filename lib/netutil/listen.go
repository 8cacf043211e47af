// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"fmt"
	"io/fs"
	"net"
	"os"
)

// PublicSocketMode lets every local user connect while the sticky bit
// keeps them from removing or replacing the socket.
const PublicSocketMode = fs.ModeSticky | 0o777

// ListenUnix removes any stale socket at path, listens on it and sets
// its permissions to mode. The socket file is removed when the listener
// is closed.
func ListenUnix(path string, mode fs.FileMode) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	listener.SetUnlinkOnClose(true)
	if err := os.Chmod(path, mode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return listener, nil
}
