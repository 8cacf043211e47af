// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Socket address types advertised by workers.
const (
	TypeUnix = "unix"
	TypeTCP  = "tcp"
)

// ParseAddress splits "unix:/path" or "tcp://host:port" into a network
// and address suitable for net.Dial.
func ParseAddress(address string) (network, target string, err error) {
	switch {
	case strings.HasPrefix(address, "unix:"):
		return TypeUnix, strings.TrimPrefix(address, "unix:"), nil
	case strings.HasPrefix(address, "tcp://"):
		return TypeTCP, strings.TrimPrefix(address, "tcp://"), nil
	}
	return "", "", fmt.Errorf("unsupported socket address %q", address)
}

// Dial connects to a worker or logging agent socket address.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	network, target, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	return conn, nil
}
