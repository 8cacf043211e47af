// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messagechannel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/passenger/lib/netutil"
)

// MaxArgumentListSize is the largest encodable argument list body.
const MaxArgumentListSize = 0xffff

var (
	// ErrTimeout is returned when a Timeout budget runs out.
	ErrTimeout = errors.New("messagechannel: timed out")

	// ErrSecurity is returned when a peer announces a scalar larger than
	// the caller allowed.
	ErrSecurity = errors.New("messagechannel: size limit exceeded")

	// ErrTooLarge is returned when an outgoing argument list does not fit
	// the 16-bit size prefix.
	ErrTooLarge = errors.New("messagechannel: argument list too large")
)

// Timeout is a time budget shared by consecutive channel operations.
type Timeout struct {
	Remaining time.Duration
}

// NewTimeout returns a budget of d.
func NewTimeout(d time.Duration) *Timeout {
	return &Timeout{Remaining: d}
}

// Channel frames records over a connected stream. Reads and writes may
// proceed concurrently with each other, but concurrent readers (or
// concurrent writers) must synchronize externally.
type Channel struct {
	conn   net.Conn
	budget *Timeout
}

// New wraps conn.
func New(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Conn returns the underlying connection.
func (c *Channel) Conn() net.Conn { return c.conn }

// Close closes the underlying connection.
func (c *Channel) Close() error { return c.conn.Close() }

// WithTimeout returns a view of the channel whose operations consume
// budget. The view shares the connection.
func (c *Channel) WithTimeout(budget *Timeout) *Channel {
	return &Channel{conn: c.conn, budget: budget}
}

// Write sends one argument list.
func (c *Channel) Write(args ...string) error {
	size := 0
	for _, arg := range args {
		size += len(arg) + 1
	}
	if size > MaxArgumentListSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	message := make([]byte, 2, 2+size)
	binary.BigEndian.PutUint16(message, uint16(size))
	for _, arg := range args {
		message = append(message, arg...)
		message = append(message, 0)
	}
	return c.write(message)
}

// Read receives one argument list. A peer that closed cleanly at a record
// boundary yields io.EOF; a peer that closed mid-record yields
// io.ErrUnexpectedEOF.
func (c *Channel) Read() ([]string, error) {
	var header [2]byte
	if err := c.readFull(header[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(header[:]))
	body := make([]byte, size)
	if err := c.readFull(body); err != nil {
		return nil, unexpected(err)
	}
	return splitFields(body), nil
}

// ReadExpect reads one argument list and checks that it starts with
// the given fields.
func (c *Channel) ReadExpect(want ...string) ([]string, error) {
	args, err := c.Read()
	if err != nil {
		return nil, err
	}
	if len(args) < len(want) {
		return args, fmt.Errorf("unexpected reply %q, want %q", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			return args, fmt.Errorf("unexpected reply %q, want %q", args, want)
		}
	}
	return args, nil
}

// WriteScalar sends data as a scalar record.
func (c *Channel) WriteScalar(data []byte) error {
	message := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(message, uint32(len(data)))
	message = append(message, data...)
	return c.write(message)
}

// ReadScalar receives a scalar record. When maxSize is positive, a larger
// announced size fails with ErrSecurity before any payload is read.
func (c *Channel) ReadScalar(maxSize int) ([]byte, error) {
	size, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(size) > int64(maxSize) {
		return nil, fmt.Errorf("%w: scalar of %d bytes exceeds %d", ErrSecurity, size, maxSize)
	}
	data := make([]byte, size)
	if err := c.readFull(data); err != nil {
		return nil, unexpected(err)
	}
	return data, nil
}

// WriteUint32 sends a raw big-endian integer.
func (c *Channel) WriteUint32(value uint32) error {
	var buffer [4]byte
	binary.BigEndian.PutUint32(buffer[:], value)
	return c.write(buffer[:])
}

// ReadUint32 receives a raw big-endian integer.
func (c *Channel) ReadUint32() (uint32, error) {
	var buffer [4]byte
	if err := c.readFull(buffer[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buffer[:]), nil
}

// ReadFull reads exactly len(p) raw bytes, as used for the fixed-size
// request socket password.
func (c *Channel) ReadFull(p []byte) error {
	return c.readFull(p)
}

func (c *Channel) write(p []byte) error {
	return c.withDeadline(func() error {
		if _, err := c.conn.Write(p); err != nil {
			return fmt.Errorf("writing message: %w", err)
		}
		return nil
	})
}

// readFull reports io.EOF only when no byte of p was read.
func (c *Channel) readFull(p []byte) error {
	return c.withDeadline(func() error {
		_, err := io.ReadFull(c.conn, p)
		return err
	})
}

func (c *Channel) withDeadline(operation func() error) error {
	if c.budget == nil {
		return operation()
	}
	if c.budget.Remaining <= 0 {
		return ErrTimeout
	}
	start := time.Now()
	if err := c.conn.SetDeadline(start.Add(c.budget.Remaining)); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}
	err := operation()
	c.conn.SetDeadline(time.Time{})

	c.budget.Remaining -= time.Since(start)
	if c.budget.Remaining < 0 {
		c.budget.Remaining = 0
	}
	if err != nil && netutil.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func splitFields(body []byte) []string {
	var fields []string
	for len(body) > 0 {
		end := bytes.IndexByte(body, 0)
		if end < 0 {
			fields = append(fields, string(body))
			break
		}
		fields = append(fields, string(body[:end]))
		body = body[end+1:]
	}
	return fields
}
