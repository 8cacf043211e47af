// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/netutil"
)

// Session is one request's connection to a checked-out worker. The
// worker is released exactly once, by Close; callers defer Close right
// after Checkout.
//
// Headers go first, as a single scalar, then the body, then
// ShutdownWriter, after which the response is read from Stream.
//
// With a worker timeout configured, every write and every read of the
// stream must make progress within it. A timed-out session is marked
// failed, so its worker is retired on Close.
type Session struct {
	pool    *Pool
	worker  *worker
	conn    net.Conn
	channel *messagechannel.Channel
	timeout time.Duration

	mu           sync.Mutex
	writerClosed bool
	failed       bool
	closed       bool
}

type halfCloser interface {
	CloseWrite() error
}

func (p *Pool) connect(ctx context.Context, w *worker) (*Session, error) {
	socket, ok := w.process.Socket(MainSocketName)
	if !ok {
		return nil, errors.New("worker has no main socket")
	}
	conn, err := netutil.Dial(ctx, socket.Address)
	if err != nil {
		return nil, err
	}
	return &Session{
		pool:    p,
		worker:  w,
		conn:    conn,
		channel: messagechannel.New(conn),
		timeout: p.workerTimeout,
	}, nil
}

// PID returns the worker's process id.
func (s *Session) PID() int { return s.worker.process.PID }

// GUPID returns the worker's globally unique process id.
func (s *Session) GUPID() string { return s.worker.process.GUPID }

// ConnectPassword returns the password the worker expects in the
// request headers.
func (s *Session) ConnectPassword() string { return s.worker.process.ConnectPassword }

// GroupName returns the name of the worker's group.
func (s *Session) GroupName() string { return s.worker.group.name }

// SendHeaders writes the request header block.
func (s *Session) SendHeaders(headers []byte) error {
	s.extendDeadline()
	if err := s.channel.WriteScalar(headers); err != nil {
		s.failOnTimeout(err)
		return fmt.Errorf("sending request headers to worker %d: %w", s.PID(), err)
	}
	return nil
}

// SendBodyBlock writes part of the request body. It may be called any
// number of times after SendHeaders.
func (s *Session) SendBodyBlock(block []byte) error {
	s.extendDeadline()
	if _, err := s.conn.Write(block); err != nil {
		s.failOnTimeout(err)
		return fmt.Errorf("sending request body to worker %d: %w", s.PID(), err)
	}
	return nil
}

// ShutdownWriter half-closes the connection so the worker sees the end
// of the request.
func (s *Session) ShutdownWriter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownWriterLocked()
}

func (s *Session) shutdownWriterLocked() error {
	if s.writerClosed {
		return nil
	}
	s.writerClosed = true
	closer, ok := s.conn.(halfCloser)
	if !ok {
		return nil
	}
	if err := closer.CloseWrite(); err != nil {
		return fmt.Errorf("shutting down writer to worker %d: %w", s.PID(), err)
	}
	return nil
}

// Stream returns the worker's response stream.
func (s *Session) Stream() io.Reader { return sessionStream{s} }

type sessionStream struct{ session *Session }

func (r sessionStream) Read(p []byte) (int, error) {
	r.session.extendDeadline()
	n, err := r.session.conn.Read(p)
	if err != nil {
		r.session.failOnTimeout(err)
	}
	return n, err
}

// SetDeadline bounds all further I/O on the session, overriding the
// worker timeout until the next operation extends it.
func (s *Session) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// extendDeadline gives the next operation the full worker timeout.
func (s *Session) extendDeadline() {
	if s.timeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
}

func (s *Session) failOnTimeout(err error) {
	if netutil.IsTimeout(err) {
		s.Fail()
	}
}

// Fail marks the worker broken; Close then retires it instead of making
// it available again.
func (s *Session) Fail() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// Close shuts down the connection and releases the worker. Calls after
// the first do nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.shutdownWriterLocked()
	failed := s.failed
	s.mu.Unlock()

	err := s.conn.Close()

	s.pool.mu.Lock()
	s.pool.releaseLocked(s.worker, true, failed)
	s.pool.mu.Unlock()
	return err
}
