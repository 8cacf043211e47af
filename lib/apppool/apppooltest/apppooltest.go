// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apppooltest provides in-process fake workers and a spawner
// producing them, for tests of the pool and the request server.
//
// A fake worker reads the header scalar and the body of each session,
// then answers with a CGI-style response whose body echoes what it
// received:
//
//	Status: 200
//	Content-Type: text/plain
//	X-Worker-Pid: <pid>
//
//	<headers scalar length> <body>
package apppooltest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/pooloptions"
	"github.com/bureau-foundation/passenger/lib/scgi"
)

// Request is what a fake worker received in one session.
type Request struct {
	PID     int
	Headers *scgi.Headers
	Body    []byte
}

// Handler writes a response for request to w. Nil selects the echo
// response described in the package comment.
type Handler func(request Request, w io.Writer)

// Spawner starts fake workers listening under Dir.
type Spawner struct {
	Dir     string
	Handler Handler

	// Gate, when set, blocks each Spawn until a value is received or the
	// spawn's context ends.
	Gate chan struct{}

	// Err, when set, makes Spawn fail with it.
	Err error

	// Requests receives every handled request when non-nil.
	Requests chan Request

	nextPID atomic.Int64
	spawns  atomic.Int64
	reloads atomic.Int64

	mu      sync.Mutex
	workers map[int]*Worker
}

// Spawns returns how many workers were started.
func (s *Spawner) Spawns() int { return int(s.spawns.Load()) }

// Reloads returns how many times the pool asked for a reload.
func (s *Spawner) Reloads() int { return int(s.reloads.Load()) }

// Reload implements apppool.Reloader.
func (s *Spawner) Reload(string) { s.reloads.Add(1) }

// Worker returns the running worker with pid.
func (s *Spawner) Worker(pid int) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[pid]
}

// Spawn implements apppool.Spawner.
func (s *Spawner) Spawn(ctx context.Context, options pooloptions.Options) (*apppool.Process, error) {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	pid := int(s.nextPID.Add(1)) + 1000
	path := filepath.Join(s.Dir, fmt.Sprintf("worker-%d.sock", pid))
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	worker := &Worker{
		PID:       pid,
		DetachKey: uuid.NewString(),
		spawner:   s,
		listener:  listener,
		stopped:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.workers == nil {
		s.workers = make(map[int]*Worker)
	}
	s.workers[pid] = worker
	s.mu.Unlock()
	s.spawns.Add(1)

	go worker.serve()
	return &apppool.Process{
		PID:             pid,
		GUPID:           uuid.NewString(),
		ConnectPassword: "password-" + fmt.Sprint(pid),
		DetachKey:       worker.DetachKey,
		Sockets: []apppool.SocketInfo{
			{Name: apppool.MainSocketName, Address: "unix:" + path, Type: "unix"},
		},
		Stop: worker.Stop,
	}, nil
}

// Worker is one fake worker process.
type Worker struct {
	PID       int
	DetachKey string

	spawner  *Spawner
	listener net.Listener
	handled  atomic.Int64
	stopOnce sync.Once
	stopped  chan struct{}
}

// Stopped is closed once the pool stopped the worker.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }

// Handled returns how many sessions the worker served.
func (w *Worker) Handled() int { return int(w.handled.Load()) }

// Stop closes the worker's socket.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		w.listener.Close()
		close(w.stopped)
	})
	return nil
}

func (w *Worker) serve() {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			return
		}
		go w.handle(conn)
	}
}

func (w *Worker) handle(conn net.Conn) {
	defer conn.Close()
	channel := messagechannel.New(conn)
	block, err := channel.ReadScalar(1 << 20)
	if err != nil {
		return
	}
	headers, err := scgi.ParseHeaderData(block)
	if err != nil {
		headers = scgi.NewHeaders()
	}
	body, err := io.ReadAll(conn)
	if err != nil && !errors.Is(err, io.EOF) {
		return
	}
	w.handled.Add(1)

	request := Request{PID: w.PID, Headers: headers, Body: body}
	if w.spawner.Requests != nil {
		w.spawner.Requests <- request
	}
	if w.spawner.Handler != nil {
		w.spawner.Handler(request, conn)
		return
	}
	fmt.Fprintf(conn, "Status: 200\r\nContent-Type: text/plain\r\nX-Worker-Pid: %d\r\n\r\n%d %s",
		w.PID, len(block), body)
}
