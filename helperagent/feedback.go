// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"fmt"
	"net"
	"sync"

	"github.com/bureau-foundation/passenger/lib/fdesc"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
)

// Messages sent on the feedback channel.
const (
	FeedbackInitialized         = "initialized"
	FeedbackInitializationError = "initialization error"
)

// Feedback is the channel to the process that started the agent. The
// agent reports startup on it, and its end-of-file means the parent,
// the watchdog, is gone.
type Feedback struct {
	channel *messagechannel.Channel

	once sync.Once
	gone chan struct{}
}

// OpenFeedback adopts the inherited socket descriptor fd.
func OpenFeedback(fd int) (*Feedback, error) {
	file := fdesc.New(fd).File("feedback")
	if file == nil {
		return nil, fmt.Errorf("feedback descriptor %d is not open", fd)
	}
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("feedback descriptor %d: %w", fd, err)
	}
	return NewFeedback(conn), nil
}

// NewFeedback wraps an established feedback connection.
func NewFeedback(conn net.Conn) *Feedback {
	return &Feedback{channel: messagechannel.New(conn), gone: make(chan struct{})}
}

// Initialized reports a successful start and the paths of both sockets.
func (f *Feedback) Initialized(requestSocket, messageSocket string) error {
	return f.channel.Write(FeedbackInitialized, requestSocket, messageSocket)
}

// InitializationError reports a failed start.
func (f *Feedback) InitializationError(cause error) error {
	return f.channel.Write(FeedbackInitializationError, cause.Error())
}

// WatchdogGone returns a channel closed once the parent closes its end.
// Anything the parent sends is ignored.
func (f *Feedback) WatchdogGone() <-chan struct{} {
	f.once.Do(func() {
		go func() {
			defer close(f.gone)
			for {
				if _, err := f.channel.Read(); err != nil {
					return
				}
			}
		}()
	})
	return f.gone
}

// Close closes the channel.
func (f *Feedback) Close() error {
	return f.channel.Close()
}
