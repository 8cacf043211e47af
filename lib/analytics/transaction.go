// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bureau-foundation/passenger/lib/clock"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
)

// nullTransaction is returned whenever no logging agent is available.
var nullTransaction = &Transaction{}

// Null returns the transaction whose operations do nothing.
func Null() *Transaction { return nullTransaction }

// Transaction is one request's event log. Methods are safe to call on a
// null transaction and after Close. A transaction must be closed exactly
// once to return its connection to the factory.
type Transaction struct {
	factory   *Factory
	conn      *connection
	id        string
	groupName string
	category  string
	key       string

	flushOnClose bool

	// Timestamps recorded for the transaction never decrease, even when
	// the wall clock steps back.
	timeMu        sync.Mutex
	lastTimestamp uint64
}

// IsNull reports whether events are discarded.
func (t *Transaction) IsNull() bool { return t == nil || t.conn == nil }

// ID returns the transaction id, or "" for a null transaction.
func (t *Transaction) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

func (t *Transaction) GroupName() string { return t.groupName }
func (t *Transaction) Category() string  { return t.category }
func (t *Transaction) Key() string       { return t.key }

// FlushToSinkOnClose makes Close wait until the logging agent has
// written the transaction out.
func (t *Transaction) FlushToSinkOnClose(flush bool) {
	if t.IsNull() {
		return
	}
	t.flushOnClose = flush
}

// Message appends one event. Line breaks in text are replaced with
// spaces, since the logging agent rejects multi-line entries.
func (t *Transaction) Message(text string) {
	if t.IsNull() {
		return
	}
	if strings.ContainsAny(text, "\r\n") {
		text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	}

	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if !t.conn.connected() {
		return
	}
	timestamp := EncodeBase32(t.timestamp())
	channel := t.conn.channel.WithTimeout(messagechannel.NewTimeout(ioTimeout))
	err := channel.Write("log", t.id, timestamp)
	if err == nil {
		err = channel.WriteScalar([]byte(text))
	}
	if err != nil {
		t.factory.fail(t.conn, fmt.Errorf("logging to transaction %s: %w", t.id, err))
	}
}

// timestamp returns the current time in microseconds, raised to the
// latest timestamp already recorded for the transaction.
func (t *Transaction) timestamp() uint64 {
	now := clock.UnixMicro(t.factory.clock)
	t.timeMu.Lock()
	defer t.timeMu.Unlock()
	if now < t.lastTimestamp {
		return t.lastTimestamp
	}
	t.lastTimestamp = now
	return now
}

// Messagef is Message with formatting.
func (t *Transaction) Messagef(format string, args ...any) {
	if t.IsNull() {
		return
	}
	t.Message(fmt.Sprintf(format, args...))
}

// Abort records that the request was aborted.
func (t *Transaction) Abort() {
	t.Message("ABORT")
}

// Close detaches from the transaction. The logging agent persists it
// when the last attached party closes. Close on a null or already
// closed transaction does nothing.
func (t *Transaction) Close() {
	if t.IsNull() {
		return
	}
	conn := t.conn
	t.conn = nil

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.connected() {
		return
	}
	timestamp := EncodeBase32(t.timestamp())
	channel := conn.channel.WithTimeout(messagechannel.NewTimeout(ioTimeout))
	err := channel.Write("closeTransaction", t.id, timestamp)
	if err == nil && t.flushOnClose {
		channel = conn.channel.WithTimeout(messagechannel.NewTimeout(ioTimeout))
		if err = channel.Write("flush"); err == nil {
			_, err = channel.ReadExpect("ok")
		}
	}
	if err != nil {
		t.factory.fail(conn, fmt.Errorf("closing transaction %s: %w", t.id, err))
		return
	}
	t.factory.checkinConnection(conn)
}
