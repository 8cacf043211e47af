// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Scope brackets a timed section of a transaction. It logs
// "BEGIN: <name> (<usec>,<utime>,<stime>)" when opened and END or FAIL
// with the same shape when closed, all three values in base 32
// microseconds. Processor times come from getrusage(RUSAGE_SELF).
type Scope struct {
	transaction *Transaction
	name        string
	ok          bool
	closed      bool
}

// Scope opens a scope named name. Call Success before Close to log END
// rather than FAIL:
//
//	scope := txn.Scope("request proxying")
//	defer scope.Close()
//	...
//	scope.Success()
func (t *Transaction) Scope(name string) *Scope {
	s := &Scope{transaction: t, name: name}
	if !t.IsNull() {
		t.Message(s.record("BEGIN: "))
	}
	return s
}

// Success marks the scope as completed.
func (s *Scope) Success() { s.ok = true }

// Close logs the end of the scope. Only the first call has an effect.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.transaction.IsNull() {
		return
	}
	prefix := "FAIL: "
	if s.ok {
		prefix = "END: "
	}
	s.transaction.Message(s.record(prefix))
}

func (s *Scope) record(prefix string) string {
	var usage unix.Rusage
	var utime, stime uint64
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err == nil {
		utime = timevalMicros(usage.Utime)
		stime = timevalMicros(usage.Stime)
	}
	now := s.transaction.timestamp()

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(s.name)
	b.WriteString(" (")
	b.WriteString(EncodeBase32(now))
	b.WriteByte(',')
	b.WriteString(EncodeBase32(utime))
	b.WriteByte(',')
	b.WriteString(EncodeBase32(stime))
	b.WriteByte(')')
	return b.String()
}

func timevalMicros(tv unix.Timeval) uint64 {
	return uint64(int64(tv.Sec))*1_000_000 + uint64(int64(tv.Usec))
}
