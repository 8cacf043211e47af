// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loggingserver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// sink is an open, buffered log file.
type sink struct {
	path        string
	file        *os.File
	writer      *bufio.Writer
	lastUsed    time.Time
	lastFlushed time.Time
	written     int64
}

func openSink(path string, now time.Time) (*sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &sink{
		path:        path,
		file:        file,
		writer:      bufio.NewWriterSize(file, 64*1024),
		lastUsed:    now,
		lastFlushed: now,
	}, nil
}

func (s *sink) append(data []byte, now time.Time) error {
	s.lastUsed = now
	n, err := s.writer.Write(data)
	s.written += int64(n)
	return err
}

func (s *sink) flush(now time.Time) error {
	s.lastFlushed = now
	return s.writer.Flush()
}

func (s *sink) close() error {
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
