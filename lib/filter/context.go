// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/bureau-foundation/passenger/lib/analytics"
)

// Context supplies the values a filter reads. Times are microseconds.
type Context interface {
	URI() string
	Controller() string
	ResponseTime() int64
	Status() string
	StatusCode() int
	GCTime() int64
	HasHint(name string) bool
}

// SimpleContext is a Context with fixed values.
type SimpleContext struct {
	RequestURI       string
	ControllerName   string
	ResponseTimeUsec int64
	StatusText       string
	Code             int
	GCTimeUsec       int64
	Hints            map[string]bool
}

func (c *SimpleContext) URI() string              { return c.RequestURI }
func (c *SimpleContext) Controller() string       { return c.ControllerName }
func (c *SimpleContext) ResponseTime() int64      { return c.ResponseTimeUsec }
func (c *SimpleContext) Status() string           { return c.StatusText }
func (c *SimpleContext) StatusCode() int          { return c.Code }
func (c *SimpleContext) GCTime() int64            { return c.GCTimeUsec }
func (c *SimpleContext) HasHint(name string) bool { return c.Hints[name] }

// LogContext derives a Context from the buffered lines of a transaction.
// Each line has the form "<txnID> <timestamp> <writeCount> <message>" with
// base-32 timestamp and counter. The data is parsed on first access.
type LogContext struct {
	data []byte
	once sync.Once

	uri          string
	controller   string
	status       string
	statusCode   int
	responseTime int64
	gcTime       int64
}

// NewLogContext returns a context over data. The slice must not be
// modified afterwards.
func NewLogContext(data []byte) *LogContext {
	return &LogContext{data: data}
}

func (c *LogContext) URI() string              { c.once.Do(c.parse); return c.uri }
func (c *LogContext) Controller() string       { c.once.Do(c.parse); return c.controller }
func (c *LogContext) ResponseTime() int64      { c.once.Do(c.parse); return c.responseTime }
func (c *LogContext) Status() string           { c.once.Do(c.parse); return c.status }
func (c *LogContext) StatusCode() int          { c.once.Do(c.parse); return c.statusCode }
func (c *LogContext) GCTime() int64            { c.once.Do(c.parse); return c.gcTime }
func (c *LogContext) HasHint(name string) bool { return false }

func (c *LogContext) parse() {
	var (
		start, end         uint64
		initialGC, finalGC int64
	)
	data := c.data
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}

		fields := strings.SplitN(string(line), " ", 4)
		if len(fields) != 4 {
			continue
		}
		timestamp, err := analytics.DecodeBase32(fields[1])
		if err != nil {
			continue
		}
		message := fields[3]
		switch {
		case strings.HasPrefix(message, "BEGIN: request processing"):
			start = eventTimestamp(message, timestamp)
		case strings.HasPrefix(message, "END: request processing"),
			strings.HasPrefix(message, "FAIL: request processing"):
			end = eventTimestamp(message, timestamp)
		case strings.HasPrefix(message, "URI: "):
			c.uri = strings.TrimPrefix(message, "URI: ")
		case strings.HasPrefix(message, "Controller action: "):
			action := strings.TrimPrefix(message, "Controller action: ")
			if i := strings.IndexByte(action, '#'); i >= 0 {
				action = action[:i]
			}
			c.controller = action
		case strings.HasPrefix(message, "Status: "):
			c.status = strings.TrimPrefix(message, "Status: ")
			code := c.status
			if i := strings.IndexByte(code, ' '); i >= 0 {
				code = code[:i]
			}
			c.statusCode, _ = strconv.Atoi(code)
		case strings.HasPrefix(message, "Initial GC time: "):
			initialGC, _ = strconv.ParseInt(strings.TrimPrefix(message, "Initial GC time: "), 10, 64)
		case strings.HasPrefix(message, "Final GC time: "):
			finalGC, _ = strconv.ParseInt(strings.TrimPrefix(message, "Final GC time: "), 10, 64)
		}
	}

	// Without both ends of the request processing scope the response
	// time is unknown and stays 0.
	if start != 0 && end != 0 {
		c.responseTime = int64(end) - int64(start)
	}
	if finalGC != 0 {
		c.gcTime = finalGC - initialGC
	}
}

// eventTimestamp reads the timestamp recorded inside an event message,
// "BEGIN: request processing (<usec>,<utime>,<stime>)", falling back to
// the line's own timestamp.
func eventTimestamp(message string, fallback uint64) uint64 {
	open := strings.IndexByte(message, '(')
	if open < 0 {
		return fallback
	}
	rest := message[open+1:]
	if i := strings.IndexAny(rest, ",)"); i >= 0 {
		rest = rest[:i]
	}
	timestamp, err := analytics.DecodeBase32(rest)
	if err != nil {
		return fallback
	}
	return timestamp
}
