// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpstatus turns the start of a worker's CGI-style response
// into an HTTP/1.1 status line.
//
// Workers answer with header lines, an optional "Status:" header and a
// blank line, never with a status line of their own. The request server
// feeds response bytes to an Extractor until Feed reports the header block
// complete, then writes "HTTP/1.1 " + StatusLine() followed by every byte
// fed so far, and streams the rest of the response unchanged.
package httpstatus

import (
	"bytes"
	"strings"
)

// DefaultStatusLine is used when the worker sends no Status header.
const DefaultStatusLine = "200 OK\r\n"

var headerTerminator = []byte("\r\n\r\n")

// Extractor accumulates response bytes until the header block ends.
type Extractor struct {
	buffer     []byte
	headerEnd  int
	done       bool
	statusLine string
}

// New returns an Extractor with the default status line.
func New() *Extractor {
	return &Extractor{statusLine: DefaultStatusLine}
}

// Feed appends data and reports whether the header block has been seen
// in full. Calls after Done only append.
func (e *Extractor) Feed(data []byte) bool {
	searchFrom := max(len(e.buffer)-len(headerTerminator)+1, 0)
	e.buffer = append(e.buffer, data...)
	if e.done {
		return true
	}

	index := bytes.Index(e.buffer[searchFrom:], headerTerminator)
	if index < 0 {
		return false
	}
	e.headerEnd = searchFrom + index + len(headerTerminator)
	e.done = true
	if value, ok := e.header("Status"); ok {
		if line, ok := statusLineFor(value); ok {
			e.statusLine = line
		}
	}
	return true
}

// Done reports whether the header block has been seen.
func (e *Extractor) Done() bool { return e.done }

// StatusLine returns the CRLF-terminated status line, without the
// "HTTP/1.1 " prefix.
func (e *Extractor) StatusLine() string { return e.statusLine }

// Buffer returns every byte fed so far.
func (e *Extractor) Buffer() []byte { return e.buffer }

// HeaderBlock returns the header lines including the terminating blank
// line. Empty until Done.
func (e *Extractor) HeaderBlock() []byte {
	if !e.done {
		return nil
	}
	return e.buffer[:e.headerEnd]
}

// Rest returns bytes fed after the header block.
func (e *Extractor) Rest() []byte {
	if !e.done {
		return nil
	}
	return e.buffer[e.headerEnd:]
}

// HasHeader reports whether the header block contains name, compared
// case-insensitively.
func (e *Extractor) HasHeader(name string) bool {
	_, ok := e.header(name)
	return ok
}

func (e *Extractor) header(name string) (string, bool) {
	block := e.HeaderBlock()
	for len(block) > 0 {
		end := bytes.Index(block, []byte("\r\n"))
		if end < 0 {
			end = len(block)
		}
		line := block[:end]
		block = block[min(end+2, len(block)):]

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		if strings.EqualFold(string(line[:colon]), name) {
			return strings.TrimSpace(string(line[colon+1:])), true
		}
	}
	return "", false
}

// statusLineFor builds a status line from a Status header value. A bare
// code gets its reason phrase; "code reason" is kept as sent. Values not
// starting with a three-digit code are rejected.
func statusLineFor(value string) (string, bool) {
	if len(value) < 3 || !isDigits(value[:3]) {
		return "", false
	}
	if len(value) == 3 {
		return value + " " + ReasonPhrase(atoi3(value)) + "\r\n", true
	}
	if value[3] != ' ' {
		return "", false
	}
	if strings.TrimSpace(value[4:]) == "" {
		return value[:3] + " " + ReasonPhrase(atoi3(value)) + "\r\n", true
	}
	return value + "\r\n", true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func atoi3(s string) int {
	return int(s[0]-'0')*100 + int(s[1]-'0')*10 + int(s[2]-'0')
}
