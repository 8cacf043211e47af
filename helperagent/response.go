// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"bytes"
	"strconv"

	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/version"
)

const (
	productName = "Phusion Passenger"

	genericErrorBody = "<h1>Internal Server Error (500)</h1>"
)

// spawnErrorResponse renders the 500 response for a failed spawn. A
// friendly response shows the application's error page, or the error
// message when it printed none.
func spawnErrorResponse(spawnErr *apppool.SpawnError, printStatusLine, friendly bool) []byte {
	body := genericErrorBody
	if friendly {
		body = spawnErr.ErrorPage
		if !spawnErr.HasErrorPage() {
			body = spawnErr.Error()
		}
	}

	var b bytes.Buffer
	if printStatusLine {
		b.WriteString("HTTP/1.1 500 Internal Server Error\r\n")
	}
	b.WriteString("Status: 500 Internal Server Error\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}

// serverHeader is the Server header value added to responses that lack
// one.
func serverHeader(serverSoftware string, showVersion bool) string {
	value := productName
	if showVersion {
		value += " " + version.Version
	}
	if serverSoftware == "" {
		return value
	}
	return serverSoftware + " + " + value
}

// withHeader inserts "name: value" before the blank line ending
// headerBlock. A block holding only the terminator gets the header as
// its single line.
func withHeader(headerBlock []byte, name, value string) []byte {
	lines := bytes.TrimRight(headerBlock, "\r\n")
	result := make([]byte, 0, len(lines)+len(name)+len(value)+8)
	if len(lines) > 0 {
		result = append(result, lines...)
		result = append(result, "\r\n"...)
	}
	result = append(result, name...)
	result = append(result, ": "...)
	result = append(result, value...)
	result = append(result, "\r\n\r\n"...)
	return result
}
