// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package helperagent is the request-forwarding core of the helper
// agent.
//
// The web server connects to the request socket, sends the request
// socket password and an SCGI-framed request, and streams the body.
// The agent derives pool options from the SCGI headers, checks a worker
// out of the application pool, forwards the request and relays the
// worker's CGI-style response back as an HTTP/1.1 response.
//
// A second socket, the message socket, carries authenticated control
// commands (exit, clear, setMax, inspect, toXml, status, ...). See
// [Server.Serve] for the shutdown modes.
package helperagent
