// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scgi parses the netstring-framed SCGI header block that the web
// server sends ahead of every request body:
//
//	<decimal length>:<key>\0<value>\0...,<body>
//
// Parser is a push parser: Feed it chunks as they arrive from the socket
// and it reports how many bytes of each chunk belonged to the header
// block. Memory use is bounded by the configured maximum header size.
package scgi
