// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messageserver serves authenticated administrative commands
// over a Unix socket using the framed message channel protocol.
//
// Every connection starts with a login: the client sends its username
// and password as two scalar messages and the server answers "ok" or a
// reason and closes. After that the client sends argument lists whose
// first element names a command. Handlers check rights themselves with
// [Client.RequireRights], which answers "Passed security" or
// "SecurityException"; a rights failure leaves the connection open so
// the client can go on with another command.
package messageserver
