// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps the agent's credentials out of the Go heap.
//
// The request socket password, the message server account passwords and
// the logging agent password live in a Buffer: an anonymous mmap region
// locked into RAM (mlock) and excluded from core dumps (MADV_DONTDUMP).
// Close zeroes and unmaps it. Equal compares in constant time so
// authentication does not leak the position of the first mismatch.
package secret
