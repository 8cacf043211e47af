// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the agent's CBOR configuration.
//
// The request and message sockets speak the Passenger argument-list
// protocol; CBOR is used only where the agent hands structured data to
// its own tooling: the "status" command's snapshot payload, which
// passenger-status decodes, and the agent state file written into the
// generation directory.
//
// Encoding is Core Deterministic (RFC 8949 §4.2), so the same snapshot
// always produces the same bytes. Types that are only ever CBOR carry
// `cbor` struct tags; types also printed as JSON by passenger-status
// carry `json` tags, which fxamacker/cbor honours as a fallback.
package codec
