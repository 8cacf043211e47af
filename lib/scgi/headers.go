// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scgi

import "strconv"

// Headers is an insertion-ordered, case-sensitive header map. Setting an
// existing key replaces its value in place.
type Headers struct {
	keys   []string
	values map[string]string
}

// NewHeaders returns an empty map.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

// Get returns the value of key or "".
func (h *Headers) Get(key string) string { return h.values[key] }

// Lookup returns the value of key and whether it is present.
func (h *Headers) Lookup(key string) (string, bool) {
	value, ok := h.values[key]
	return value, ok
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	_, ok := h.values[key]
	return ok
}

// Set adds or replaces key.
func (h *Headers) Set(key, value string) {
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Delete removes key.
func (h *Headers) Delete(key string) {
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, existing := range h.keys {
		if existing == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of headers.
func (h *Headers) Len() int { return len(h.keys) }

// Each calls fn for every header in insertion order.
func (h *Headers) Each(fn func(key, value string)) {
	for _, key := range h.keys {
		fn(key, h.values[key])
	}
}

// Pairs returns the headers as an alternating name, value list.
func (h *Headers) Pairs() []string {
	pairs := make([]string, 0, 2*len(h.keys))
	for _, key := range h.keys {
		pairs = append(pairs, key, h.values[key])
	}
	return pairs
}

// AppendData appends the NUL-separated header block to dst.
func (h *Headers) AppendData(dst []byte) []byte {
	for _, key := range h.keys {
		dst = append(dst, key...)
		dst = append(dst, 0)
		dst = append(dst, h.values[key]...)
		dst = append(dst, 0)
	}
	return dst
}

// Frame encodes headers as a complete netstring: "<len>:<data>,".
func Frame(h *Headers) []byte {
	data := h.AppendData(nil)
	frame := strconv.AppendInt(nil, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)
	return append(frame, ',')
}

// ParseHeaderData decodes a NUL-separated header block, the form
// workers receive from the request server.
func ParseHeaderData(data []byte) (*Headers, error) {
	headers, ok := parseHeaderData(data)
	if !ok {
		return nil, &ParseError{Reason: InvalidHeaderData}
	}
	return headers, nil
}
