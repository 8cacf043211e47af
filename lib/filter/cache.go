// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"strings"
	"sync"
)

// ListSeparator joins the filters of a transaction. A transaction is
// kept only if every filter in its list passes.
const ListSeparator = "\x01"

// DefaultCacheSize bounds a Cache created with size 0.
const DefaultCacheSize = 1024

// Cache memoizes compiled filters by source. When full, the cache is
// emptied before inserting; filter sets in practice are small and
// static, so the hit rate survives.
type Cache struct {
	mu      sync.Mutex
	size    int
	filters map[string]*Filter
}

// NewCache returns a cache holding at most size filters.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{size: size, filters: make(map[string]*Filter)}
}

// Compile returns the cached filter for source, compiling it on a miss.
// Compile errors are not cached.
func (c *Cache) Compile(source string) (*Filter, error) {
	c.mu.Lock()
	if f, ok := c.filters[source]; ok {
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := Compile(source)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) >= c.size {
		clear(c.filters)
	}
	c.filters[source] = f
	return f, nil
}

// Len reports the number of cached filters.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filters)
}

// RunList evaluates every filter in the ListSeparator-joined list
// against ctx and reports whether all pass. Empty entries are ignored.
// The first compile error is returned with a false result.
func (c *Cache) RunList(list string, ctx Context) (bool, error) {
	if list == "" {
		return true, nil
	}
	for _, source := range strings.Split(list, ListSeparator) {
		if source == "" {
			continue
		}
		f, err := c.Compile(source)
		if err != nil {
			return false, err
		}
		if !f.Run(ctx) {
			return false, nil
		}
	}
	return true, nil
}
