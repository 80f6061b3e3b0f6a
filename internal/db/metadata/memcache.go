// Copyright 2024 Stratum Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metadata

import (
	"context"
	"slices"
	"sync"
	"time"
)

// memEntry is a single in-memory cache entry.
type memEntry struct {
	value     []byte
	tags      []string
	expiresAt time.Time // zero means no expiry
}

// MemCache is an in-memory [Cache] implementation with lazy expiry.
//
// It is safe for concurrent use.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemCache returns an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{
		entries: map[string]memEntry{},
	}
}

// Get implements [Cache].
func (c *MemCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}

	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}

	return e.value, nil
}

// Set implements [Cache].
func (c *MemCache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memEntry{
		value: value,
		tags:  slices.Clone(tags),
	}

	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	c.entries[key] = e

	return nil
}

// DeleteByTag implements [Cache].
func (c *MemCache) DeleteByTag(_ context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if slices.Contains(e.tags, tag) {
			delete(c.entries, key)
		}
	}

	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// check interfaces
var (
	_ Cache = (*MemCache)(nil)
)
