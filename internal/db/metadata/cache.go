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
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Cache is the expiring, tag-addressable store consumed by the registry.
//
// The registry never assumes an in-process implementation;
// any conforming key/tag store works. Cache failures are treated as misses.
type Cache interface {
	// Get returns the cached value, or (nil, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the value with the given TTL and tags.
	// Zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error

	// DeleteByTag removes every entry sharing the given tag.
	DeleteByTag(ctx context.Context, tag string) error
}

// CacheKey composes a cache key from a component name, DSN, username,
// and raw table name, so that two differently-configured connections
// never collide.
func CacheKey(component, dsn, username, rawTable string) string {
	h := md5.Sum([]byte(strings.Join([]string{component, dsn, username, rawTable}, "|")))
	return hex.EncodeToString(h[:])
}

// CacheTag composes the tag shared by every cache entry of one database
// connection, enabling bulk invalidation with a single tag delete.
func CacheTag(component, dsn, username string) string {
	h := md5.Sum([]byte(strings.Join([]string{component, dsn, username}, "|")))
	return hex.EncodeToString(h[:])
}
