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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/internal/util/testutil"
)

func TestMemCache(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c := NewMemCache()

	v, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), 0, []string{"t1"}))
	require.NoError(t, c.Set(ctx, "k2", []byte("v2"), 0, []string{"t1", "t2"}))
	require.NoError(t, c.Set(ctx, "k3", []byte("v3"), 0, []string{"t3"}))

	v, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	// overwrite
	require.NoError(t, c.Set(ctx, "k1", []byte("v1b"), 0, []string{"t1"}))

	v, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1b"), v)

	require.NoError(t, c.DeleteByTag(ctx, "t1"))
	assert.Equal(t, 1, c.Len())

	v, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = c.Get(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), v)
}

func TestMemCacheTTL(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c := NewMemCache()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond, nil))

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	time.Sleep(20 * time.Millisecond)

	v, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 0, c.Len())
}

func TestCacheKeys(t *testing.T) {
	t.Parallel()

	k1 := CacheKey("metadata", "postgres://a/db", "u", "users")
	k2 := CacheKey("metadata", "postgres://a/db", "u", "posts")
	k3 := CacheKey("metadata", "postgres://b/db", "u", "users")

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 32)

	tag1 := CacheTag("metadata", "postgres://a/db", "u")
	tag2 := CacheTag("metadata", "postgres://b/db", "u")
	assert.NotEqual(t, tag1, tag2)
}
