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

package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/internal/driver"
)

func testResult() *driver.Result {
	return &driver.Result{
		Columns: []string{"id", "name", "active"},
		Rows: [][]any{
			{int64(1), "apple", true},
			{int64(2), "pear", false},
			{int64(3), "plum", true},
		},
	}
}

func TestDataReader(t *testing.T) {
	t.Parallel()

	r := newDataReader(testResult())

	assert.Equal(t, []string{"id", "name", "active"}, r.Columns())
	assert.Equal(t, 3, r.Len())

	assert.Equal(t, []any{int64(1), "apple", true}, r.Read())
	assert.Equal(t, []any{int64(2), "pear", false}, r.Read())
	assert.Equal(t, []any{int64(3), "plum", true}, r.Read())
	assert.Nil(t, r.Read())
	assert.Nil(t, r.Read())

	r.Rewind()
	assert.Equal(t, []any{int64(1), "apple", true}, r.Read())

	// ReadAll returns the remaining rows only
	assert.Equal(t, [][]any{
		{int64(2), "pear", false},
		{int64(3), "plum", true},
	}, r.ReadAll())
	assert.Nil(t, r.Read())
}

func TestDataReaderColumn(t *testing.T) {
	t.Parallel()

	r := newDataReader(testResult())

	assert.Equal(t, "apple", r.ReadColumn(1))
	assert.Equal(t, int64(2), r.ReadColumn(0))
	assert.Nil(t, r.ReadColumn(99))
	assert.Nil(t, r.ReadColumn(0))
}

func TestDataReaderEmpty(t *testing.T) {
	t.Parallel()

	r := newDataReader(nil)

	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Read())
	assert.Empty(t, r.ReadAll())
}

func TestReadScan(t *testing.T) {
	t.Parallel()

	r := newDataReader(testResult())

	var (
		id     int64
		name   string
		active bool
	)

	ok, err := r.ReadScan(&id, &name, &active)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "apple", name)
	assert.True(t, active)

	// fewer destinations than columns is allowed
	ok, err = r.ReadScan(&id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	var v any
	ok, err = r.ReadScan(&v)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	ok, err = r.ReadScan(&id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadScanErrors(t *testing.T) {
	t.Parallel()

	r := newDataReader(testResult())

	var a, b, c, d int64
	_, err := r.ReadScan(&a, &b, &c, &d)
	assert.Error(t, err)

	r.Rewind()

	var s struct{}
	_, err = r.ReadScan(&s)
	assert.Error(t, err)

	r.Rewind()

	var n int64
	_, err = r.ReadScan(&n, &n, &n)
	assert.Error(t, err) // "apple" into int64
}
