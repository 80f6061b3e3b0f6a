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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stratumdb/stratum/internal/db/metadata"
	"github.com/stratumdb/stratum/internal/db/pool"
	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubConn implements driver.Conn, recording statements and serving
// canned results keyed by statement substring.
type stubConn struct {
	mu      sync.Mutex
	stmts   []string
	args    [][]any
	results map[string]*driver.Result
	failOn  string
}

func (c *stubConn) record(sql string, args []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stmts = append(c.stmts, sql)
	c.args = append(c.args, args)

	if c.failOn != "" && strings.Contains(sql, c.failOn) {
		return errors.New("statement failed")
	}

	return nil
}

func (c *stubConn) Query(_ context.Context, sql string, args ...any) (*driver.Result, error) {
	if err := c.record(sql, args); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for substr, res := range c.results {
		if strings.Contains(sql, substr) {
			return res, nil
		}
	}

	return &driver.Result{}, nil
}

func (c *stubConn) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	if err := c.record(sql, args); err != nil {
		return 0, err
	}

	return 1, nil
}

func (c *stubConn) Ping(context.Context) error { return nil }

func (c *stubConn) Close(context.Context) error { return nil }

// count returns the number of recorded statements containing the substring.
func (c *stubConn) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, sql := range c.stmts {
		if strings.Contains(sql, substr) {
			n++
		}
	}

	return n
}

// last returns the most recent statement and its arguments.
func (c *stubConn) last() (string, []any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stmts) == 0 {
		return "", nil
	}

	return c.stmts[len(c.stmts)-1], c.args[len(c.stmts)-1]
}

// stubConnector implements driver.Connector over stub connections.
type stubConnector struct {
	mu      sync.Mutex
	conns   []*stubConn
	results map[string]*driver.Result
	failOn  string
}

func (c *stubConnector) Connect(context.Context) (driver.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := &stubConn{results: c.results, failOn: c.failOn}
	c.conns = append(c.conns, conn)

	return conn, nil
}

func (c *stubConnector) DSN() string      { return "stub://local/test" }
func (c *stubConnector) Username() string { return "tester" }

// lastConn returns the most recently dialed connection.
func (c *stubConnector) lastConn() *stubConn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.conns) == 0 {
		return nil
	}

	return c.conns[len(c.conns)-1]
}

// total returns the number of statements containing the substring
// across all dialed connections.
func (c *stubConnector) total(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, conn := range c.conns {
		n += conn.count(substr)
	}

	return n
}

type testDBOpts struct {
	cache           metadata.Cache
	enableSavepoint bool
}

func newTestDB(t *testing.T, connector *stubConnector, opts *testDBOpts) *Database {
	t.Helper()

	if opts == nil {
		opts = &testDBOpts{enableSavepoint: true}
	}

	db, err := New(&Config{
		Connector:       connector,
		Pool:            &pool.Config{MaxConns: 4},
		Cache:           opts.cache,
		CacheEnabled:    opts.cache != nil,
		TablePrefix:     "app_",
		EnableSavepoint: opts.enableSavepoint,
		Logger:          testutil.Logger(t),
	})
	require.NoError(t, err)

	t.Cleanup(db.Close)

	return db
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{Connector: new(stubConnector), CacheEnabled: true})
	assert.Error(t, err)
}

func TestDatabaseQueryExec(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{
		results: map[string]*driver.Result{
			"SELECT 1": {Columns: []string{"?column?"}, Rows: [][]any{{int64(1)}}},
		},
	}
	db := newTestDB(t, connector, nil)

	res, err := db.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	n, err := db.Exec(ctx, "DELETE FROM x")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestResolveSQL(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, new(stubConnector), nil)

	c := db.NewCommand("SELECT * FROM {{%users}} u JOIN {{roles}} r ON r.id = u.role_id")
	assert.Equal(t, `SELECT * FROM "app_users" u JOIN "roles" r ON r.id = u.role_id`, c.SQL())
}
