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
	"github.com/stratumdb/stratum/internal/util/testutil"
)

func TestBeginIsolationOrdering(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := new(stubConnector)
	db := newTestDB(t, connector, nil)

	conn, err := db.Begin(ctx, LevelSerializable)
	require.NoError(t, err)

	defer conn.Close()

	require.Equal(t, TxActive, conn.State())
	assert.True(t, conn.Active())

	// both commands went to the same dedicated connection, in order
	sc := connector.lastConn()
	sc.mu.Lock()
	stmts := append([]string(nil), sc.stmts...)
	sc.mu.Unlock()
	assert.Equal(t, []string{"BEGIN", "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE"}, stmts)

	require.NoError(t, conn.Commit(ctx))
	assert.Equal(t, TxCommitted, conn.State())
	assert.Equal(t, 1, sc.count("COMMIT"))
}

func TestBeginDefaultIsolation(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := new(stubConnector)
	db := newTestDB(t, connector, nil)

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	defer conn.Close()

	sc := connector.lastConn()
	assert.Equal(t, 1, sc.count("BEGIN"))
	assert.Equal(t, 0, sc.count("SET TRANSACTION"))

	require.NoError(t, conn.Rollback(ctx))
	assert.Equal(t, TxRolledBack, conn.State())
}

func TestBeginInvalidIsolation(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	db := newTestDB(t, new(stubConnector), nil)

	_, err := db.Begin(ctx, IsolationLevel("BOGUS; DROP TABLE users"))
	assert.Error(t, err)
}

func TestTxStateGuards(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	db := newTestDB(t, new(stubConnector), nil)

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	defer conn.Close()

	assert.ErrorIs(t, conn.Begin(ctx, LevelDefault), ErrTxActive)

	require.NoError(t, conn.Commit(ctx))
	assert.ErrorIs(t, conn.Commit(ctx), ErrTxNotActive)
	assert.ErrorIs(t, conn.Rollback(ctx), ErrTxNotActive)

	// the handle can open a new transaction after the previous one finished
	require.NoError(t, conn.Begin(ctx, LevelDefault))
	require.NoError(t, conn.Rollback(ctx))
}

func TestSavepointStack(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := new(stubConnector)
	db := newTestDB(t, connector, nil)

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	defer conn.Close()

	require.NoError(t, conn.Savepoint(ctx, "a"))
	require.NoError(t, conn.Savepoint(ctx, "b"))

	assert.Error(t, conn.Savepoint(ctx, "a"))

	// rolling back to a keeps a, drops b
	require.NoError(t, conn.RollbackToSavepoint(ctx, "a"))
	assert.ErrorIs(t, conn.ReleaseSavepoint(ctx, "b"), ErrUnknownSavepoint)

	require.NoError(t, conn.ReleaseSavepoint(ctx, "a"))
	assert.ErrorIs(t, conn.RollbackToSavepoint(ctx, "a"), ErrUnknownSavepoint)

	sc := connector.lastConn()
	assert.Equal(t, 2, sc.count("SAVEPOINT"))
	assert.Equal(t, 1, sc.count(`ROLLBACK TO SAVEPOINT "a"`))
	assert.Equal(t, 1, sc.count(`RELEASE SAVEPOINT "a"`))
}

func TestSavepointGuards(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	db := newTestDB(t, new(stubConnector), nil)

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	defer conn.Close()

	assert.Error(t, conn.Savepoint(ctx, "no spaces allowed"))
	assert.Error(t, conn.Savepoint(ctx, `x"; DROP TABLE users; --`))

	require.NoError(t, conn.Commit(ctx))
	assert.ErrorIs(t, conn.Savepoint(ctx, "late"), ErrTxNotActive)
}

func TestSavepointDisabled(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	db := newTestDB(t, new(stubConnector), &testDBOpts{enableSavepoint: false})

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	defer conn.Close()

	// a configuration-level feature gap is a typed error, not an execution failure
	assert.ErrorIs(t, conn.Savepoint(ctx, "a"), driver.ErrNotSupported)
	assert.ErrorIs(t, conn.ReleaseSavepoint(ctx, "a"), driver.ErrNotSupported)
	assert.ErrorIs(t, conn.RollbackToSavepoint(ctx, "a"), driver.ErrNotSupported)
}

func TestConnectionCloseDetachesCommands(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := new(stubConnector)
	db := newTestDB(t, connector, nil)

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	c := db.NewCommand("SELECT 1").WithConnection(conn)

	conn.Close()

	// an open transaction is rolled back on close
	assert.Equal(t, TxRolledBack, conn.State())
	assert.Equal(t, 1, connector.lastConn().count("ROLLBACK"))

	// a bound command must fail, never execute against a stale handle
	_, err = c.Execute(ctx)
	assert.ErrorIs(t, err, driver.ErrConnClosed)

	_, err = conn.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, driver.ErrConnClosed)

	// closing again is a no-op
	conn.Close()
}

func TestConnectionExecQuery(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{
		results: map[string]*driver.Result{
			"FROM fruits": {Columns: []string{"id"}, Rows: [][]any{{int64(1)}}},
		},
	}
	db := newTestDB(t, connector, nil)

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	defer conn.Close()

	n, err := conn.Exec(ctx, "UPDATE fruits SET name = $1", "kiwi")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	r, err := conn.Query(ctx, "SELECT id FROM fruits")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, conn.Commit(ctx))
}

func TestCommandOnConnectionOrdering(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := new(stubConnector)
	db := newTestDB(t, connector, nil)

	conn, err := db.Begin(ctx, LevelDefault)
	require.NoError(t, err)

	defer conn.Close()

	_, err = db.NewCommand("UPDATE a SET x = 1").WithConnection(conn).Execute(ctx)
	require.NoError(t, err)

	_, err = db.NewCommand("UPDATE b SET y = 2").WithConnection(conn).Execute(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Commit(ctx))

	sc := connector.lastConn()
	sc.mu.Lock()
	stmts := append([]string(nil), sc.stmts...)
	sc.mu.Unlock()
	assert.Equal(t, []string{"BEGIN", "UPDATE a SET x = 1", "UPDATE b SET y = 2", "COMMIT"}, stmts)
}
