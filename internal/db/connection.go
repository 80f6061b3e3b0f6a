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
	"regexp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratumdb/stratum/internal/db/pool"
	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
	"github.com/stratumdb/stratum/internal/util/observability"
)

// Transaction errors.
var (
	// ErrTxActive is returned by Begin when a transaction is already open.
	ErrTxActive = errors.New("transaction already open")

	// ErrTxNotActive is returned when no transaction is open.
	ErrTxNotActive = errors.New("no open transaction")

	// ErrUnknownSavepoint is returned for a savepoint name
	// that was never created or is already released.
	ErrUnknownSavepoint = errors.New("unknown savepoint")
)

// IsolationLevel is a transaction isolation level.
type IsolationLevel string

// Supported isolation levels; the empty value keeps the server default.
const (
	LevelDefault         IsolationLevel = ""
	LevelReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	LevelReadCommitted   IsolationLevel = "READ COMMITTED"
	LevelRepeatableRead  IsolationLevel = "REPEATABLE READ"
	LevelSerializable    IsolationLevel = "SERIALIZABLE"
)

// valid reports whether the level is one of the supported constants.
func (l IsolationLevel) valid() bool {
	switch l {
	case LevelDefault, LevelReadUncommitted, LevelReadCommitted, LevelRepeatableRead, LevelSerializable:
		return true
	default:
		return false
	}
}

// TxState represents the transaction state of a [Connection].
type TxState int32

// Transaction states.
const (
	TxIdle TxState = iota
	TxActive
	TxCommitted
	TxRolledBack
)

// String implements [fmt.Stringer].
func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolledBack"
	default:
		return "unknown"
	}
}

// Connection is a transaction wrapper bound to exactly one dedicated
// pooled connection for its lifetime.
//
// Statements issued through one Connection execute in submission order.
// Savepoints keep an explicit stack; release and rollback targets are
// validated against it instead of trusting caller naming discipline.
type Connection struct {
	db   *Database
	conn *pool.Conn
	l    *zap.Logger

	mu         sync.Mutex
	state      TxState
	savepoints []string
	closed     bool
}

// newConnection binds a fresh dedicated connection from the pool.
func newConnection(ctx context.Context, db *Database) (*Connection, error) {
	conn, err := db.p.NewConn(ctx, false)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Connection{
		db:   db,
		conn: conn,
		l:    db.l.Named("tx"),
	}, nil
}

// State returns the transaction state.
func (c *Connection) State() TxState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Active reports whether a transaction is open.
func (c *Connection) Active() bool {
	return c.State() == TxActive
}

// bound returns the underlying connection, or [driver.ErrConnClosed]
// after Close.
func (c *Connection) bound() (*pool.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, driver.ErrConnClosed
	}

	return c.conn, nil
}

// Begin opens a transaction: BEGIN first, then, only if a level was
// requested, SET TRANSACTION ISOLATION LEVEL as a second command.
// Both run on the same connection in submission order.
func (c *Connection) Begin(ctx context.Context, level IsolationLevel) error {
	defer observability.FuncCall(ctx)()

	if !level.valid() {
		return lazyerrors.Errorf("unsupported isolation level %q", level)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return lazyerrors.Error(driver.ErrConnClosed)
	}

	if c.state == TxActive {
		return lazyerrors.Error(ErrTxActive)
	}

	if _, err := c.conn.Exec(ctx, "BEGIN"); err != nil {
		return lazyerrors.Error(err)
	}

	if level != LevelDefault {
		if _, err := c.conn.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL "+string(level)); err != nil {
			_, _ = c.conn.Exec(ctx, "ROLLBACK")
			return lazyerrors.Error(err)
		}
	}

	c.state = TxActive
	c.savepoints = nil

	return nil
}

// Commit commits the open transaction.
func (c *Connection) Commit(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	return c.end(ctx, "COMMIT", TxCommitted)
}

// Rollback rolls back the open transaction.
func (c *Connection) Rollback(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	return c.end(ctx, "ROLLBACK", TxRolledBack)
}

// end finishes the open transaction with the given terminal statement.
func (c *Connection) end(ctx context.Context, sql string, terminal TxState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return lazyerrors.Error(driver.ErrConnClosed)
	}

	if c.state != TxActive {
		return lazyerrors.Error(ErrTxNotActive)
	}

	if _, err := c.conn.Exec(ctx, sql); err != nil {
		return lazyerrors.Error(err)
	}

	c.state = terminal
	c.savepoints = nil

	return nil
}

// SetIsolationLevel issues a raw SET TRANSACTION ISOLATION LEVEL command.
//
// PostgreSQL requires it after BEGIN; the method itself allows either
// call order and leaves correctness to the server.
func (c *Connection) SetIsolationLevel(ctx context.Context, level IsolationLevel) error {
	if level == LevelDefault || !level.valid() {
		return lazyerrors.Errorf("unsupported isolation level %q", level)
	}

	conn, err := c.bound()
	if err != nil {
		return lazyerrors.Error(err)
	}

	if _, err = conn.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL "+string(level)); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

var savepointNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Savepoint creates a named savepoint and pushes it on the stack.
func (c *Connection) Savepoint(ctx context.Context, name string) error {
	defer observability.FuncCall(ctx)()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.savepointGuard(name); err != nil {
		return err
	}

	if slices.Contains(c.savepoints, name) {
		return lazyerrors.Errorf("savepoint %q already exists", name)
	}

	if _, err := c.conn.Exec(ctx, `SAVEPOINT "`+name+`"`); err != nil {
		return lazyerrors.Error(err)
	}

	c.savepoints = append(c.savepoints, name)

	return nil
}

// ReleaseSavepoint releases the named savepoint,
// discarding it and every savepoint created after it.
func (c *Connection) ReleaseSavepoint(ctx context.Context, name string) error {
	defer observability.FuncCall(ctx)()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.savepointGuard(name); err != nil {
		return err
	}

	i := slices.Index(c.savepoints, name)
	if i < 0 {
		return lazyerrors.Error(ErrUnknownSavepoint)
	}

	if _, err := c.conn.Exec(ctx, `RELEASE SAVEPOINT "`+name+`"`); err != nil {
		return lazyerrors.Error(err)
	}

	c.savepoints = c.savepoints[:i]

	return nil
}

// RollbackToSavepoint rolls back to the named savepoint,
// discarding savepoints created after it; the savepoint itself survives.
func (c *Connection) RollbackToSavepoint(ctx context.Context, name string) error {
	defer observability.FuncCall(ctx)()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.savepointGuard(name); err != nil {
		return err
	}

	i := slices.Index(c.savepoints, name)
	if i < 0 {
		return lazyerrors.Error(ErrUnknownSavepoint)
	}

	if _, err := c.conn.Exec(ctx, `ROLLBACK TO SAVEPOINT "`+name+`"`); err != nil {
		return lazyerrors.Error(err)
	}

	c.savepoints = c.savepoints[:i+1]

	return nil
}

// savepointGuard validates savepoint preconditions; the caller holds mu.
func (c *Connection) savepointGuard(name string) error {
	if !c.db.enableSavepoint {
		return lazyerrors.Error(driver.ErrNotSupported)
	}

	if c.closed {
		return lazyerrors.Error(driver.ErrConnClosed)
	}

	if c.state != TxActive {
		return lazyerrors.Error(ErrTxNotActive)
	}

	if !savepointNameRe.MatchString(name) {
		return lazyerrors.Errorf("invalid savepoint name %q", name)
	}

	return nil
}

// Exec runs one statement on this connection, inside the transaction.
func (c *Connection) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	conn, err := c.bound()
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	n, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	return n, nil
}

// Query runs one query on this connection, inside the transaction.
func (c *Connection) Query(ctx context.Context, sql string, args ...any) (*DataReader, error) {
	conn, err := c.bound()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	res, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return newDataReader(res), nil
}

// Close rolls back an open transaction, releases the dedicated connection,
// and detaches bound commands: their next use fails with
// [driver.ErrConnClosed] instead of executing against a stale handle.
//
// Close is idempotent.
func (c *Connection) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true

	if c.state == TxActive {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := c.conn.Exec(ctx, "ROLLBACK"); err != nil {
			c.l.Warn("Rollback on close failed", zap.Error(err))
		}

		c.state = TxRolledBack
	}

	c.savepoints = nil
	c.mu.Unlock()

	c.conn.Close()
}
