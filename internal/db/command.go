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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratumdb/stratum/internal/db/metadata"
	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
	"github.com/stratumdb/stratum/internal/util/observability"
)

// Command errors.
var (
	// ErrNoSQL is returned when a command is executed without a statement.
	ErrNoSQL = errors.New("no statement assigned")

	// ErrConsumed is returned when a finished command is executed again
	// without a new statement.
	ErrConsumed = errors.New("command already consumed")
)

// CommandState represents the command lifecycle state.
type CommandState int32

// Command lifecycle states.
const (
	Unset CommandState = iota
	SQLAssigned
	Executing
	Resolved
	Rejected
)

// String implements [fmt.Stringer].
func (s CommandState) String() string {
	switch s {
	case Unset:
		return "unset"
	case SQLAssigned:
		return "sqlAssigned"
	case Executing:
		return "executing"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Command is a single statement with bound parameters.
//
// A command is created per logical operation, mutated by SetSQL and Bind,
// consumed once by Execute or one of the Query methods, then discarded.
// Assigning a new statement resets it for reuse.
//
// Commands are not safe for concurrent use.
type Command struct {
	db *Database
	l  *zap.Logger

	state      CommandState
	sql        string
	named      map[string]any
	positional []any

	cacheTTL     time.Duration
	refreshTable string
	conn         *Connection
}

// SetSQL assigns the statement, resolving {{table}} markers,
// and clears bound parameters and the schema refresh marker.
func (c *Command) SetSQL(sql string) *Command {
	c.sql = c.db.resolveSQL(sql)
	c.named = nil
	c.positional = nil
	c.refreshTable = ""

	if c.sql == "" {
		c.state = Unset
	} else {
		c.state = SQLAssigned
	}

	return c
}

// SQL returns the finalized statement text with placeholders.
func (c *Command) SQL() string {
	return c.sql
}

// State returns the command lifecycle state.
func (c *Command) State() CommandState {
	return c.state
}

// Bind binds one named parameter; a leading colon in the name is optional.
func (c *Command) Bind(name string, value any) *Command {
	if c.named == nil {
		c.named = map[string]any{}
	}

	c.named[strings.TrimPrefix(name, ":")] = value

	return c
}

// BindAll appends positional parameters, 1-indexed in bind order.
func (c *Command) BindAll(values ...any) *Command {
	c.positional = append(c.positional, values...)

	return c
}

// WithCache enables query result caching for this command.
func (c *Command) WithCache(ttl time.Duration) *Command {
	c.cacheTTL = ttl

	return c
}

// WithConnection binds the command to an explicit transaction connection.
func (c *Command) WithConnection(conn *Connection) *Command {
	c.conn = conn

	return c
}

// namedRe matches :name placeholders; ::type casts are matched first
// and left untouched.
var namedRe = regexp.MustCompile(`::\w+|:(\w+)`)

// positionalRe matches $n placeholders.
var positionalRe = regexp.MustCompile(`\$(\d+)`)

// finalize returns the wire statement and argument list,
// rewriting named placeholders to positional ones.
func (c *Command) finalize() (string, []any, error) {
	if len(c.named) == 0 {
		return c.sql, c.positional, nil
	}

	if len(c.positional) > 0 {
		return "", nil, lazyerrors.New("named and positional parameters are mixed")
	}

	var args []any
	indexes := map[string]int{}

	var missing []string

	sql := namedRe.ReplaceAllStringFunc(c.sql, func(m string) string {
		if strings.HasPrefix(m, "::") {
			return m
		}

		name := m[1:]

		i, ok := indexes[name]
		if !ok {
			v, bound := c.named[name]
			if !bound {
				missing = append(missing, name)
				return m
			}

			args = append(args, v)
			i = len(args)
			indexes[name] = i
		}

		return "$" + strconv.Itoa(i)
	})

	if len(missing) > 0 {
		return "", nil, lazyerrors.Errorf("unbound parameters: %s", strings.Join(missing, ", "))
	}

	return sql, args, nil
}

// RawSQL returns the statement with parameter values spliced in as literals.
//
// It is a diagnostic rendering for logs only and is never sent to the wire.
func (c *Command) RawSQL() string {
	if len(c.named) > 0 {
		return namedRe.ReplaceAllStringFunc(c.sql, func(m string) string {
			if strings.HasPrefix(m, "::") {
				return m
			}

			if v, ok := c.named[m[1:]]; ok {
				return quoteLiteral(v)
			}

			return m
		})
	}

	sql := c.sql

	if strings.Contains(sql, "$") {
		return positionalRe.ReplaceAllStringFunc(sql, func(m string) string {
			i, err := strconv.Atoi(m[1:])
			if err != nil || i < 1 || i > len(c.positional) {
				return m
			}

			return quoteLiteral(c.positional[i-1])
		})
	}

	for _, v := range c.positional {
		sql = strings.Replace(sql, "?", quoteLiteral(v), 1)
	}

	return sql
}

// quoteLiteral renders one bind value as a SQL literal for diagnostics.
func quoteLiteral(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(v), "'", "''") + "'"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(v)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(v), "'", "''") + "'"
	}
}

// begin guards the transition into Executing.
func (c *Command) begin() error {
	switch c.state {
	case SQLAssigned:
		c.state = Executing
		return nil
	case Unset:
		return lazyerrors.Error(ErrNoSQL)
	case Executing, Resolved, Rejected:
		return lazyerrors.Error(ErrConsumed)
	default:
		panic(fmt.Sprintf("unhandled state %v", c.state))
	}
}

// finish records the terminal state.
func (c *Command) finish(err error) {
	if err != nil {
		c.state = Rejected
	} else {
		c.state = Resolved
	}
}

// runner executes finalized statements; implemented by [pool.Conn].
type runner interface {
	Query(ctx context.Context, sql string, args ...any) (*driver.Result, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// querier returns the connection to run on:
// the explicit transaction connection if bound, any pooled one otherwise.
func (c *Command) querier(ctx context.Context) (runner, error) {
	if c.conn != nil {
		dc, err := c.conn.bound()
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		return dc, nil
	}

	conn, err := c.db.p.Acquire(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return conn, nil
}

// Execute runs a non-SELECT statement and returns the affected row count.
//
// If a schema manipulation helper set the refresh marker, the table's
// metadata is refreshed before Execute returns, so a caller never observes
// stale schema right after its own DDL.
func (c *Command) Execute(ctx context.Context) (int64, error) {
	defer observability.FuncCall(ctx)()

	if err := c.begin(); err != nil {
		return 0, err
	}

	sql, args, err := c.finalize()
	if err != nil {
		c.finish(err)
		return 0, err
	}

	conn, err := c.querier(ctx)
	if err != nil {
		c.finish(err)
		return 0, err
	}

	start := time.Now()
	n, err := conn.Exec(ctx, sql, args...)

	c.l.Debug(">>> "+c.RawSQL(), zap.Duration("duration", time.Since(start)), zap.Error(err))

	if err != nil {
		c.finish(err)
		return 0, lazyerrors.Error(err)
	}

	if c.refreshTable != "" {
		if err = c.db.schema.RefreshTable(ctx, c.refreshTable); err != nil {
			c.finish(err)
			return 0, lazyerrors.Error(err)
		}
	}

	c.finish(nil)

	return n, nil
}

// Query runs the statement and returns a buffered reader over the result.
//
// With WithCache set and caching enabled, a cache hit short-circuits
// execution entirely and the wire is never touched.
func (c *Command) Query(ctx context.Context) (*DataReader, error) {
	defer observability.FuncCall(ctx)()

	if err := c.begin(); err != nil {
		return nil, err
	}

	sql, args, err := c.finalize()
	if err != nil {
		c.finish(err)
		return nil, err
	}

	if res := c.cacheGet(ctx, sql, args); res != nil {
		c.finish(nil)
		return newDataReader(res), nil
	}

	conn, err := c.querier(ctx)
	if err != nil {
		c.finish(err)
		return nil, err
	}

	start := time.Now()
	res, err := conn.Query(ctx, sql, args...)

	c.l.Debug(">>> "+c.RawSQL(), zap.Duration("duration", time.Since(start)), zap.Error(err))

	if err != nil {
		c.finish(err)
		return nil, lazyerrors.Error(err)
	}

	c.cacheSet(ctx, sql, args, res)
	c.finish(nil)

	return newDataReader(res), nil
}

// QueryAll returns every row, in result order.
func (c *Command) QueryAll(ctx context.Context) ([][]any, error) {
	r, err := c.Query(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return r.ReadAll(), nil
}

// QueryOne returns the first row, or nil if the result is empty.
func (c *Command) QueryOne(ctx context.Context) ([]any, error) {
	r, err := c.Query(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return r.Read(), nil
}

// QueryScalar returns the first column of the first row,
// or nil if the result is empty. Binary values are drained to a string.
func (c *Command) QueryScalar(ctx context.Context) (any, error) {
	r, err := c.Query(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	row := r.Read()
	if len(row) == 0 {
		return nil, nil
	}

	if b, ok := row[0].([]byte); ok {
		return string(b), nil
	}

	return row[0], nil
}

// QueryColumn returns the first column of every row.
func (c *Command) QueryColumn(ctx context.Context) ([]any, error) {
	r, err := c.Query(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := make([]any, 0, r.Len())

	for {
		row := r.Read()
		if row == nil {
			return res, nil
		}

		if len(row) == 0 {
			res = append(res, nil)
			continue
		}

		res = append(res, row[0])
	}
}

// queryCacheComponent namespaces query result cache keys.
const queryCacheComponent = "query"

// cacheGet returns a cached result, or nil on a miss, disabled caching,
// or any cache failure.
func (c *Command) cacheGet(ctx context.Context, sql string, args []any) *driver.Result {
	if c.cacheTTL <= 0 || !c.db.cached {
		return nil
	}

	b, err := c.db.cache.Get(ctx, c.cacheKey(sql, args))
	if err != nil {
		c.l.Warn("Query cache read failed", zap.Error(err))
		return nil
	}

	if b == nil {
		return nil
	}

	var res driver.Result
	if err = json.Unmarshal(b, &res); err != nil {
		c.l.Warn("Query cache entry malformed", zap.Error(err))
		return nil
	}

	return &res
}

// cacheSet writes the result through to the cache; failures are logged only.
func (c *Command) cacheSet(ctx context.Context, sql string, args []any, res *driver.Result) {
	if c.cacheTTL <= 0 || !c.db.cached {
		return
	}

	b, err := json.Marshal(res)
	if err != nil {
		c.l.Warn("Query cache entry marshaling failed", zap.Error(err))
		return
	}

	tags := []string{metadata.CacheTag(queryCacheComponent, c.db.dsn, c.db.username)}

	if err = c.db.cache.Set(ctx, c.cacheKey(sql, args), b, c.cacheTTL, tags); err != nil {
		c.l.Warn("Query cache write failed", zap.Error(err))
	}
}

// cacheKey returns the result cache key for one finalized statement.
// Arguments are JSON-encoded so adjacent values never concatenate ambiguously.
func (c *Command) cacheKey(sql string, args []any) string {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", args))
	}

	return metadata.CacheKey(queryCacheComponent, c.db.dsn, c.db.username, sql+"|"+string(b))
}

// Schema manipulation helpers delegate statement text to the query builder
// and mark the table for metadata refresh on successful execution.

// CreateTable assigns a CREATE TABLE statement.
func (c *Command) CreateTable(table string, columns []ColumnDef, options string) *Command {
	raw := c.db.schema.RawTableName(table)
	c.SetSQL(c.db.builder.CreateTable(raw, columns, options))
	c.refreshTable = table

	return c
}

// DropTable assigns a DROP TABLE statement.
func (c *Command) DropTable(table string) *Command {
	c.SetSQL(c.db.builder.DropTable(c.db.schema.RawTableName(table)))
	c.refreshTable = table

	return c
}

// RenameTable assigns an ALTER TABLE ... RENAME statement.
func (c *Command) RenameTable(table, newName string) *Command {
	c.SetSQL(c.db.builder.RenameTable(c.db.schema.RawTableName(table), c.db.schema.RawTableName(newName)))
	c.refreshTable = table

	return c
}

// TruncateTable assigns a TRUNCATE TABLE statement.
func (c *Command) TruncateTable(table string) *Command {
	c.SetSQL(c.db.builder.TruncateTable(c.db.schema.RawTableName(table)))

	return c
}

// AddColumn assigns an ALTER TABLE ... ADD COLUMN statement.
func (c *Command) AddColumn(table string, column ColumnDef) *Command {
	c.SetSQL(c.db.builder.AddColumn(c.db.schema.RawTableName(table), column))
	c.refreshTable = table

	return c
}

// DropColumn assigns an ALTER TABLE ... DROP COLUMN statement.
func (c *Command) DropColumn(table, column string) *Command {
	c.SetSQL(c.db.builder.DropColumn(c.db.schema.RawTableName(table), column))
	c.refreshTable = table

	return c
}

// RenameColumn assigns an ALTER TABLE ... RENAME COLUMN statement.
func (c *Command) RenameColumn(table, column, newName string) *Command {
	c.SetSQL(c.db.builder.RenameColumn(c.db.schema.RawTableName(table), column, newName))
	c.refreshTable = table

	return c
}

// AlterColumn assigns an ALTER TABLE ... ALTER COLUMN statement.
func (c *Command) AlterColumn(table string, column ColumnDef) *Command {
	c.SetSQL(c.db.builder.AlterColumn(c.db.schema.RawTableName(table), column))
	c.refreshTable = table

	return c
}

// CreateIndex assigns a CREATE INDEX statement.
func (c *Command) CreateIndex(name, table string, columns []string, unique bool) *Command {
	c.SetSQL(c.db.builder.CreateIndex(name, c.db.schema.RawTableName(table), columns, unique))
	c.refreshTable = table

	return c
}

// DropIndex assigns a DROP INDEX statement.
func (c *Command) DropIndex(name, table string) *Command {
	c.SetSQL(c.db.builder.DropIndex(name, c.db.schema.RawTableName(table)))
	c.refreshTable = table

	return c
}

// AddPrimaryKey assigns an ALTER TABLE ... ADD CONSTRAINT ... PRIMARY KEY statement.
func (c *Command) AddPrimaryKey(name, table string, columns []string) *Command {
	c.SetSQL(c.db.builder.AddPrimaryKey(name, c.db.schema.RawTableName(table), columns))
	c.refreshTable = table

	return c
}

// DropPrimaryKey assigns an ALTER TABLE ... DROP CONSTRAINT statement.
func (c *Command) DropPrimaryKey(name, table string) *Command {
	c.SetSQL(c.db.builder.DropPrimaryKey(name, c.db.schema.RawTableName(table)))
	c.refreshTable = table

	return c
}

// AddForeignKey assigns an ALTER TABLE ... ADD CONSTRAINT ... FOREIGN KEY statement.
func (c *Command) AddForeignKey(name, table string, columns []string, refTable string, refColumns []string, onDelete, onUpdate string) *Command {
	c.SetSQL(c.db.builder.AddForeignKey(
		name, c.db.schema.RawTableName(table), columns,
		c.db.schema.RawTableName(refTable), refColumns, onDelete, onUpdate,
	))
	c.refreshTable = table

	return c
}

// DropForeignKey assigns an ALTER TABLE ... DROP CONSTRAINT statement.
func (c *Command) DropForeignKey(name, table string) *Command {
	c.SetSQL(c.db.builder.DropForeignKey(name, c.db.schema.RawTableName(table)))
	c.refreshTable = table

	return c
}
