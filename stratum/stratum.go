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

// Package stratum provides embeddable asynchronous PostgreSQL access:
// a connection pool, ordered transactional connections,
// and a schema metadata cache with tag-based invalidation.
package stratum

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/db/metadata"
	"github.com/stratumdb/stratum/internal/db/pool"
	"github.com/stratumdb/stratum/internal/driver/pg"
)

// Config represents Stratum configuration.
//
// Configuration mistakes surface synchronously from New,
// never through a later execution path.
type Config struct {
	// PostgreSQL connection parameters.
	Host     string
	Port     uint16 // defaults to 5432
	Username string
	Password string
	Database string

	// Pool tuning.
	MaxConns int           // defaults to 32
	MaxQueue int           // per-pool backlog bound, defaults to 256
	ConnTTL  time.Duration // zero keeps connections forever

	// Schema and query result caching.
	SchemaCacheEnable bool
	SchemaCacheTTL    time.Duration

	TablePrefix     string
	EnableSavepoint bool

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DB is an instance of the embeddable database access layer.
type DB struct {
	db *db.Database
}

// New creates a DB and its connection pool; no connection is dialed yet.
func New(config *Config) (*DB, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	l := config.Logger
	if l == nil {
		l = zap.NewNop()
	}

	connector, err := pg.NewConnector(&pg.Config{
		Host:     config.Host,
		Port:     config.Port,
		Username: config.Username,
		Password: config.Password,
		Database: config.Database,
		Logger:   l,
	})
	if err != nil {
		return nil, err
	}

	var cache metadata.Cache
	if config.SchemaCacheEnable {
		cache = metadata.NewMemCache()
	}

	d, err := db.New(&db.Config{
		Connector: connector,
		Pool: &pool.Config{
			MaxConns: config.MaxConns,
			MaxQueue: config.MaxQueue,
			ConnTTL:  config.ConnTTL,
			Logger:   l,
		},
		Cache:           cache,
		CacheEnabled:    config.SchemaCacheEnable,
		CacheTTL:        config.SchemaCacheTTL,
		TablePrefix:     config.TablePrefix,
		EnableSavepoint: config.EnableSavepoint,
		Logger:          l,
	})
	if err != nil {
		return nil, err
	}

	return &DB{db: d}, nil
}

// MetricsCollector returns a collector of pool metrics
// for registration in a Prometheus registry.
func (d *DB) MetricsCollector() prometheus.Collector {
	return d.db.Pool()
}

// Ping checks connectivity by running a trivial query.
func (d *DB) Ping(ctx context.Context) error {
	_, err := d.db.Query(ctx, "SELECT 1")
	return err
}

// Exec runs a non-SELECT statement and returns the affected row count.
// Positional arguments use $1-style placeholders.
func (d *DB) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return d.db.NewCommand(sql).BindAll(args...).Execute(ctx)
}

// QueryAll returns every row, in result order.
func (d *DB) QueryAll(ctx context.Context, sql string, args ...any) ([][]any, error) {
	return d.db.NewCommand(sql).BindAll(args...).QueryAll(ctx)
}

// QueryOne returns the first row, or nil if the result is empty.
func (d *DB) QueryOne(ctx context.Context, sql string, args ...any) ([]any, error) {
	return d.db.NewCommand(sql).BindAll(args...).QueryOne(ctx)
}

// QueryScalar returns the first column of the first row,
// or nil if the result is empty.
func (d *DB) QueryScalar(ctx context.Context, sql string, args ...any) (any, error) {
	return d.db.NewCommand(sql).BindAll(args...).QueryScalar(ctx)
}

// QueryColumn returns the first column of every row.
func (d *DB) QueryColumn(ctx context.Context, sql string, args ...any) ([]any, error) {
	return d.db.NewCommand(sql).BindAll(args...).QueryColumn(ctx)
}

// Tx is an open transaction on a dedicated connection.
// Statements issued through one Tx execute in submission order.
type Tx struct {
	conn *db.Connection
}

// Exec runs one statement inside the transaction.
func (tx *Tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return tx.conn.Exec(ctx, sql, args...)
}

// QueryAll returns every row of one query inside the transaction.
func (tx *Tx) QueryAll(ctx context.Context, sql string, args ...any) ([][]any, error) {
	r, err := tx.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	return r.ReadAll(), nil
}

// Savepoint creates a named savepoint.
func (tx *Tx) Savepoint(ctx context.Context, name string) error {
	return tx.conn.Savepoint(ctx, name)
}

// ReleaseSavepoint releases the named savepoint and any created after it.
func (tx *Tx) ReleaseSavepoint(ctx context.Context, name string) error {
	return tx.conn.ReleaseSavepoint(ctx, name)
}

// RollbackToSavepoint rolls back to the named savepoint.
func (tx *Tx) RollbackToSavepoint(ctx context.Context, name string) error {
	return tx.conn.RollbackToSavepoint(ctx, name)
}

// Isolation levels for InTransaction; the empty string keeps the server default.
const (
	ReadUncommitted = string(db.LevelReadUncommitted)
	ReadCommitted   = string(db.LevelReadCommitted)
	RepeatableRead  = string(db.LevelRepeatableRead)
	Serializable    = string(db.LevelSerializable)
)

// InTransaction runs fn inside a transaction on a dedicated connection.
// The transaction is committed if fn returns nil and rolled back otherwise.
func (d *DB) InTransaction(ctx context.Context, isolation string, fn func(tx *Tx) error) error {
	conn, err := d.db.Begin(ctx, db.IsolationLevel(isolation))
	if err != nil {
		return err
	}

	defer conn.Close()

	if err = fn(&Tx{conn: conn}); err != nil {
		_ = conn.Rollback(ctx)
		return err
	}

	return conn.Commit(ctx)
}

// TableNames returns physical names of base tables in the current schema.
func (d *DB) TableNames(ctx context.Context) ([]string, error) {
	return d.db.Schema().TableNames(ctx, false)
}

// DescribeTable returns a human-readable summary of one table's metadata.
// The name may use {{...}} markers and the % table prefix placeholder.
func (d *DB) DescribeTable(ctx context.Context, name string) (string, error) {
	md, err := d.db.Schema().Table(ctx, name)
	if err != nil {
		return "", err
	}

	return metadata.Describe(md), nil
}

// RefreshSchema drops all cached schema metadata.
func (d *DB) RefreshSchema(ctx context.Context) {
	d.db.Schema().Refresh(ctx)
}

// Close closes the pool. Open transactions must be closed first.
func (d *DB) Close() {
	d.db.Close()
}
