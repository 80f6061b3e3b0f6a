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

// Package db provides asynchronous database access:
// commands over a connection pool, explicit transactions,
// and schema metadata.
package db

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/stratumdb/stratum/internal/db/metadata"
	"github.com/stratumdb/stratum/internal/db/pool"
	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
	"github.com/stratumdb/stratum/internal/util/observability"
)

// Config represents database handle configuration.
type Config struct {
	Connector driver.Connector
	Pool      *pool.Config

	// Cache is required if CacheEnabled;
	// it backs both schema metadata and query result caching.
	Cache        metadata.Cache
	CacheEnabled bool
	CacheTTL     time.Duration

	TablePrefix     string
	EnableSavepoint bool

	// Builder defaults to the PostgreSQL query builder.
	Builder QueryBuilder

	Logger *zap.Logger
}

// Database is the composition root handle:
// it owns the connection pool, the schema registry, and the query builder.
//
// Independent commands carry no cross-command ordering guarantee;
// callers needing ordering must bind commands to one [Connection].
type Database struct {
	p       *pool.Pool
	schema  *metadata.Registry
	builder QueryBuilder
	cache   metadata.Cache
	cached  bool

	dsn             string
	username        string
	enableSavepoint bool

	l *zap.Logger
}

// New creates a database handle over the given connector.
func New(config *Config) (*Database, error) {
	if config == nil || config.Connector == nil {
		return nil, lazyerrors.New("connector is required")
	}

	if config.CacheEnabled && config.Cache == nil {
		return nil, lazyerrors.New("cache is enabled but not set")
	}

	l := config.Logger
	if l == nil {
		l = zap.NewNop()
	}

	b := config.Builder
	if b == nil {
		b = NewQueryBuilder()
	}

	poolConfig := config.Pool
	if poolConfig == nil {
		poolConfig = new(pool.Config)
	}

	if poolConfig.Logger == nil {
		poolConfig.Logger = l
	}

	p, err := pool.New(config.Connector, poolConfig)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	db := &Database{
		p:               p,
		builder:         b,
		cache:           config.Cache,
		cached:          config.CacheEnabled,
		dsn:             config.Connector.DSN(),
		username:        config.Connector.Username(),
		enableSavepoint: config.EnableSavepoint,
		l:               l.Named("db"),
	}

	db.schema, err = metadata.NewRegistry(&metadata.Config{
		Querier:      db,
		Cache:        config.Cache,
		DSN:          db.dsn,
		Username:     db.username,
		TablePrefix:  config.TablePrefix,
		CacheEnabled: config.CacheEnabled,
		CacheTTL:     config.CacheTTL,
		Logger:       l,
	})
	if err != nil {
		p.Close()
		return nil, lazyerrors.Error(err)
	}

	return db, nil
}

// Schema returns the schema metadata registry.
func (db *Database) Schema() *metadata.Registry {
	return db.schema
}

// Pool returns the connection pool.
func (db *Database) Pool() *pool.Pool {
	return db.p
}

// Builder returns the query builder.
func (db *Database) Builder() QueryBuilder {
	return db.builder
}

// NewCommand creates a command; sql may be empty and assigned later.
func (db *Database) NewCommand(sql string) *Command {
	c := &Command{
		db: db,
		l:  db.l.Named("command"),
	}

	if sql != "" {
		c.SetSQL(sql)
	}

	return c
}

// Begin opens a transaction on its own dedicated connection.
// A non-empty isolation level is set with a second, strictly ordered command.
func (db *Database) Begin(ctx context.Context, isolation IsolationLevel) (*Connection, error) {
	defer observability.FuncCall(ctx)()

	conn, err := newConnection(ctx, db)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if err = conn.Begin(ctx, isolation); err != nil {
		conn.Close()
		return nil, lazyerrors.Error(err)
	}

	return conn, nil
}

// Query runs one query on any pooled connection.
// It implements [metadata.Querier].
func (db *Database) Query(ctx context.Context, sql string, args ...any) (*driver.Result, error) {
	conn, err := db.p.Acquire(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	res, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// Exec runs one non-SELECT statement on any pooled connection.
func (db *Database) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	conn, err := db.p.Acquire(ctx)
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	n, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	return n, nil
}

// Close closes the pool and drops process-local metadata.
// Open transactions must be closed first.
func (db *Database) Close() {
	db.p.Close()
}

var tableMarkerRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// resolveSQL replaces {{table}} markers with quoted, prefix-resolved names.
func (db *Database) resolveSQL(sql string) string {
	return tableMarkerRe.ReplaceAllStringFunc(sql, func(m string) string {
		return db.builder.QuoteTableName(db.schema.RawTableName(m))
	})
}

// check interfaces
var (
	_ metadata.Querier = (*Database)(nil)
)
