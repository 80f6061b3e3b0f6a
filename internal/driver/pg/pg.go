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

// Package pg provides the PostgreSQL implementation of the driver interfaces,
// backed by pgx.
package pg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
)

// Config represents PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     uint16
	Username string
	Password string
	Database string

	// Params are additional libpq-style connection parameters.
	Params map[string]string

	// Logger is used (named) for query logging. If nil, zap.NewNop() is used.
	Logger *zap.Logger
}

// Connector implements [driver.Connector] for PostgreSQL.
type Connector struct {
	config *Config
	l      *zap.Logger
}

// NewConnector validates the configuration and returns a new Connector.
func NewConnector(config *Config) (*Connector, error) {
	if config.Host == "" {
		return nil, lazyerrors.New("host is required")
	}

	if config.Username == "" {
		return nil, lazyerrors.New("username is required")
	}

	if config.Database == "" {
		return nil, lazyerrors.New("database is required")
	}

	l := config.Logger
	if l == nil {
		l = zap.NewNop()
	}

	return &Connector{
		config: config,
		l:      l.Named("pg"),
	}, nil
}

// DSN implements [driver.Connector].
//
// The password is deliberately absent: the result is used in cache key and
// tag composition and may end up in logs.
func (c *Connector) DSN() string {
	port := c.config.Port
	if port == 0 {
		port = 5432
	}

	return fmt.Sprintf("postgres://%s/%s", net.JoinHostPort(c.config.Host, strconv.Itoa(int(port))), c.config.Database)
}

// Username implements [driver.Connector].
func (c *Connector) Username() string {
	return c.config.Username
}

// uri returns the full connection URI, including credentials.
func (c *Connector) uri() string {
	port := c.config.Port
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.config.Username, c.config.Password),
		Host:   net.JoinHostPort(c.config.Host, strconv.Itoa(int(port))),
		Path:   "/" + c.config.Database,
	}

	q := url.Values{}
	for k, v := range c.config.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// Connect implements [driver.Connector].
//
// It establishes a new physical connection
// and checks that the server settings are what we expect.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	config, err := pgx.ParseConfig(c.uri())
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	// That only affects the text protocol; pgx mostly uses a binary one.
	// See https://github.com/jackc/pgx/issues/520.
	config.RuntimeParams["timezone"] = "UTC"

	config.RuntimeParams["application_name"] = "stratum"
	config.RuntimeParams["search_path"] = ""

	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if err = checkConnection(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return nil, lazyerrors.Error(err)
	}

	return &pgConn{
		conn: conn,
		l:    c.l,
	}, nil
}

// The only supported encoding in canonical form.
var encoding = "UTF8"

// simplify simplifies PostgreSQL setting value for comparison.
func simplify(v string) string {
	return strings.ToLower(strings.ReplaceAll(v, "-", ""))
}

// checkConnection checks that PostgreSQL settings are compatible.
func checkConnection(ctx context.Context, conn *pgx.Conn) error {
	for _, name := range []string{"server_encoding", "client_encoding"} {
		var v string
		if err := conn.QueryRow(ctx, "SHOW "+name).Scan(&v); err != nil {
			return lazyerrors.Error(err)
		}

		if simplify(v) != simplify(encoding) {
			return lazyerrors.Errorf("%q is %q; supported value is %q", name, v, encoding)
		}
	}

	var v string
	if err := conn.QueryRow(ctx, "SHOW standard_conforming_strings").Scan(&v); err != nil {
		return lazyerrors.Error(err)
	}

	// To sanitize safely: https://github.com/jackc/pgx/issues/868#issuecomment-725544647
	if v != "on" {
		return lazyerrors.Errorf("%q is %q, want %q", "standard_conforming_strings", v, "on")
	}

	return nil
}

// pgConn implements [driver.Conn] over a single pgx connection.
type pgConn struct {
	conn *pgx.Conn
	l    *zap.Logger
}

// Query implements [driver.Conn].
func (c *pgConn) Query(ctx context.Context, sql string, args ...any) (*driver.Result, error) {
	start := time.Now()

	c.l.Debug(">>> query", zap.String("sql", sql), zap.Any("args", args))

	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	res := &driver.Result{
		Columns: columns,
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		res.Rows = append(res.Rows, values)
	}

	if err = rows.Err(); err != nil {
		return nil, mapError(err)
	}

	res.RowsAffected = rows.CommandTag().RowsAffected()

	c.l.Debug("<<< query",
		zap.String("sql", sql),
		zap.Int("rows", len(res.Rows)),
		zap.Duration("time", time.Since(start)),
	)

	return res, nil
}

// Exec implements [driver.Conn].
func (c *pgConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	start := time.Now()

	c.l.Debug(">>> exec", zap.String("sql", sql), zap.Any("args", args))

	tag, err := c.conn.Exec(ctx, sql, args...)

	c.l.Debug("<<< exec",
		zap.String("sql", sql),
		zap.Int64("rows", tag.RowsAffected()),
		zap.Duration("time", time.Since(start)),
		zap.Error(err),
	)

	if err != nil {
		return 0, mapError(err)
	}

	return tag.RowsAffected(), nil
}

// Ping implements [driver.Conn].
func (c *pgConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close implements [driver.Conn].
func (c *pgConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// mapError classifies a PostgreSQL error into a driver error where possible.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return lazyerrors.Error(err)
	}

	switch pgErr.Code {
	case pgerrcode.DuplicateSchema, pgerrcode.DuplicateTable, pgerrcode.DuplicateObject:
		return driver.ErrAlreadyExist
	case pgerrcode.InvalidSchemaName, pgerrcode.UndefinedTable:
		return driver.ErrNotExist
	default:
		return lazyerrors.Error(err)
	}
}

// check interfaces
var (
	_ driver.Connector = (*Connector)(nil)
	_ driver.Conn      = (*pgConn)(nil)
)
