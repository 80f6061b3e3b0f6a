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

// Package driver defines the wire-protocol capability consumed by the pool
// and the execution pipeline.
//
// Framing, authentication handshake, and dialect details are the concern of
// concrete implementations (see the pg subpackage).
package driver

import (
	"context"
	"errors"
)

var (
	// ErrNotExist is returned when a schema or table does not exist.
	ErrNotExist = errors.New("schema or table does not exist")

	// ErrAlreadyExist is returned when a schema or table already exists.
	ErrAlreadyExist = errors.New("schema or table already exists")

	// ErrConnClosed is returned when an operation is attempted on a closed connection.
	ErrConnClosed = errors.New("connection is closed")

	// ErrNotSupported is returned when a requested feature
	// is not implemented by the concrete driver.
	// It indicates a programming or configuration mistake, not a runtime condition.
	ErrNotSupported = errors.New("not supported")
)

// Result is a fully buffered result of a single statement.
type Result struct {
	// Columns are result column names, in result order.
	Columns []string

	// Rows are result rows, in result order. Each row has len(Columns) values.
	Rows [][]any

	// RowsAffected is the number of rows changed by a non-query statement.
	RowsAffected int64
}

// Conn is a single physical connection to the database.
//
// Implementations are not required to be safe for concurrent use;
// serialization is the caller's concern (see the pool package).
type Conn interface {
	// Query executes a statement and buffers the whole result.
	Query(ctx context.Context, sql string, args ...any) (*Result, error)

	// Exec executes a statement that returns no rows
	// and reports the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Ping checks that the connection is alive.
	Ping(ctx context.Context) error

	// Close terminates the connection.
	Close(ctx context.Context) error
}

// Connector creates physical connections to one configured database.
type Connector interface {
	// Connect establishes a new physical connection.
	Connect(ctx context.Context) (Conn, error)

	// DSN returns the connection-identifying string (host/port/database).
	// It is used in cache key and tag composition, never for dialing.
	DSN() string

	// Username returns the configured username,
	// also used in cache key and tag composition.
	Username() string
}
