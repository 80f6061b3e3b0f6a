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
	"fmt"
	"strings"
)

// ColumnDef is a column name/type pair for CREATE TABLE and ALTER TABLE.
type ColumnDef struct {
	Name string
	Type string
}

// QueryBuilder produces statement text for schema manipulation.
// All methods are pure; table and column names arrive already prefix-resolved.
type QueryBuilder interface {
	QuoteTableName(name string) string
	QuoteColumnName(name string) string

	CreateTable(table string, columns []ColumnDef, options string) string
	DropTable(table string) string
	RenameTable(table, newName string) string
	TruncateTable(table string) string

	AddColumn(table string, column ColumnDef) string
	DropColumn(table, column string) string
	RenameColumn(table, column, newName string) string
	AlterColumn(table string, column ColumnDef) string

	CreateIndex(name, table string, columns []string, unique bool) string
	DropIndex(name, table string) string

	AddPrimaryKey(name, table string, columns []string) string
	DropPrimaryKey(name, table string) string
	AddForeignKey(name, table string, columns []string, refTable string, refColumns []string, onDelete, onUpdate string) string
	DropForeignKey(name, table string) string
}

// builder is the PostgreSQL [QueryBuilder].
type builder struct{}

// NewQueryBuilder returns the PostgreSQL query builder.
func NewQueryBuilder() QueryBuilder {
	return builder{}
}

func (builder) QuoteTableName(name string) string {
	if strings.Contains(name, `"`) || strings.Contains(name, ".") {
		return name
	}

	return `"` + name + `"`
}

func (builder) QuoteColumnName(name string) string {
	if strings.Contains(name, `"`) || strings.Contains(name, "(") {
		return name
	}

	return `"` + name + `"`
}

func (b builder) CreateTable(table string, columns []ColumnDef, options string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = fmt.Sprintf("%s %s", b.QuoteColumnName(c.Name), c.Type)
	}

	sql := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", b.QuoteTableName(table), strings.Join(cols, ",\n\t"))

	if options != "" {
		sql += " " + options
	}

	return sql
}

func (b builder) DropTable(table string) string {
	return "DROP TABLE " + b.QuoteTableName(table)
}

func (b builder) RenameTable(table, newName string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", b.QuoteTableName(table), b.QuoteTableName(newName))
}

func (b builder) TruncateTable(table string) string {
	return "TRUNCATE TABLE " + b.QuoteTableName(table)
}

func (b builder) AddColumn(table string, column ColumnDef) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s",
		b.QuoteTableName(table), b.QuoteColumnName(column.Name), column.Type,
	)
}

func (b builder) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", b.QuoteTableName(table), b.QuoteColumnName(column))
}

func (b builder) RenameColumn(table, column, newName string) string {
	return fmt.Sprintf(
		"ALTER TABLE %s RENAME COLUMN %s TO %s",
		b.QuoteTableName(table), b.QuoteColumnName(column), b.QuoteColumnName(newName),
	)
}

func (b builder) AlterColumn(table string, column ColumnDef) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN %s TYPE %s",
		b.QuoteTableName(table), b.QuoteColumnName(column.Name), column.Type,
	)
}

func (b builder) CreateIndex(name, table string, columns []string, unique bool) string {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}

	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = b.QuoteColumnName(c)
	}

	return fmt.Sprintf(
		"CREATE %s %s ON %s (%s)",
		kind, b.QuoteColumnName(name), b.QuoteTableName(table), strings.Join(cols, ", "),
	)
}

func (b builder) DropIndex(name, _ string) string {
	return "DROP INDEX " + b.QuoteColumnName(name)
}

func (b builder) AddPrimaryKey(name, table string, columns []string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = b.QuoteColumnName(c)
	}

	return fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)",
		b.QuoteTableName(table), b.QuoteColumnName(name), strings.Join(cols, ", "),
	)
}

func (b builder) DropPrimaryKey(name, table string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", b.QuoteTableName(table), b.QuoteColumnName(name))
}

func (b builder) AddForeignKey(name, table string, columns []string, refTable string, refColumns []string, onDelete, onUpdate string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = b.QuoteColumnName(c)
	}

	refCols := make([]string, len(refColumns))
	for i, c := range refColumns {
		refCols[i] = b.QuoteColumnName(c)
	}

	sql := fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		b.QuoteTableName(table), b.QuoteColumnName(name),
		strings.Join(cols, ", "), b.QuoteTableName(refTable), strings.Join(refCols, ", "),
	)

	if onDelete != "" {
		sql += " ON DELETE " + onDelete
	}

	if onUpdate != "" {
		sql += " ON UPDATE " + onUpdate
	}

	return sql
}

func (b builder) DropForeignKey(name, table string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", b.QuoteTableName(table), b.QuoteColumnName(name))
}

// check interfaces
var (
	_ QueryBuilder = builder{}
)
