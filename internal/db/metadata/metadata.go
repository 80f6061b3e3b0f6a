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

// Package metadata provides access to table metadata,
// backed by an expiring, tag-addressable cache.
package metadata

import (
	"slices"
)

// MetaType identifies one kind of table metadata.
type MetaType int

// Table metadata types.
const (
	_ MetaType = iota
	MetaTableSchema
	MetaPrimaryKey
	MetaForeignKeys
	MetaIndexes
	MetaUniques
	MetaChecks
	MetaDefaults
)

// String implements [fmt.Stringer].
func (t MetaType) String() string {
	switch t {
	case MetaTableSchema:
		return "schema"
	case MetaPrimaryKey:
		return "primaryKey"
	case MetaForeignKeys:
		return "foreignKeys"
	case MetaIndexes:
		return "indexes"
	case MetaUniques:
		return "uniques"
	case MetaChecks:
		return "checks"
	case MetaDefaults:
		return "defaults"
	default:
		return "unknown"
	}
}

// MetaTypes returns all metadata types, in loading order.
func MetaTypes() []MetaType {
	return []MetaType{
		MetaTableSchema,
		MetaPrimaryKey,
		MetaForeignKeys,
		MetaIndexes,
		MetaUniques,
		MetaChecks,
		MetaDefaults,
	}
}

// ColumnSchema describes a single table column.
type ColumnSchema struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Nullable      bool     `json:"nullable"`
	Default       *string  `json:"default"`
	Size          *int     `json:"size,omitempty"`
	Precision     *int     `json:"precision,omitempty"`
	Scale         *int     `json:"scale,omitempty"`
	AutoIncrement bool     `json:"autoIncrement,omitempty"`
	EnumValues    []string `json:"enumValues,omitempty"`
}

// TableSchema describes a table: its columns in definition order
// and the sequence backing its auto-increment column, if any.
type TableSchema struct {
	Name         string          `json:"name"`
	RawName      string          `json:"rawName"`
	Columns      []*ColumnSchema `json:"columns"`
	SequenceName string          `json:"sequenceName,omitempty"`
}

// Column returns the named column, or nil.
func (s *TableSchema) Column(name string) *ColumnSchema {
	if s == nil {
		return nil
	}

	for _, c := range s.Columns {
		if c.Name == name {
			return c
		}
	}

	return nil
}

// ColumnNames returns column names in definition order.
func (s *TableSchema) ColumnNames() []string {
	if s == nil {
		return nil
	}

	res := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		res[i] = c.Name
	}

	return res
}

// PrimaryKey describes a table's primary key constraint.
type PrimaryKey struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// ForeignKey describes a single foreign key constraint.
type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"refTable"`
	RefColumns []string `json:"refColumns"`
	OnUpdate   string   `json:"onUpdate,omitempty"`
	OnDelete   string   `json:"onDelete,omitempty"`
}

// Index describes a single index.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// Unique describes a single unique constraint.
type Unique struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// Check describes a single check constraint.
type Check struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// DefaultValue describes a named default value constraint.
// PostgreSQL has no such constraints; the type exists for DBMS that do.
type DefaultValue struct {
	Name   string `json:"name"`
	Column string `json:"column"`
	Value  string `json:"value"`
}

// TableMetadata bundles every metadata type for one table.
// It is cached and serialized as a unit.
//
// Loaded records which parts have been populated;
// a nil part with its type in Loaded means the table (or the part) does not exist.
type TableMetadata struct {
	Schema      *TableSchema   `json:"schema"`
	PrimaryKey  *PrimaryKey    `json:"primaryKey"`
	ForeignKeys []ForeignKey   `json:"foreignKeys"`
	Indexes     []Index        `json:"indexes"`
	Uniques     []Unique       `json:"uniques"`
	Checks      []Check        `json:"checks"`
	Defaults    []DefaultValue `json:"defaults"`

	Loaded []string `json:"loaded"`
}

// has reports whether the given metadata type has been populated.
func (md *TableMetadata) has(t MetaType) bool {
	return md != nil && slices.Contains(md.Loaded, t.String())
}

// markLoaded records that the given metadata type has been populated.
func (md *TableMetadata) markLoaded(t MetaType) {
	if !md.has(t) {
		md.Loaded = append(md.Loaded, t.String())
	}
}

// clear drops the given metadata type so a loader can repopulate it.
func (md *TableMetadata) clear(t MetaType) {
	switch t {
	case MetaTableSchema:
		md.Schema = nil
	case MetaPrimaryKey:
		md.PrimaryKey = nil
	case MetaForeignKeys:
		md.ForeignKeys = nil
	case MetaIndexes:
		md.Indexes = nil
	case MetaUniques:
		md.Uniques = nil
	case MetaChecks:
		md.Checks = nil
	case MetaDefaults:
		md.Defaults = nil
	}

	if i := slices.Index(md.Loaded, t.String()); i >= 0 {
		md.Loaded = slices.Delete(md.Loaded, i, i+1)
	}
}

// merge copies the given metadata type from src.
func (md *TableMetadata) merge(t MetaType, src *TableMetadata) {
	switch t {
	case MetaTableSchema:
		md.Schema = src.Schema
	case MetaPrimaryKey:
		md.PrimaryKey = src.PrimaryKey
	case MetaForeignKeys:
		md.ForeignKeys = src.ForeignKeys
	case MetaIndexes:
		md.Indexes = src.Indexes
	case MetaUniques:
		md.Uniques = src.Uniques
	case MetaChecks:
		md.Checks = src.Checks
	case MetaDefaults:
		md.Defaults = src.Defaults
	}

	md.markLoaded(t)
}

// deepCopy returns a deep enough copy for safe concurrent reads:
// slices are cloned, element values are never mutated in place.
func (md *TableMetadata) deepCopy() *TableMetadata {
	if md == nil {
		return nil
	}

	res := &TableMetadata{
		Schema:      md.Schema,
		PrimaryKey:  md.PrimaryKey,
		ForeignKeys: slices.Clone(md.ForeignKeys),
		Indexes:     slices.Clone(md.Indexes),
		Uniques:     slices.Clone(md.Uniques),
		Checks:      slices.Clone(md.Checks),
		Defaults:    slices.Clone(md.Defaults),
		Loaded:      slices.Clone(md.Loaded),
	}

	return res
}
