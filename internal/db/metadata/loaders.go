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

package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
)

// loaderFunc loads one metadata type for the given raw table name into md.
type loaderFunc func(ctx context.Context, raw string, md *TableMetadata) error

// loadTableSchema loads column definitions.
func (r *Registry) loadTableSchema(ctx context.Context, raw string, md *TableMetadata) error {
	q := `
		SELECT c.column_name, c.data_type, c.udt_name, c.is_nullable, c.column_default,
		       c.character_maximum_length, c.numeric_precision, c.numeric_scale
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`

	res, err := r.q.Query(ctx, q, raw)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer md.markLoaded(MetaTableSchema)

	if len(res.Rows) == 0 {
		// table does not exist
		return nil
	}

	ts := &TableSchema{
		Name:    raw,
		RawName: raw,
	}

	var enumTypes []string

	for _, row := range res.Rows {
		col := &ColumnSchema{
			Name:      asString(row[0]),
			Nullable:  asString(row[3]) == "YES",
			Default:   asNullString(row[4]),
			Size:      asInt(row[5]),
			Precision: asInt(row[6]),
			Scale:     asInt(row[7]),
		}

		dataType := asString(row[1])
		udtName := asString(row[2])
		col.Type = normalizeType(dataType, udtName, col.Size)

		if dataType == "USER-DEFINED" {
			enumTypes = append(enumTypes, udtName)
		}

		if col.Default != nil && strings.HasPrefix(*col.Default, "nextval(") {
			col.AutoIncrement = true
			col.Default = nil

			if ts.SequenceName == "" {
				ts.SequenceName = sequenceName(asString(row[4]))
			}
		}

		ts.Columns = append(ts.Columns, col)
	}

	if len(enumTypes) > 0 {
		if err = r.loadEnumValues(ctx, ts, enumTypes); err != nil {
			return lazyerrors.Error(err)
		}
	}

	md.Schema = ts

	return nil
}

// loadEnumValues fills enum labels for user-defined column types.
func (r *Registry) loadEnumValues(ctx context.Context, ts *TableSchema, enumTypes []string) error {
	q := `
		SELECT t.typname, e.enumlabel
		FROM pg_type t
		JOIN pg_enum e ON t.oid = e.enumtypid
		JOIN pg_namespace n ON t.typnamespace = n.oid
		WHERE n.nspname = current_schema() AND t.typname = ANY($1)
		ORDER BY t.typname, e.enumsortorder`

	res, err := r.q.Query(ctx, q, enumTypes)
	if err != nil {
		return lazyerrors.Error(err)
	}

	values := map[string][]string{}
	for _, row := range res.Rows {
		name := asString(row[0])
		values[name] = append(values[name], asString(row[1]))
	}

	for _, col := range ts.Columns {
		if v, ok := values[col.Type]; ok {
			col.EnumValues = v
		}
	}

	return nil
}

// loadPrimaryKey loads the primary key constraint.
func (r *Registry) loadPrimaryKey(ctx context.Context, raw string, md *TableMetadata) error {
	q := `
		SELECT tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`

	res, err := r.q.Query(ctx, q, raw)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer md.markLoaded(MetaPrimaryKey)

	for _, row := range res.Rows {
		if md.PrimaryKey == nil {
			md.PrimaryKey = &PrimaryKey{Name: asString(row[0])}
		}

		md.PrimaryKey.Columns = append(md.PrimaryKey.Columns, asString(row[1]))
	}

	return nil
}

// loadForeignKeys loads foreign key constraints, grouped by constraint name.
func (r *Registry) loadForeignKeys(ctx context.Context, raw string, md *TableMetadata) error {
	q := `
		SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name,
		       rc.update_rule, rc.delete_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.table_schema
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1 AND tc.constraint_type = 'FOREIGN KEY'
		ORDER BY tc.constraint_name, kcu.ordinal_position`

	res, err := r.q.Query(ctx, q, raw)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer md.markLoaded(MetaForeignKeys)

	for _, row := range res.Rows {
		name := asString(row[0])

		if n := len(md.ForeignKeys); n > 0 && md.ForeignKeys[n-1].Name == name {
			fk := &md.ForeignKeys[n-1]
			fk.Columns = append(fk.Columns, asString(row[1]))
			fk.RefColumns = append(fk.RefColumns, asString(row[3]))

			continue
		}

		md.ForeignKeys = append(md.ForeignKeys, ForeignKey{
			Name:       name,
			Columns:    []string{asString(row[1])},
			RefTable:   asString(row[2]),
			RefColumns: []string{asString(row[3])},
			OnUpdate:   asString(row[4]),
			OnDelete:   asString(row[5]),
		})
	}

	return nil
}

// loadIndexes loads non-primary indexes.
func (r *Registry) loadIndexes(ctx context.Context, raw string, md *TableMetadata) error {
	q := `
		SELECT i.relname, ix.indisunique,
		       string_agg(a.attname, ',' ORDER BY array_position(ix.indkey, a.attnum))
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE t.relkind = 'r' AND n.nspname = current_schema() AND t.relname = $1 AND NOT ix.indisprimary
		GROUP BY i.relname, ix.indisunique
		ORDER BY i.relname`

	res, err := r.q.Query(ctx, q, raw)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer md.markLoaded(MetaIndexes)

	for _, row := range res.Rows {
		md.Indexes = append(md.Indexes, Index{
			Name:    asString(row[0]),
			Unique:  asBool(row[1]),
			Columns: strings.Split(asString(row[2]), ","),
		})
	}

	return nil
}

// loadUniques loads unique constraints, grouped by constraint name.
func (r *Registry) loadUniques(ctx context.Context, raw string, md *TableMetadata) error {
	q := `
		SELECT tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1 AND tc.constraint_type = 'UNIQUE'
		ORDER BY tc.constraint_name, kcu.ordinal_position`

	res, err := r.q.Query(ctx, q, raw)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer md.markLoaded(MetaUniques)

	for _, row := range res.Rows {
		name := asString(row[0])

		if n := len(md.Uniques); n > 0 && md.Uniques[n-1].Name == name {
			md.Uniques[n-1].Columns = append(md.Uniques[n-1].Columns, asString(row[1]))
			continue
		}

		md.Uniques = append(md.Uniques, Unique{
			Name:    name,
			Columns: []string{asString(row[1])},
		})
	}

	return nil
}

// loadChecks loads check constraints.
func (r *Registry) loadChecks(ctx context.Context, raw string, md *TableMetadata) error {
	q := `
		SELECT con.conname, pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		JOIN pg_class rel ON rel.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = rel.relnamespace
		WHERE con.contype = 'c' AND n.nspname = current_schema() AND rel.relname = $1
		ORDER BY con.conname`

	res, err := r.q.Query(ctx, q, raw)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer md.markLoaded(MetaChecks)

	for _, row := range res.Rows {
		md.Checks = append(md.Checks, Check{
			Name:       asString(row[0]),
			Expression: asString(row[1]),
		})
	}

	return nil
}

// loadDefaults is not supported by PostgreSQL:
// default values are column properties, not named constraints.
func (r *Registry) loadDefaults(context.Context, string, *TableMetadata) error {
	return driver.ErrNotSupported
}

// normalizeType maps verbose SQL type names to the commonly-used PostgreSQL equivalents.
func normalizeType(dataType, udtName string, size *int) string {
	switch dataType {
	case "timestamp with time zone":
		return "timestamptz"
	case "timestamp without time zone":
		return "timestamp"
	case "time with time zone":
		return "timetz"
	case "time without time zone":
		return "time"
	case "character varying":
		if size != nil {
			return fmt.Sprintf("varchar(%d)", *size)
		}
		return "varchar"
	case "character":
		if size != nil {
			return fmt.Sprintf("char(%d)", *size)
		}
		return "char"
	case "USER-DEFINED":
		return udtName
	default:
		return dataType
	}
}

// sequenceName extracts the sequence name from a nextval() column default.
func sequenceName(def string) string {
	rest, ok := strings.CutPrefix(def, "nextval('")
	if !ok {
		return ""
	}

	if i := strings.Index(rest, "'"); i >= 0 {
		return rest[:i]
	}

	return ""
}

// asString converts a raw result value to a string.
func asString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// asNullString converts a raw result value to a nullable string.
func asNullString(v any) *string {
	if v == nil {
		return nil
	}

	s := asString(v)

	return &s
}

// asBool converts a raw result value to a bool.
func asBool(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case string:
		return v == "t" || v == "true" || v == "YES"
	default:
		return false
	}
}

// asInt converts a raw result value to a nullable int.
func asInt(v any) *int {
	var i int

	switch v := v.(type) {
	case nil:
		return nil
	case int:
		i = v
	case int16:
		i = int(v)
	case int32:
		i = int(v)
	case int64:
		i = int(v)
	case float64:
		i = int(v)
	default:
		return nil
	}

	return &i
}
