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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
	"github.com/stratumdb/stratum/internal/util/observability"
)

// component namespaces cache keys and tags of this package.
const component = "metadata"

// Querier runs introspection queries.
// It is implemented by the database over its connection pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (*driver.Result, error)
}

// Config represents registry configuration.
type Config struct {
	Querier Querier
	Cache   Cache // required if CacheEnabled

	// DSN and Username namespace cache keys;
	// they are never used for dialing.
	DSN      string
	Username string

	TablePrefix  string
	CacheEnabled bool
	CacheTTL     time.Duration // zero means no expiry

	Logger *zap.Logger
}

// Registry provides table metadata with two lookup tiers:
// a per-process memory map, then the configured cache, then introspection queries.
//
// Cache read and write failures never fail a lookup; they degrade to a miss.
type Registry struct {
	q       Querier
	cache   Cache
	dsn     string
	username string
	prefix  string
	cached  bool
	ttl     time.Duration
	l       *zap.Logger

	loaders map[MetaType]loaderFunc

	// loadMu serializes loaders so concurrent misses for one table
	// produce a single round of queries.
	loadMu sync.Mutex

	rw     sync.RWMutex
	tables map[string]*TableMetadata
	names  []string
}

// NewRegistry creates a registry over the given querier and cache.
func NewRegistry(config *Config) (*Registry, error) {
	if config == nil || config.Querier == nil {
		return nil, lazyerrors.New("querier is required")
	}

	if config.CacheEnabled && config.Cache == nil {
		return nil, lazyerrors.New("cache is enabled but not set")
	}

	l := config.Logger
	if l == nil {
		l = zap.NewNop()
	}

	r := &Registry{
		q:        config.Querier,
		cache:    config.Cache,
		dsn:      config.DSN,
		username: config.Username,
		prefix:   config.TablePrefix,
		cached:   config.CacheEnabled,
		ttl:      config.CacheTTL,
		l:        l.Named("metadata"),
		tables:   map[string]*TableMetadata{},
	}

	r.loaders = map[MetaType]loaderFunc{
		MetaTableSchema: r.loadTableSchema,
		MetaPrimaryKey:  r.loadPrimaryKey,
		MetaForeignKeys: r.loadForeignKeys,
		MetaIndexes:     r.loadIndexes,
		MetaUniques:     r.loadUniques,
		MetaChecks:      r.loadChecks,
		MetaDefaults:    r.loadDefaults,
	}

	return r, nil
}

// RawTableName resolves a logical table name to the physical one:
// surrounding {{...}} is stripped, and a leading % becomes the table prefix.
func (r *Registry) RawTableName(name string) string {
	name = strings.TrimSuffix(strings.TrimPrefix(name, "{{"), "}}")

	if rest, ok := strings.CutPrefix(name, "%"); ok {
		name = r.prefix + rest
	}

	return name
}

// TableSchema returns column definitions, or nil if the table does not exist.
func (r *Registry) TableSchema(ctx context.Context, name string, refresh bool) (*TableSchema, error) {
	md, err := r.getMeta(ctx, name, MetaTableSchema, refresh)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return md.Schema, nil
}

// TablePrimaryKey returns the primary key, or nil if there is none.
func (r *Registry) TablePrimaryKey(ctx context.Context, name string, refresh bool) (*PrimaryKey, error) {
	md, err := r.getMeta(ctx, name, MetaPrimaryKey, refresh)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return md.PrimaryKey, nil
}

// TableForeignKeys returns foreign key constraints.
func (r *Registry) TableForeignKeys(ctx context.Context, name string, refresh bool) ([]ForeignKey, error) {
	md, err := r.getMeta(ctx, name, MetaForeignKeys, refresh)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return md.ForeignKeys, nil
}

// TableIndexes returns non-primary indexes.
func (r *Registry) TableIndexes(ctx context.Context, name string, refresh bool) ([]Index, error) {
	md, err := r.getMeta(ctx, name, MetaIndexes, refresh)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return md.Indexes, nil
}

// TableUniques returns unique constraints.
func (r *Registry) TableUniques(ctx context.Context, name string, refresh bool) ([]Unique, error) {
	md, err := r.getMeta(ctx, name, MetaUniques, refresh)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return md.Uniques, nil
}

// TableChecks returns check constraints.
func (r *Registry) TableChecks(ctx context.Context, name string, refresh bool) ([]Check, error) {
	md, err := r.getMeta(ctx, name, MetaChecks, refresh)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return md.Checks, nil
}

// TableDefaults returns named default value constraints.
// For PostgreSQL it returns [driver.ErrNotSupported].
func (r *Registry) TableDefaults(ctx context.Context, name string, refresh bool) ([]DefaultValue, error) {
	md, err := r.getMeta(ctx, name, MetaDefaults, refresh)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return md.Defaults, nil
}

// getMeta returns the table's metadata bundle with the given type populated,
// consulting the memory map, then the cache, then the loader.
func (r *Registry) getMeta(ctx context.Context, name string, t MetaType, refresh bool) (*TableMetadata, error) {
	defer observability.FuncCall(ctx)()

	raw := r.RawTableName(name)

	if !refresh {
		if md := r.memGet(raw); md.has(t) {
			return md, nil
		}

		if md := r.cacheGet(ctx, raw); md.has(t) {
			r.memSet(raw, md)
			return md.deepCopy(), nil
		}
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	md := r.memGet(raw)

	if !refresh && md.has(t) {
		return md, nil
	}

	if md == nil {
		md = new(TableMetadata)
	}

	md.clear(t)

	if err := r.loaders[t](ctx, raw, md); err != nil {
		return nil, lazyerrors.Error(err)
	}

	r.memSet(raw, md)
	r.cacheSet(ctx, raw, md)

	return md, nil
}

// Table returns the full metadata bundle for one table,
// loading any missing types. Types the DBMS does not support stay unloaded.
func (r *Registry) Table(ctx context.Context, name string) (*TableMetadata, error) {
	for _, t := range MetaTypes() {
		if _, err := r.getMeta(ctx, name, t, false); err != nil {
			if errors.Is(err, driver.ErrNotSupported) {
				continue
			}

			return nil, lazyerrors.Error(err)
		}
	}

	return r.memGet(r.RawTableName(name)), nil
}

// RefreshTable reloads every metadata type of one table from the database,
// replacing the memory and cache copies.
//
// Types the DBMS does not support are skipped;
// other per-type failures are logged and leave that type unloaded.
func (r *Registry) RefreshTable(ctx context.Context, name string) error {
	defer observability.FuncCall(ctx)()

	raw := r.RawTableName(name)
	types := MetaTypes()
	parts := make([]*TableMetadata, len(types))

	var eg errgroup.Group

	for i, t := range types {
		i, t := i, t

		eg.Go(func() error {
			part := new(TableMetadata)

			if err := r.loaders[t](ctx, raw, part); err != nil {
				if !errors.Is(err, driver.ErrNotSupported) {
					r.l.Warn(
						"Metadata refresh failed",
						zap.String("table", raw), zap.Stringer("type", t), zap.Error(err),
					)
				}

				return nil
			}

			parts[i] = part

			return nil
		})
	}

	_ = eg.Wait()

	md := new(TableMetadata)

	for i, t := range types {
		if parts[i] != nil {
			md.merge(t, parts[i])
		}
	}

	r.memSet(raw, md)
	r.cacheSet(ctx, raw, md)

	return nil
}

// Refresh drops all metadata from the memory map and,
// if caching is enabled, invalidates this connection's cache entries by tag.
func (r *Registry) Refresh(ctx context.Context) {
	r.rw.Lock()
	r.tables = map[string]*TableMetadata{}
	r.names = nil
	r.rw.Unlock()

	if !r.cached {
		return
	}

	if err := r.cache.DeleteByTag(ctx, CacheTag(component, r.dsn, r.username)); err != nil {
		r.l.Warn("Cache invalidation failed", zap.Error(err))
	}
}

// TableNames returns physical names of base tables in the current schema.
func (r *Registry) TableNames(ctx context.Context, refresh bool) ([]string, error) {
	defer observability.FuncCall(ctx)()

	if !refresh {
		r.rw.RLock()
		names := r.names
		r.rw.RUnlock()

		if names != nil {
			return names, nil
		}
	}

	q := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	res, err := r.q.Query(ctx, q)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	names := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		names = append(names, asString(row[0]))
	}

	r.rw.Lock()
	r.names = names
	r.rw.Unlock()

	return names, nil
}

// HasTable reports whether the given table exists.
func (r *Registry) HasTable(ctx context.Context, name string) (bool, error) {
	raw := r.RawTableName(name)

	names, err := r.TableNames(ctx, false)
	if err != nil {
		return false, lazyerrors.Error(err)
	}

	for _, n := range names {
		if n == raw {
			return true, nil
		}
	}

	return false, nil
}

// memGet returns a copy of the memory map entry, or nil.
func (r *Registry) memGet(raw string) *TableMetadata {
	r.rw.RLock()
	defer r.rw.RUnlock()

	return r.tables[raw].deepCopy()
}

// memSet stores a copy in the memory map.
func (r *Registry) memSet(raw string, md *TableMetadata) {
	r.rw.Lock()
	defer r.rw.Unlock()

	r.tables[raw] = md.deepCopy()
}

// cacheGet returns the cached bundle, or nil on a miss or any cache failure.
func (r *Registry) cacheGet(ctx context.Context, raw string) *TableMetadata {
	if !r.cached {
		return nil
	}

	b, err := r.cache.Get(ctx, r.cacheKey(raw))
	if err != nil {
		r.l.Warn("Cache read failed", zap.String("table", raw), zap.Error(err))
		return nil
	}

	if b == nil {
		return nil
	}

	var md TableMetadata
	if err = json.Unmarshal(b, &md); err != nil {
		r.l.Warn("Cache entry malformed", zap.String("table", raw), zap.Error(err))
		return nil
	}

	return &md
}

// cacheSet writes the bundle through to the cache; failures are logged only.
func (r *Registry) cacheSet(ctx context.Context, raw string, md *TableMetadata) {
	if !r.cached {
		return
	}

	b, err := json.Marshal(md)
	if err != nil {
		r.l.Warn("Cache entry marshaling failed", zap.String("table", raw), zap.Error(err))
		return
	}

	tags := []string{CacheTag(component, r.dsn, r.username)}

	if err = r.cache.Set(ctx, r.cacheKey(raw), b, r.ttl, tags); err != nil {
		r.l.Warn("Cache write failed", zap.String("table", raw), zap.Error(err))
	}
}

// cacheKey returns the cache key for one table.
func (r *Registry) cacheKey(raw string) string {
	return CacheKey(component, r.dsn, r.username, raw)
}

// Describe returns a human-readable summary of one table's metadata.
func Describe(md *TableMetadata) string {
	if md == nil || md.Schema == nil {
		return "table does not exist\n"
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Table %s (%d columns)\n", md.Schema.RawName, len(md.Schema.Columns))

	for _, c := range md.Schema.Columns {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}

		fmt.Fprintf(&sb, "  %-30s %-20s %s", c.Name, c.Type, null)

		if c.AutoIncrement {
			sb.WriteString(" AUTOINCREMENT")
		}

		if c.Default != nil {
			fmt.Fprintf(&sb, " DEFAULT %s", *c.Default)
		}

		sb.WriteString("\n")
	}

	if md.PrimaryKey != nil {
		fmt.Fprintf(&sb, "Primary key: %s (%s)\n", md.PrimaryKey.Name, strings.Join(md.PrimaryKey.Columns, ", "))
	}

	for _, fk := range md.ForeignKeys {
		fmt.Fprintf(
			&sb, "Foreign key: %s (%s) -> %s (%s)\n",
			fk.Name, strings.Join(fk.Columns, ", "), fk.RefTable, strings.Join(fk.RefColumns, ", "),
		)
	}

	for _, ix := range md.Indexes {
		kind := "Index"
		if ix.Unique {
			kind = "Unique index"
		}

		fmt.Fprintf(&sb, "%s: %s (%s)\n", kind, ix.Name, strings.Join(ix.Columns, ", "))
	}

	for _, c := range md.Checks {
		fmt.Fprintf(&sb, "Check: %s %s\n", c.Name, c.Expression)
	}

	return sb.String()
}
