package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"baas-gateway/internal/store"
)

var ErrTableNotFound = errors.New("table not found")

// SchemaError reports a failed live introspection. It is fatal for the calling operation.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema introspection failed: %v", e.Err)
	}
	return fmt.Sprintf("schema introspection for %s failed: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Cache holds table descriptors for one database service. Each table is
// introspected on first use and never refreshed for the lifetime of the Cache.
type Cache struct {
	dialect   store.Dialect
	overrides Overrides

	mu     sync.RWMutex
	tables map[string]*Table
	names  []string
	fks    []store.ForeignKey
	loaded struct{ names, fks bool }

	group singleflight.Group
}

// NewCache creates an empty cache. Overrides are validated up front.
func NewCache(dialect store.Dialect, overrides Overrides) (*Cache, error) {
	if err := overrides.validate(); err != nil {
		return nil, err
	}
	return &Cache{
		dialect:   dialect,
		overrides: overrides.normalized(),
		tables:    make(map[string]*Table),
	}, nil
}

// do runs fn once per key among concurrent callers. A caller inside a
// transaction runs fn alone: its tx may hold the only connection another
// caller's shared lookup is waiting for.
func (c *Cache) do(q store.Querier, key string, fn func() (any, error)) (any, error) {
	if _, inTx := q.(*sql.Tx); inTx {
		return fn()
	}
	v, err, _ := c.group.Do(key, fn)
	return v, err
}

// Table returns the descriptor for name, introspecting through q on first use.
// Concurrent first calls for the same table share one introspection.
func (c *Cache) Table(ctx context.Context, q store.Querier, name string) (*Table, error) {
	key := fold(name)
	c.mu.RLock()
	t, ok := c.tables[key]
	c.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err := c.do(q, "table:"+key, func() (any, error) {
		c.mu.RLock()
		t, ok := c.tables[key]
		c.mu.RUnlock()
		if ok {
			return t, nil
		}
		t, err := c.load(ctx, q, name)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tables[key] = t
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

// DescribeFields returns the field descriptors of a table.
func (c *Cache) DescribeFields(ctx context.Context, q store.Querier, table string) ([]*Field, error) {
	t, err := c.Table(ctx, q, table)
	if err != nil {
		return nil, err
	}
	return t.Fields, nil
}

// DescribeRelations returns the relation descriptors of a table keyed by name.
func (c *Cache) DescribeRelations(ctx context.Context, q store.Querier, table string) (map[string]*Relation, error) {
	t, err := c.Table(ctx, q, table)
	if err != nil {
		return nil, err
	}
	return t.Relations, nil
}

// Tables returns the names of all base tables.
func (c *Cache) Tables(ctx context.Context, q store.Querier) ([]string, error) {
	c.mu.RLock()
	if c.loaded.names {
		names := c.names
		c.mu.RUnlock()
		return names, nil
	}
	c.mu.RUnlock()

	v, err := c.do(q, "names", func() (any, error) {
		names, err := c.dialect.Tables(ctx, q)
		if err != nil {
			return nil, &SchemaError{Err: err}
		}
		c.mu.Lock()
		c.names, c.loaded.names = names, true
		c.mu.Unlock()
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *Cache) foreignKeys(ctx context.Context, q store.Querier) ([]store.ForeignKey, error) {
	c.mu.RLock()
	if c.loaded.fks {
		fks := c.fks
		c.mu.RUnlock()
		return fks, nil
	}
	c.mu.RUnlock()

	v, err := c.do(q, "fks", func() (any, error) {
		fks, err := c.dialect.ForeignKeys(ctx, q)
		if err != nil {
			return nil, &SchemaError{Err: err}
		}
		// Resolve implicit references to the referenced table's primary key.
		pks := map[string]string{}
		for i := range fks {
			if fks[i].RefColumn != "" {
				continue
			}
			ref := fks[i].RefTable
			if _, ok := pks[ref]; !ok {
				cols, err := c.dialect.Columns(ctx, q, ref)
				if err != nil {
					return nil, &SchemaError{Table: ref, Err: err}
				}
				for _, col := range cols {
					if col.PrimaryKey {
						pks[ref] = col.Name
						break
					}
				}
			}
			fks[i].RefColumn = pks[ref]
		}
		c.mu.Lock()
		c.fks, c.loaded.fks = fks, true
		c.mu.Unlock()
		return fks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.ForeignKey), nil
}

func (c *Cache) load(ctx context.Context, q store.Querier, name string) (*Table, error) {
	names, err := c.Tables(ctx, q)
	if err != nil {
		return nil, err
	}
	actual := ""
	for _, n := range names {
		if fold(n) == fold(name) {
			actual = n
			break
		}
	}
	if actual == "" {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	cols, err := c.dialect.Columns(ctx, q, actual)
	if err != nil {
		return nil, &SchemaError{Table: actual, Err: err}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	fks, err := c.foreignKeys(ctx, q)
	if err != nil {
		return nil, err
	}

	links, err := c.linkTables(ctx, q, actual, fks)
	if err != nil {
		return nil, err
	}

	fields := make([]*Field, 0, len(cols))
	for _, col := range cols {
		fields = append(fields, c.buildField(actual, col))
	}
	return newTable(actual, fields, buildRelations(actual, fields, fks, links)), nil
}

// linkTables returns the folded names of the tables referencing table that
// qualify as many_to_many join tables.
func (c *Cache) linkTables(ctx context.Context, q store.Querier, table string, fks []store.ForeignKey) (map[string]bool, error) {
	byTable := make(map[string][]store.ForeignKey)
	for _, fk := range fks {
		byTable[fold(fk.Table)] = append(byTable[fold(fk.Table)], fk)
	}
	links := make(map[string]bool)
	for _, fk := range fks {
		key := fold(fk.Table)
		if _, seen := links[key]; seen || !strings.EqualFold(fk.RefTable, table) {
			continue
		}
		links[key] = false
		if len(byTable[key]) != 2 {
			continue
		}
		cols, err := c.dialect.Columns(ctx, q, fk.Table)
		if err != nil {
			return nil, &SchemaError{Table: fk.Table, Err: err}
		}
		links[key] = isLinkTable(cols, byTable[key])
	}
	return links, nil
}
