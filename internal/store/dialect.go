package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Dialect abstracts database-specific SQL generation, introspection and behavior.
type Dialect interface {
	// Name returns "postgres", "sqlite" or "sqlserver".
	Name() string

	// DriverName returns the database/sql driver name ("pgx", "sqlite" or "sqlserver").
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// QuoteIdent quotes a table or column name.
	QuoteIdent(name string) string

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// NeedsBoolFix returns true if boolean columns are narrow integers (SQLite INTEGER, T-SQL bit)
	// and values must be written as 0/1.
	NeedsBoolFix() bool

	// InExpr builds "field IN (...)" expanding the slice into placeholders.
	InExpr(field string, pb ParamBuilder, values []any) string

	// NotInExpr builds a SQL expression for the NOT IN operator.
	NotInExpr(field string, pb ParamBuilder, values []any) string

	// Paginate returns the clause appended after WHERE/ORDER BY.
	// T-SQL needs an ORDER BY before OFFSET, so hasOrder=false adds ORDER BY (SELECT NULL).
	Paginate(pb ParamBuilder, limit, offset int, hasOrder bool) string

	// InsertSQL builds an INSERT returning the given columns.
	// An empty column list inserts a row of defaults.
	InsertSQL(table string, columns, values, returning []string) string

	// SelectExpr returns the select-list expression for a column, casting exotic
	// native types (datetime, geometry) into a readable form.
	SelectExpr(column, dbType string) string

	// LogicalType maps a native column type to a field type.
	LogicalType(dbType string) string

	// Tables lists the base tables of the current schema.
	Tables(ctx context.Context, q Querier) ([]string, error)

	// Columns introspects a table's columns. An unknown table returns an empty slice.
	Columns(ctx context.Context, q Querier, table string) ([]Column, error)

	// ForeignKeys lists every single-column foreign key of the current schema.
	ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error)

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error
}

// Column is the introspected shape of one table column.
type Column struct {
	Name          string
	DBType        string
	Nullable      bool
	HasDefault    bool
	PrimaryKey    bool
	AutoIncrement bool
	ReadOnly      bool
	MaxLength     int64
}

// ForeignKey is a single-column reference Table.Column -> RefTable.RefColumn.
// RefColumn is empty when the driver reports an implicit primary-key reference.
type ForeignKey struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any

	// Count returns the number of parameters added so far.
	Count() int
}

// NewDialect creates a Dialect for the given driver name.
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	case "sqlserver", "mssql":
		return &SQLServerDialect{}
	default:
		return &PostgresDialect{}
	}
}

// paramBuilder numbers placeholders with a dialect-specific prefix ("$", "?" or "@p").
type paramBuilder struct {
	prefix string
	params []any
	n      int
}

func (p *paramBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("%s%d", p.prefix, p.n)
}

func (p *paramBuilder) Params() []any { return p.params }
func (p *paramBuilder) Count() int    { return p.n }

func expandIn(field, op string, pb ParamBuilder, values []any) string {
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s %s (%s)", field, op, strings.Join(phs, ", "))
}

func inExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1 = 0"
	}
	return expandIn(field, "IN", pb, values)
}

func notInExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1 = 1"
	}
	return expandIn(field, "NOT IN", pb, values)
}

// quoteWith wraps name in open/close, doubling any embedded close character.
func quoteWith(name, open, close string) string {
	return open + strings.ReplaceAll(name, close, close+close) + close
}

// baseType strips length/precision modifiers: "varchar(255)" -> "varchar".
func baseType(dbType string) string {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

func asString(v any) string {
	return cast.ToString(v)
}

func asInt(v any) int64 {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	return cast.ToInt64(v)
}
