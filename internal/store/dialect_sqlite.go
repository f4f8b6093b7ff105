package store

import (
	"context"
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{prefix: "?"}
}

func (d *SQLiteDialect) QuoteIdent(name string) string { return quoteWith(name, `"`, `"`) }
func (d *SQLiteDialect) NowExpr() string              { return "datetime('now')" }
func (d *SQLiteDialect) NeedsBoolFix() bool           { return true }

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	return inExpr(field, pb, values)
}

func (d *SQLiteDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	return notInExpr(field, pb, values)
}

func (d *SQLiteDialect) Paginate(pb ParamBuilder, limit, offset int, _ bool) string {
	clause := "LIMIT " + pb.Add(limit)
	if offset > 0 {
		clause += " OFFSET " + pb.Add(offset)
	}
	return clause
}

func (d *SQLiteDialect) InsertSQL(table string, columns, values, returning []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		fmt.Fprintf(&b, " (%s) VALUES (%s)", strings.Join(columns, ", "), strings.Join(values, ", "))
	}
	if len(returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(strings.Join(returning, ", "))
	}
	return b.String()
}

func (d *SQLiteDialect) SelectExpr(column, _ string) string {
	return d.QuoteIdent(column)
}

// LogicalType follows SQLite's type-affinity rules, with the common declared
// names (BOOLEAN, DATETIME, DATE, JSON) recognized before the affinity fallback.
func (d *SQLiteDialect) LogicalType(dbType string) string {
	t := baseType(dbType)
	switch t {
	case "boolean", "bool":
		return "boolean"
	case "datetime", "timestamp":
		return "timestamp"
	case "date":
		return "date"
	case "time":
		return "time"
	case "json":
		return "json"
	case "uuid":
		return "uuid"
	case "bigint":
		return "bigint"
	case "decimal", "numeric":
		return "decimal"
	}
	switch {
	case strings.Contains(t, "int"):
		return "int"
	case strings.Contains(t, "char"), strings.Contains(t, "clob"):
		return "string"
	case strings.Contains(t, "text"):
		return "text"
	case strings.Contains(t, "blob"), t == "":
		return "binary"
	case strings.Contains(t, "real"), strings.Contains(t, "floa"), strings.Contains(t, "doub"):
		return "float"
	default:
		return "decimal"
	}
}

func (d *SQLiteDialect) Tables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := QueryRows(ctx, q,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, asString(r["name"]))
	}
	return names, nil
}

func (d *SQLiteDialect) Columns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := QueryRows(ctx, q, fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdent(table)))
	if err != nil {
		return nil, err
	}
	pkCount := 0
	for _, r := range rows {
		if asInt(r["pk"]) > 0 {
			pkCount++
		}
	}
	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		dbType := asString(r["type"])
		pk := asInt(r["pk"]) > 0
		cols = append(cols, Column{
			Name:       asString(r["name"]),
			DBType:     dbType,
			Nullable:   asInt(r["notnull"]) == 0 && !pk,
			HasDefault: r["dflt_value"] != nil,
			PrimaryKey: pk,
			// A lone INTEGER PRIMARY KEY aliases the rowid and is assigned automatically.
			AutoIncrement: pk && pkCount == 1 && strings.EqualFold(baseType(dbType), "integer"),
		})
	}
	return cols, nil
}

func (d *SQLiteDialect) ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error) {
	tables, err := d.Tables(ctx, q)
	if err != nil {
		return nil, err
	}
	var fks []ForeignKey
	for _, table := range tables {
		rows, err := QueryRows(ctx, q, fmt.Sprintf("PRAGMA foreign_key_list(%s)", d.QuoteIdent(table)))
		if err != nil {
			return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
		}
		// Composite keys share an id across several rows; only single-column keys are relations.
		perID := make(map[int64]int, len(rows))
		for _, r := range rows {
			perID[asInt(r["id"])]++
		}
		for _, r := range rows {
			if perID[asInt(r["id"])] > 1 {
				continue
			}
			fks = append(fks, ForeignKey{
				Table:     table,
				Column:    asString(r["from"]),
				RefTable:  asString(r["table"]),
				RefColumn: asString(r["to"]),
			})
		}
	}
	return fks, nil
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}
