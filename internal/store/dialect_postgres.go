package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{prefix: "$"}
}

func (d *PostgresDialect) QuoteIdent(name string) string { return quoteWith(name, `"`, `"`) }
func (d *PostgresDialect) NowExpr() string              { return "NOW()" }
func (d *PostgresDialect) NeedsBoolFix() bool           { return false }

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	return inExpr(field, pb, values)
}

func (d *PostgresDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	return notInExpr(field, pb, values)
}

func (d *PostgresDialect) Paginate(pb ParamBuilder, limit, offset int, _ bool) string {
	clause := "LIMIT " + pb.Add(limit)
	if offset > 0 {
		clause += " OFFSET " + pb.Add(offset)
	}
	return clause
}

func (d *PostgresDialect) InsertSQL(table string, columns, values, returning []string) string {
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

func (d *PostgresDialect) SelectExpr(column, dbType string) string {
	q := d.QuoteIdent(column)
	switch baseType(dbType) {
	case "geometry", "geography":
		return fmt.Sprintf("ST_AsText(%s) AS %s", q, q)
	case "money":
		return fmt.Sprintf("%s::numeric AS %s", q, q)
	}
	return q
}

func (d *PostgresDialect) LogicalType(dbType string) string {
	switch baseType(dbType) {
	case "smallint", "integer", "int", "int2", "int4", "serial", "smallserial":
		return "int"
	case "bigint", "int8", "bigserial":
		return "bigint"
	case "boolean", "bool":
		return "boolean"
	case "numeric", "decimal", "money":
		return "decimal"
	case "real", "double precision", "float4", "float8":
		return "float"
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		return "timestamp"
	case "date":
		return "date"
	case "time", "time without time zone", "time with time zone", "timetz":
		return "time"
	case "uuid":
		return "uuid"
	case "json", "jsonb":
		return "json"
	case "bytea":
		return "binary"
	case "geometry", "geography":
		return "geometry"
	case "text":
		return "text"
	default:
		return "string"
	}
}

func (d *PostgresDialect) Tables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := QueryRows(ctx, q,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		 ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, asString(r["table_name"]))
	}
	return names, nil
}

const pgColumnsSQL = `
SELECT c.column_name, c.data_type, c.udt_name, c.is_nullable, c.column_default,
       c.character_maximum_length, c.is_identity, c.is_generated,
       CASE WHEN pk.column_name IS NULL THEN 0 ELSE 1 END AS is_pk
FROM information_schema.columns c
LEFT JOIN (
    SELECT ku.column_name
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage ku
      ON tc.constraint_name = ku.constraint_name AND tc.table_schema = ku.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
      AND tc.table_schema = current_schema() AND tc.table_name = $1
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`

func (d *PostgresDialect) Columns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := QueryRows(ctx, q, pgColumnsSQL, table)
	if err != nil {
		return nil, err
	}
	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		dbType := asString(r["data_type"])
		if dbType == "USER-DEFINED" || dbType == "ARRAY" {
			dbType = asString(r["udt_name"])
		}
		def := asString(r["column_default"])
		cols = append(cols, Column{
			Name:          asString(r["column_name"]),
			DBType:        dbType,
			Nullable:      asString(r["is_nullable"]) == "YES",
			HasDefault:    r["column_default"] != nil,
			PrimaryKey:    asInt(r["is_pk"]) == 1,
			AutoIncrement: strings.HasPrefix(def, "nextval(") || asString(r["is_identity"]) == "YES",
			ReadOnly:      asString(r["is_generated"]) == "ALWAYS",
			MaxLength:     asInt(r["character_maximum_length"]),
		})
	}
	return cols, nil
}

const pgForeignKeysSQL = `
SELECT kcu.table_name, kcu.column_name, ccu.table_name AS ref_table, ccu.column_name AS ref_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = current_schema()
ORDER BY kcu.table_name, kcu.column_name`

func (d *PostgresDialect) ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error) {
	rows, err := QueryRows(ctx, q, pgForeignKeysSQL)
	if err != nil {
		return nil, err
	}
	fks := make([]ForeignKey, 0, len(rows))
	for _, r := range rows {
		fks = append(fks, ForeignKey{
			Table:     asString(r["table_name"]),
			Column:    asString(r["column_name"]),
			RefTable:  asString(r["ref_table"]),
			RefColumn: asString(r["ref_column"]),
		})
	}
	return fks, nil
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case "23503":
			return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
		}
		return err
	}
	// Fall back to the message text for wrapped driver errors
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "23503") || strings.Contains(errStr, "violates foreign key") {
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}
