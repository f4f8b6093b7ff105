package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
)

// SQLServerDialect implements Dialect for Microsoft SQL Server (T-SQL) via go-mssqldb.
type SQLServerDialect struct{}

func (d *SQLServerDialect) Name() string       { return "sqlserver" }
func (d *SQLServerDialect) DriverName() string { return "sqlserver" }

func (d *SQLServerDialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

func (d *SQLServerDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{prefix: "@p"}
}

func (d *SQLServerDialect) QuoteIdent(name string) string { return quoteWith(name, "[", "]") }
func (d *SQLServerDialect) NowExpr() string              { return "SYSUTCDATETIME()" }
func (d *SQLServerDialect) NeedsBoolFix() bool           { return true }

func (d *SQLServerDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	return inExpr(field, pb, values)
}

func (d *SQLServerDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	return notInExpr(field, pb, values)
}

func (d *SQLServerDialect) Paginate(pb ParamBuilder, limit, offset int, hasOrder bool) string {
	clause := fmt.Sprintf("OFFSET %s ROWS FETCH NEXT %s ROWS ONLY", pb.Add(offset), pb.Add(limit))
	if !hasOrder {
		clause = "ORDER BY (SELECT NULL) " + clause
	}
	return clause
}

func (d *SQLServerDialect) InsertSQL(table string, columns, values, returning []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(columns, ", "))
	}
	if len(returning) > 0 {
		out := make([]string, len(returning))
		for i, col := range returning {
			out[i] = "INSERTED." + col
		}
		b.WriteString(" OUTPUT ")
		b.WriteString(strings.Join(out, ", "))
	}
	if len(columns) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		fmt.Fprintf(&b, " VALUES (%s)", strings.Join(values, ", "))
	}
	return b.String()
}

func (d *SQLServerDialect) SelectExpr(column, dbType string) string {
	q := d.QuoteIdent(column)
	switch baseType(dbType) {
	case "datetime", "datetime2", "smalldatetime":
		return fmt.Sprintf("CONVERT(varchar(33), %s, 126) AS %s", q, q)
	case "datetimeoffset":
		return fmt.Sprintf("CONVERT(varchar(34), %s, 127) AS %s", q, q)
	case "geometry", "geography", "hierarchyid":
		return fmt.Sprintf("%s.ToString() AS %s", q, q)
	case "uniqueidentifier":
		return fmt.Sprintf("CONVERT(varchar(36), %s) AS %s", q, q)
	}
	return q
}

func (d *SQLServerDialect) LogicalType(dbType string) string {
	switch baseType(dbType) {
	case "tinyint", "smallint", "int":
		return "int"
	case "bigint":
		return "bigint"
	case "bit":
		return "boolean"
	case "decimal", "numeric", "money", "smallmoney":
		return "decimal"
	case "float", "real":
		return "float"
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return "timestamp"
	case "date":
		return "date"
	case "time":
		return "time"
	case "uniqueidentifier":
		return "uuid"
	case "binary", "varbinary", "image", "timestamp", "rowversion":
		return "binary"
	case "geometry", "geography":
		return "geometry"
	case "text", "ntext":
		return "text"
	default:
		return "string"
	}
}

func (d *SQLServerDialect) Tables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := QueryRows(ctx, q,
		"SELECT TABLE_NAME AS table_name FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, asString(r["table_name"]))
	}
	return names, nil
}

const mssqlColumnsSQL = `
SELECT c.COLUMN_NAME AS column_name, c.DATA_TYPE AS data_type, c.IS_NULLABLE AS is_nullable,
       c.COLUMN_DEFAULT AS column_default, c.CHARACTER_MAXIMUM_LENGTH AS max_length,
       CASE WHEN pk.COLUMN_NAME IS NULL THEN 0 ELSE 1 END AS is_pk,
       COLUMNPROPERTY(OBJECT_ID(c.TABLE_SCHEMA + '.' + c.TABLE_NAME), c.COLUMN_NAME, 'IsIdentity') AS is_identity,
       COLUMNPROPERTY(OBJECT_ID(c.TABLE_SCHEMA + '.' + c.TABLE_NAME), c.COLUMN_NAME, 'IsComputed') AS is_computed
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN (
    SELECT ku.COLUMN_NAME
    FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
    JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME
    WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_NAME = @p1
) pk ON pk.COLUMN_NAME = c.COLUMN_NAME
WHERE c.TABLE_NAME = @p1
ORDER BY c.ORDINAL_POSITION`

func (d *SQLServerDialect) Columns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := QueryRows(ctx, q, mssqlColumnsSQL, table)
	if err != nil {
		return nil, err
	}
	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		dbType := asString(r["data_type"])
		identity := asInt(r["is_identity"]) == 1
		cols = append(cols, Column{
			Name:          asString(r["column_name"]),
			DBType:        dbType,
			Nullable:      asString(r["is_nullable"]) == "YES",
			HasDefault:    r["column_default"] != nil,
			PrimaryKey:    asInt(r["is_pk"]) == 1,
			AutoIncrement: identity,
			ReadOnly:      asInt(r["is_computed"]) == 1 || baseType(dbType) == "timestamp" || baseType(dbType) == "rowversion",
			MaxLength:     asInt(r["max_length"]),
		})
	}
	return cols, nil
}

const mssqlForeignKeysSQL = `
SELECT tp.name AS table_name, cp.name AS column_name, tr.name AS ref_table, cr.name AS ref_column
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.tables tp ON fkc.parent_object_id = tp.object_id
JOIN sys.columns cp ON fkc.parent_object_id = cp.object_id AND fkc.parent_column_id = cp.column_id
JOIN sys.tables tr ON fkc.referenced_object_id = tr.object_id
JOIN sys.columns cr ON fkc.referenced_object_id = cr.object_id AND fkc.referenced_column_id = cr.column_id
WHERE (SELECT COUNT(*) FROM sys.foreign_key_columns x WHERE x.constraint_object_id = fk.object_id) = 1
ORDER BY tp.name, cp.name`

func (d *SQLServerDialect) ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error) {
	rows, err := QueryRows(ctx, q, mssqlForeignKeysSQL)
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

func (d *SQLServerDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case 2627, 2601:
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case 547:
			return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
		}
		return err
	}
	errStr := err.Error()
	if strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE KEY constraint") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "FOREIGN KEY constraint") {
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}
