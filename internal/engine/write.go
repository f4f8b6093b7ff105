package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// sortedKeys returns the column names of a field map in a stable order.
func sortedKeys(fields map[string]any) []string {
	keys := lo.Keys(fields)
	sort.Strings(keys)
	return keys
}

// bindOrInline binds v, or inlines it when it is a raw SQL expression.
func bindOrInline(pb store.ParamBuilder, v any) string {
	if e, ok := v.(store.Expr); ok {
		return string(e)
	}
	return pb.Add(v)
}

// BuildInsertSQL builds an INSERT for fields returning the given columns.
func BuildInsertSQL(dialect store.Dialect, tbl *metadata.Table, fields map[string]any, returning []string) (string, []any) {
	pb := dialect.NewParamBuilder()
	keys := sortedKeys(fields)
	columns := make([]string, len(keys))
	values := make([]string, len(keys))
	for i, k := range keys {
		columns[i] = dialect.QuoteIdent(k)
		values[i] = bindOrInline(pb, fields[k])
	}
	ret := lo.Map(returning, func(c string, _ int) string { return dialect.QuoteIdent(c) })
	return dialect.InsertSQL(dialect.QuoteIdent(tbl.Name), columns, values, ret), pb.Params()
}

// BuildUpdateSQL builds an UPDATE of fields for the rows matching where.
// It returns an empty statement when there is nothing to set.
func BuildUpdateSQL(dialect store.Dialect, tbl *metadata.Table, fields map[string]any, where Filter) (string, []any) {
	if len(fields) == 0 {
		return "", nil
	}
	pb := dialect.NewParamBuilder()
	keys := sortedKeys(fields)
	sets := make([]string, len(keys))
	for i, k := range keys {
		sets[i] = fmt.Sprintf("%s = %s", dialect.QuoteIdent(k), bindOrInline(pb, fields[k]))
	}
	sql := fmt.Sprintf("UPDATE %s SET %s", dialect.QuoteIdent(tbl.Name), strings.Join(sets, ", "))
	if w := BuildFilterSQL(dialect, pb, where); w != "" {
		sql += " WHERE " + w
	}
	return sql, pb.Params()
}

// BuildDeleteSQL builds a DELETE for the rows matching where.
func BuildDeleteSQL(dialect store.Dialect, table string, where Filter) (string, []any) {
	pb := dialect.NewParamBuilder()
	sql := "DELETE FROM " + dialect.QuoteIdent(table)
	if w := BuildFilterSQL(dialect, pb, where); w != "" {
		sql += " WHERE " + w
	}
	return sql, pb.Params()
}

// selectRows runs a plain SELECT of columns from table filtered by where.
func selectRows(ctx context.Context, q store.Querier, dialect store.Dialect, table string, columns []string, where Filter) ([]map[string]any, error) {
	pb := dialect.NewParamBuilder()
	cols := lo.Map(columns, func(c string, _ int) string { return dialect.QuoteIdent(c) })
	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), dialect.QuoteIdent(table))
	if w := BuildFilterSQL(dialect, pb, where); w != "" {
		sql += " WHERE " + w
	}
	return store.QueryRows(ctx, q, sql, pb.Params()...)
}

// coerceID converts an identifier taken from a path or id list to the field's type.
func coerceID(f *metadata.Field, v any) (any, error) {
	if f.IsInteger() {
		n, ok := toInteger(v)
		if !ok {
			return nil, BadRequestError(fmt.Sprintf("Invalid identifier '%v' for field '%s'", v, f.Name))
		}
		return n, nil
	}
	return v, nil
}

// idFilter matches one record by its identifying fields. id is either a
// scalar (single identifying field) or a record holding every identifying field.
func idFilter(idFields []*metadata.Field, id any) (Filter, error) {
	if rec, ok := id.(map[string]any); ok {
		clauses := make([]Filter, 0, len(idFields))
		for _, f := range idFields {
			v, found := lookupField(rec, f.Name)
			if !found || v == nil {
				return nil, BadRequestError(fmt.Sprintf("Identifying field '%s' can not be empty", f.Name))
			}
			cv, err := coerceID(f, v)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, WhereClause{Field: f.Name, Operator: OpEq, Value: cv})
		}
		return And(clauses...), nil
	}
	if len(idFields) != 1 {
		return nil, BadRequestError("Multiple identifying fields require an id record")
	}
	cv, err := coerceID(idFields[0], id)
	if err != nil {
		return nil, err
	}
	return WhereClause{Field: idFields[0].Name, Operator: OpEq, Value: cv}, nil
}

// idRecord projects row onto the identifying fields.
func idRecord(idFields []*metadata.Field, row map[string]any) map[string]any {
	out := make(map[string]any, len(idFields))
	for _, f := range idFields {
		v, _ := lookupField(row, f.Name)
		out[f.Name] = v
	}
	return out
}

// idKey renders an id record or scalar as a comparable string.
func idKey(idFields []*metadata.Field, id any) string {
	rec, ok := id.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", id)
	}
	parts := make([]string, len(idFields))
	for i, f := range idFields {
		v, _ := lookupField(rec, f.Name)
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

// idString renders an id for messages.
func idString(idFields []*metadata.Field, id any) string {
	return strings.ReplaceAll(idKey(idFields, id), "\x1f", ",")
}

// requiredColumns returns the identifying fields plus the local fields of
// every relation, which relation fan-out and cascades need from the parent.
func requiredColumns(tbl *metadata.Table, idFields []*metadata.Field) []string {
	cols := lo.Map(idFields, func(f *metadata.Field, _ int) string { return f.Name })
	for _, name := range tbl.RelationNames() {
		rel := tbl.Relations[name]
		if rel.Type != metadata.BelongsTo && !lo.Contains(cols, rel.Field) {
			cols = append(cols, rel.Field)
		}
	}
	return cols
}
