package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// QueryPlan is a fully validated read against one table.
type QueryPlan struct {
	Table  *metadata.Table
	Fields []*metadata.Field
	Filter Filter
	Sorts  []OrderClause
	Limit  int
	Offset int
}

type OrderClause struct {
	Field string
	Dir   string // ASC or DESC
}

type QueryResult struct {
	SQL    string
	Params []any
}

// Binding describes how one output column is coerced after a read.
type Binding struct {
	Name     string
	BindType string
	Type     string
}

// SelectFields resolves a projection list. An empty list or "*" selects every field.
func SelectFields(tbl *metadata.Table, names []string) ([]*metadata.Field, error) {
	if wantsAllFields(names) {
		return tbl.Fields, nil
	}
	fields := make([]*metadata.Field, 0, len(names))
	for _, name := range names {
		f := tbl.GetField(name)
		if f == nil {
			return nil, &AppError{
				Code:    "UNKNOWN_FIELD",
				Status:  400,
				Message: fmt.Sprintf("Invalid field requested: %s", name),
			}
		}
		if !lo.Contains(fields, f) {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

// ParseOrder parses "name desc, id" into order clauses.
func ParseOrder(tbl *metadata.Table, order string) ([]OrderClause, error) {
	if strings.TrimSpace(order) == "" {
		return nil, nil
	}
	var sorts []OrderClause
	for _, part := range strings.Split(order, ",") {
		words := strings.Fields(part)
		if len(words) == 0 {
			continue
		}
		if len(words) > 2 {
			return nil, BadRequestError(fmt.Sprintf("Invalid order clause: %s", strings.TrimSpace(part)))
		}
		f := tbl.GetField(words[0])
		if f == nil {
			return nil, &AppError{
				Code:    "UNKNOWN_FIELD",
				Status:  400,
				Message: fmt.Sprintf("Unknown order field: %s", words[0]),
			}
		}
		dir := "ASC"
		if len(words) == 2 {
			dir = strings.ToUpper(words[1])
			if dir != "ASC" && dir != "DESC" {
				return nil, BadRequestError(fmt.Sprintf("Invalid order direction: %s", words[1]))
			}
		}
		sorts = append(sorts, OrderClause{Field: f.Name, Dir: dir})
	}
	return sorts, nil
}

// ClampLimit substitutes max when limit is absent, zero or above max.
// The second value reports that the substitution happened.
func ClampLimit(limit, max int) (int, bool) {
	if limit <= 0 || limit > max {
		return max, true
	}
	return limit, false
}

// BuildSelectSQL builds a parameterized SELECT statement from the query plan.
func BuildSelectSQL(dialect store.Dialect, plan *QueryPlan) (QueryResult, []Binding) {
	pb := dialect.NewParamBuilder()

	fields := plan.Fields
	if len(fields) == 0 {
		fields = plan.Table.Fields
	}
	columns := make([]string, len(fields))
	bindings := make([]Binding, len(fields))
	for i, f := range fields {
		columns[i] = dialect.SelectExpr(f.Name, f.DBType)
		bindings[i] = Binding{Name: f.Name, BindType: f.BindType(), Type: f.Type}
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), dialect.QuoteIdent(plan.Table.Name))
	if where := BuildFilterSQL(dialect, pb, plan.Filter); where != "" {
		sql += " WHERE " + where
	}

	if len(plan.Sorts) > 0 {
		orderParts := make([]string, len(plan.Sorts))
		for i, s := range plan.Sorts {
			orderParts[i] = fmt.Sprintf("%s %s", dialect.QuoteIdent(s.Field), s.Dir)
		}
		sql += " ORDER BY " + strings.Join(orderParts, ", ")
	}

	if plan.Limit > 0 {
		sql += " " + dialect.Paginate(pb, plan.Limit, plan.Offset, len(plan.Sorts) > 0)
	}

	return QueryResult{SQL: sql, Params: pb.Params()}, bindings
}

// BuildCountSQL builds a COUNT query with the same filters as the select.
func BuildCountSQL(dialect store.Dialect, plan *QueryPlan) QueryResult {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT COUNT(*) AS total FROM %s", dialect.QuoteIdent(plan.Table.Name))
	if where := BuildFilterSQL(dialect, pb, plan.Filter); where != "" {
		sql += " WHERE " + where
	}
	return QueryResult{SQL: sql, Params: pb.Params()}
}

// ApplyBindings coerces every returned value to its binding's native type.
func ApplyBindings(rows []map[string]any, bindings []Binding) {
	for _, row := range rows {
		for _, b := range bindings {
			v, ok := row[b.Name]
			if !ok || v == nil {
				continue
			}
			row[b.Name] = bindValue(b, v)
		}
	}
}

func bindValue(b Binding, v any) any {
	if raw, ok := v.([]byte); ok && b.BindType != "binary" {
		v = string(raw)
	}
	switch b.BindType {
	case "int":
		if n, err := cast.ToInt64E(v); err == nil {
			return n
		}
	case "float":
		if n, err := cast.ToFloat64E(v); err == nil {
			return n
		}
	case "bool":
		if bv, err := cast.ToBoolE(v); err == nil {
			return bv
		}
	case "time":
		if t, ok := v.(time.Time); ok {
			return t
		}
		return cast.ToString(v)
	case "string":
		if t, ok := v.(time.Time); ok {
			return t.Format(time.RFC3339Nano)
		}
	}
	return v
}
