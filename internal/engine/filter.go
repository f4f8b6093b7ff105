package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// Filter is a node of the structured filter tree: a WhereClause, Group or Not.
type Filter interface {
	filterNode()
}

// WhereClause compares one field against a value.
type WhereClause struct {
	Field    string
	Operator string
	Value    any
}

// Group joins filters with AND or OR.
type Group struct {
	Op    string
	Items []Filter
}

// Not negates a filter.
type Not struct {
	Item Filter
}

func (WhereClause) filterNode() {}
func (Group) filterNode()       {}
func (Not) filterNode()         {}

const (
	OpEq         = "="
	OpNeq        = "!="
	OpLt         = "<"
	OpLte        = "<="
	OpGt         = ">"
	OpGte        = ">="
	OpIsNull     = "is_null"
	OpIsNotNull  = "is_not_null"
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
)

var operatorAliases = map[string]string{
	"=": OpEq, "==": OpEq, "eq": OpEq,
	"!=": OpNeq, "<>": OpNeq, "ne": OpNeq, "neq": OpNeq,
	"<": OpLt, "lt": OpLt,
	"<=": OpLte, "lte": OpLte,
	">": OpGt, "gt": OpGt,
	">=": OpGte, "gte": OpGte,
	"in": OpIn, "not_in": OpNotIn, "not in": OpNotIn,
	"is_null": OpIsNull, "is null": OpIsNull,
	"is_not_null": OpIsNotNull, "is not null": OpIsNotNull,
	"contains": OpContains, "like": OpContains,
	"starts_with": OpStartsWith, "startsWith": OpStartsWith,
	"ends_with": OpEndsWith, "endsWith": OpEndsWith,
}

// NormalizeOperator maps a configured operator spelling to its canonical form.
func NormalizeOperator(op string) (string, bool) {
	canonical, ok := operatorAliases[strings.TrimSpace(op)]
	if !ok {
		canonical, ok = operatorAliases[strings.ToLower(strings.TrimSpace(op))]
	}
	return canonical, ok
}

var flipped = map[string]string{OpLt: OpGt, OpLte: OpGte, OpGt: OpLt, OpGte: OpLte, OpEq: OpEq, OpNeq: OpNeq}

// And combines filters with AND, skipping nils. It returns nil when nothing remains.
func And(filters ...Filter) Filter {
	items := lo.Filter(filters, func(f Filter, _ int) bool { return f != nil })
	switch len(items) {
	case 0:
		return nil
	case 1:
		return items[0]
	}
	return Group{Op: "AND", Items: items}
}

// ServerFilter joins server-side clauses with op ("AND" unless "OR").
func ServerFilter(clauses []WhereClause, op string) Filter {
	if len(clauses) == 0 {
		return nil
	}
	items := make([]Filter, len(clauses))
	for i, c := range clauses {
		items[i] = c
	}
	if len(items) == 1 {
		return items[0]
	}
	if strings.EqualFold(op, "or") {
		return Group{Op: "OR", Items: items}
	}
	return Group{Op: "AND", Items: items}
}

// ParseFilter parses a filter expression such as
//
//	status == "open" and (total > 10 or priority in [1, 2]) and closed_at == nil
//
// into a Filter. Every identifier must name a field of tbl. An empty string is a nil filter.
func ParseFilter(tbl *metadata.Table, s string) (Filter, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	tree, err := parser.Parse(s)
	if err != nil {
		return nil, BadRequestError(fmt.Sprintf("Invalid filter: %v", err))
	}
	return convertNode(tbl, tree.Node)
}

func convertNode(tbl *metadata.Table, node ast.Node) (Filter, error) {
	switch n := node.(type) {
	case *ast.BinaryNode:
		switch n.Operator {
		case "and", "&&", "or", "||":
			left, err := convertNode(tbl, n.Left)
			if err != nil {
				return nil, err
			}
			right, err := convertNode(tbl, n.Right)
			if err != nil {
				return nil, err
			}
			op := lo.Ternary(n.Operator == "and" || n.Operator == "&&", "AND", "OR")
			return Group{Op: op, Items: flatten(op, left, right)}, nil
		}
		return convertComparison(tbl, n)

	case *ast.UnaryNode:
		if n.Operator != "not" && n.Operator != "!" {
			return nil, BadRequestError(fmt.Sprintf("Invalid filter: unsupported operator '%s'", n.Operator))
		}
		if bin, ok := n.Node.(*ast.BinaryNode); ok && bin.Operator == "in" {
			f, err := convertComparison(tbl, bin)
			if err != nil {
				return nil, err
			}
			wc := f.(WhereClause)
			wc.Operator = OpNotIn
			return wc, nil
		}
		inner, err := convertNode(tbl, n.Node)
		if err != nil {
			return nil, err
		}
		return Not{Item: inner}, nil

	case *ast.IdentifierNode:
		// bare boolean field: "active"
		f := tbl.GetField(n.Value)
		if f == nil {
			return nil, unknownFieldError(n.Value)
		}
		return WhereClause{Field: f.Name, Operator: OpEq, Value: true}, nil
	}
	return nil, BadRequestError("Invalid filter: expected a comparison")
}

func flatten(op string, items ...Filter) []Filter {
	var out []Filter
	for _, item := range items {
		if g, ok := item.(Group); ok && g.Op == op {
			out = append(out, g.Items...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

func convertComparison(tbl *metadata.Table, n *ast.BinaryNode) (Filter, error) {
	op, ok := NormalizeOperator(n.Operator)
	if !ok {
		return nil, BadRequestError(fmt.Sprintf("Invalid filter: unsupported operator '%s'", n.Operator))
	}

	fieldNode, valueNode := n.Left, n.Right
	if _, isIdent := fieldNode.(*ast.IdentifierNode); !isIdent {
		rev, canFlip := flipped[op]
		if _, rightIsIdent := valueNode.(*ast.IdentifierNode); !canFlip || !rightIsIdent {
			return nil, BadRequestError("Invalid filter: a comparison needs a field name on one side")
		}
		fieldNode, valueNode, op = valueNode, fieldNode, rev
	}

	name := fieldNode.(*ast.IdentifierNode).Value
	f := tbl.GetField(name)
	if f == nil {
		return nil, unknownFieldError(name)
	}

	value, err := literal(valueNode)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpIn:
		list, ok := value.([]any)
		if !ok {
			return nil, BadRequestError(fmt.Sprintf("Invalid filter: '%s in' needs a list", f.Name))
		}
		return WhereClause{Field: f.Name, Operator: OpIn, Value: list}, nil
	case OpEq, OpNeq:
		if value == nil {
			return WhereClause{Field: f.Name, Operator: lo.Ternary(op == OpEq, OpIsNull, OpIsNotNull)}, nil
		}
	case OpContains, OpStartsWith, OpEndsWith:
		s, ok := value.(string)
		if !ok {
			return nil, BadRequestError(fmt.Sprintf("Invalid filter: '%s' needs a string", n.Operator))
		}
		return WhereClause{Field: f.Name, Operator: op, Value: s}, nil
	}
	if value == nil {
		return nil, BadRequestError("Invalid filter: nil can only be compared with == or !=")
	}
	if _, isList := value.([]any); isList {
		return nil, BadRequestError("Invalid filter: a list can only be used with in")
	}
	return WhereClause{Field: f.Name, Operator: op, Value: value}, nil
}

func literal(node ast.Node) (any, error) {
	switch n := node.(type) {
	case *ast.StringNode:
		return n.Value, nil
	case *ast.IntegerNode:
		return int64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.BoolNode:
		return n.Value, nil
	case *ast.NilNode:
		return nil, nil
	case *ast.UnaryNode:
		if n.Operator == "-" {
			v, err := literal(n.Node)
			if err != nil {
				return nil, err
			}
			switch num := v.(type) {
			case int64:
				return -num, nil
			case float64:
				return -num, nil
			}
		}
	case *ast.ArrayNode:
		items := make([]any, 0, len(n.Nodes))
		for _, item := range n.Nodes {
			v, err := literal(item)
			if err != nil {
				return nil, err
			}
			if _, nested := v.([]any); nested {
				return nil, BadRequestError("Invalid filter: nested lists are not supported")
			}
			items = append(items, v)
		}
		return items, nil
	case *ast.IdentifierNode:
		return nil, BadRequestError(fmt.Sprintf("Invalid filter: cannot compare two fields (%s)", n.Value))
	}
	return nil, BadRequestError("Invalid filter: values must be literals")
}

func unknownFieldError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_FIELD",
		Status:  400,
		Message: fmt.Sprintf("Invalid filter: unknown field '%s'", name),
	}
}

// BuildFilterSQL renders a filter as a WHERE fragment, binding every value through pb.
func BuildFilterSQL(dialect store.Dialect, pb store.ParamBuilder, filter Filter) string {
	switch f := filter.(type) {
	case nil:
		return ""
	case Group:
		parts := make([]string, 0, len(f.Items))
		for _, item := range f.Items {
			if s := BuildFilterSQL(dialect, pb, item); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return ""
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return "(" + strings.Join(parts, " "+f.Op+" ") + ")"
	case Not:
		inner := BuildFilterSQL(dialect, pb, f.Item)
		if inner == "" {
			return ""
		}
		return "NOT (" + inner + ")"
	case WhereClause:
		return buildWhereClause(dialect, pb, f)
	}
	return ""
}

func buildWhereClause(dialect store.Dialect, pb store.ParamBuilder, w WhereClause) string {
	col := dialect.QuoteIdent(w.Field)
	bind := func(v any) any {
		if b, ok := v.(bool); ok && dialect.NeedsBoolFix() {
			return lo.Ternary(b, 1, 0)
		}
		return v
	}

	switch w.Operator {
	case OpIsNull:
		return col + " IS NULL"
	case OpIsNotNull:
		return col + " IS NOT NULL"
	case OpIn, OpNotIn:
		values := lo.Map(cast.ToSlice(w.Value), func(v any, _ int) any { return bind(v) })
		if w.Operator == OpIn {
			return dialect.InExpr(col, pb, values)
		}
		return dialect.NotInExpr(col, pb, values)
	case OpContains, OpStartsWith, OpEndsWith:
		pattern := escapeLike(cast.ToString(w.Value))
		switch w.Operator {
		case OpContains:
			pattern = "%" + pattern + "%"
		case OpStartsWith:
			pattern += "%"
		default:
			pattern = "%" + pattern
		}
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, col, pb.Add(pattern))
	case OpNeq, OpLt, OpLte, OpGt, OpGte:
		return fmt.Sprintf("%s %s %s", col, w.Operator, pb.Add(bind(w.Value)))
	default:
		return fmt.Sprintf("%s = %s", col, pb.Add(bind(w.Value)))
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// FormatFilter renders a filter back into filter-expression syntax.
func FormatFilter(filter Filter) string {
	switch f := filter.(type) {
	case nil:
		return ""
	case Group:
		parts := make([]string, len(f.Items))
		for i, item := range f.Items {
			parts[i] = FormatFilter(item)
		}
		return "(" + strings.Join(parts, " "+strings.ToLower(f.Op)+" ") + ")"
	case Not:
		return "not (" + FormatFilter(f.Item) + ")"
	case WhereClause:
		switch f.Operator {
		case OpIsNull:
			return f.Field + " == nil"
		case OpIsNotNull:
			return f.Field + " != nil"
		case OpIn, OpNotIn:
			items := lo.Map(cast.ToSlice(f.Value), func(v any, _ int) string { return formatLiteral(v) })
			kw := lo.Ternary(f.Operator == OpIn, "in", "not in")
			return fmt.Sprintf("%s %s [%s]", f.Field, kw, strings.Join(items, ", "))
		case OpContains:
			return fmt.Sprintf("%s contains %s", f.Field, formatLiteral(f.Value))
		case OpStartsWith:
			return fmt.Sprintf("%s startsWith %s", f.Field, formatLiteral(f.Value))
		case OpEndsWith:
			return fmt.Sprintf("%s endsWith %s", f.Field, formatLiteral(f.Value))
		case OpEq:
			return fmt.Sprintf("%s == %s", f.Field, formatLiteral(f.Value))
		}
		return fmt.Sprintf("%s %s %s", f.Field, f.Operator, formatLiteral(f.Value))
	}
	return ""
}

func formatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case float32, float64:
		return strconv.FormatFloat(cast.ToFloat64(val), 'g', -1, 64)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return cast.ToString(val)
	case []any:
		items := lo.Map(val, func(item any, _ int) string { return formatLiteral(item) })
		return "[" + strings.Join(items, ", ") + "]"
	}
	return strconv.Quote(fmt.Sprint(v))
}
