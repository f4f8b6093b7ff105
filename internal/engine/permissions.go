package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"baas-gateway/internal/metadata"
)

// Actions checked by the gate. Merge is checked as update.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Gate decides whether a session may act on a table and which rows it sees.
type Gate interface {
	CheckPermission(sess *metadata.Session, action, table string) error
	// RowFilters returns the server-side filter scoping the action, or nil for full access.
	RowFilters(sess *metadata.Session, action, table string) (Filter, error)
}

// PermissionRule grants roles a set of actions on a table, optionally scoped by filters.
// Filter values may reference {user_id} or {lookup.<name>}.
type PermissionRule struct {
	Roles    []string
	Table    string
	Actions  []string
	Filters  []WhereClause
	FilterOp string
}

// Policy is the configured Gate. Rules are additive: any matching rule grants access.
type Policy struct {
	rules []PermissionRule
}

func NewPolicy(rules []PermissionRule) *Policy {
	return &Policy{rules: rules}
}

// AllowAll is a Gate that grants every action without row filters.
type AllowAll struct{}

func (AllowAll) CheckPermission(*metadata.Session, string, string) error { return nil }
func (AllowAll) RowFilters(*metadata.Session, string, string) (Filter, error) {
	return nil, nil
}

// CheckPermission verifies that the session is allowed to perform the given
// action on the given table. Returns nil if allowed, or a FORBIDDEN AppError.
func (p *Policy) CheckPermission(sess *metadata.Session, action, table string) error {
	if sess == nil {
		return UnauthorizedError("Authentication required")
	}
	// Admin bypasses all permission checks
	if sess.IsAdmin() {
		return nil
	}
	if len(p.matching(sess, action, table)) == 0 {
		return ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", action, table))
	}
	return nil
}

// RowFilters ORs the filters of every matching rule. A matching rule without
// filters grants full access. A rule whose lookups cannot be resolved is skipped.
func (p *Policy) RowFilters(sess *metadata.Session, action, table string) (Filter, error) {
	if sess == nil {
		return nil, UnauthorizedError("Authentication required")
	}
	if sess.IsAdmin() {
		return nil, nil
	}

	var scoped []Filter
	for _, rule := range p.matching(sess, action, table) {
		if len(rule.Filters) == 0 {
			return nil, nil
		}
		clauses, ok := substituteClauses(rule.Filters, sess)
		if !ok {
			continue
		}
		scoped = append(scoped, ServerFilter(clauses, rule.FilterOp))
	}

	switch len(scoped) {
	case 0:
		return nil, ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", action, table))
	case 1:
		return scoped[0], nil
	}
	return Group{Op: "OR", Items: scoped}, nil
}

func (p *Policy) matching(sess *metadata.Session, action, table string) []PermissionRule {
	return lo.Filter(p.rules, func(r PermissionRule, _ int) bool {
		return matchesName(r.Table, table) &&
			lo.ContainsBy(r.Actions, func(a string) bool { return matchesName(a, action) }) &&
			hasRoleIntersection(sess.Roles, r.Roles)
	})
}

func matchesName(pattern, name string) bool {
	return pattern == "*" || strings.EqualFold(pattern, name)
}

func hasRoleIntersection(userRoles, policyRoles []string) bool {
	for _, pr := range policyRoles {
		if pr == "*" {
			return true
		}
		for _, ur := range userRoles {
			if strings.EqualFold(ur, pr) {
				return true
			}
		}
	}
	return false
}

var placeholderPattern = regexp.MustCompile(`\{(user_id|lookup\.[A-Za-z0-9_.-]+)\}`)

// substituteClauses replaces {user_id} and {lookup.x} in clause values.
// It reports false when a referenced value is missing.
func substituteClauses(clauses []WhereClause, sess *metadata.Session) ([]WhereClause, bool) {
	out := make([]WhereClause, len(clauses))
	for i, c := range clauses {
		v, ok := substituteValue(c.Value, sess)
		if !ok {
			return nil, false
		}
		c.Value = v
		out[i] = c
	}
	return out, true
}

func substituteValue(v any, sess *metadata.Session) (any, bool) {
	switch val := v.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(val); m != nil && m[0] == val {
			return sess.Lookup(m[1])
		}
		ok := true
		out := placeholderPattern.ReplaceAllStringFunc(val, func(ph string) string {
			s, found := sess.Lookup(ph[1 : len(ph)-1])
			ok = ok && found
			return s
		})
		return out, ok
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			s, ok := substituteValue(item, sess)
			if !ok {
				return nil, false
			}
			items[i] = s
		}
		return items, true
	}
	return v, true
}

// MatchesFilter evaluates a filter against an in-memory record. Used to keep
// created records inside the creator's row scope.
func MatchesFilter(filter Filter, record map[string]any) bool {
	switch f := filter.(type) {
	case nil:
		return true
	case Group:
		if f.Op == "OR" {
			return lo.SomeBy(f.Items, func(item Filter) bool { return MatchesFilter(item, record) })
		}
		return lo.EveryBy(f.Items, func(item Filter) bool { return MatchesFilter(item, record) })
	case Not:
		return !MatchesFilter(f.Item, record)
	case WhereClause:
		val, ok := lookupField(record, f.Field)
		switch f.Operator {
		case OpIsNull:
			return !ok || val == nil
		case OpIsNotNull:
			return ok && val != nil
		}
		if !ok {
			return false
		}
		return evaluateCondition(f.Operator, val, f.Value)
	}
	return false
}

func lookupField(record map[string]any, name string) (any, bool) {
	if v, ok := record[name]; ok {
		return v, true
	}
	for k, v := range record {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func evaluateCondition(operator string, recordVal, condVal any) bool {
	switch operator {
	case OpEq:
		return sameValue(recordVal, condVal)
	case OpNeq:
		return !sameValue(recordVal, condVal)
	case OpIn:
		return valueInList(recordVal, condVal)
	case OpNotIn:
		return !valueInList(recordVal, condVal)
	case OpGt:
		return compareNumeric(recordVal, condVal) > 0
	case OpGte:
		return compareNumeric(recordVal, condVal) >= 0
	case OpLt:
		return compareNumeric(recordVal, condVal) < 0
	case OpLte:
		return compareNumeric(recordVal, condVal) <= 0
	case OpContains:
		return strings.Contains(cast.ToString(recordVal), cast.ToString(condVal))
	case OpStartsWith:
		return strings.HasPrefix(cast.ToString(recordVal), cast.ToString(condVal))
	case OpEndsWith:
		return strings.HasSuffix(cast.ToString(recordVal), cast.ToString(condVal))
	default:
		return false
	}
}

// sameValue compares loosely: booleans against 0/1 and numbers against digit strings.
func sameValue(a, b any) bool {
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool || bBool {
		ab, errA := cast.ToBoolE(a)
		bb, errB := cast.ToBoolE(b)
		return errA == nil && errB == nil && ab == bb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func valueInList(val, list any) bool {
	return lo.ContainsBy(cast.ToSlice(list), func(item any) bool { return sameValue(val, item) })
}

func compareNumeric(a, b any) int {
	fa := cast.ToFloat64(a)
	fb := cast.ToFloat64(b)
	if fa < fb {
		return -1
	}
	if fa > fb {
		return 1
	}
	return 0
}
