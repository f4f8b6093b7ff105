package services

import (
	"fmt"

	"github.com/samber/lo"

	"baas-gateway/internal/config"
	"baas-gateway/internal/engine"
	"baas-gateway/internal/metadata"
)

// Overrides converts the schema_extras of a service into metadata overrides.
func Overrides(extras map[string]map[string]config.FieldExtras) metadata.Overrides {
	out := make(metadata.Overrides, len(extras))
	for table, fields := range extras {
		out[table] = lo.MapValues(fields, func(fe config.FieldExtras, _ string) metadata.FieldOverride {
			return metadata.FieldOverride{
				Role:       fe.Role,
				ReadOnly:   fe.ReadOnly,
				Type:       fe.Type,
				Validation: fe.Validation,
				Message:    fe.Message,
			}
		})
	}
	return out
}

// PermissionRules selects the rules that apply to service and converts them.
// A rule without a service, or with "*", applies to every service.
func PermissionRules(service string, perms []config.PermissionConfig) ([]engine.PermissionRule, error) {
	var rules []engine.PermissionRule
	for i, p := range perms {
		if p.Service != "" && p.Service != "*" && p.Service != service {
			continue
		}
		if len(p.Roles) == 0 || len(p.Actions) == 0 {
			return nil, fmt.Errorf("permissions[%d]: roles and actions are required", i)
		}
		table := p.Table
		if table == "" {
			table = "*"
		}

		clauses := make([]engine.WhereClause, 0, len(p.Filters))
		for _, f := range p.Filters {
			op, ok := engine.NormalizeOperator(f.Operator)
			if !ok {
				return nil, fmt.Errorf("permissions[%d]: unknown operator %q", i, f.Operator)
			}
			clauses = append(clauses, engine.WhereClause{Field: f.Field, Operator: op, Value: f.Value})
		}

		rules = append(rules, engine.PermissionRule{
			Roles:    p.Roles,
			Table:    table,
			Actions:  p.Actions,
			Filters:  clauses,
			FilterOp: p.FilterOp,
		})
	}
	return rules, nil
}
