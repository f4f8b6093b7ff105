package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"baas-gateway/internal/config"
	"baas-gateway/internal/engine"
	"baas-gateway/internal/metadata"
)

func TestOverrides(t *testing.T) {
	got := Overrides(map[string]map[string]config.FieldExtras{
		"note": {
			"stamp": {Role: "created_at", ReadOnly: true},
			"body":  {Validation: "len(value) < 10", Message: "too long"},
		},
	})
	assert.Equal(t, metadata.Overrides{
		"note": {
			"stamp": {Role: "created_at", ReadOnly: true},
			"body":  {Validation: "len(value) < 10", Message: "too long"},
		},
	}, got)

	assert.Empty(t, Overrides(nil))
}

func TestPermissionRules(t *testing.T) {
	perms := []config.PermissionConfig{
		{Roles: []string{"reader"}, Actions: []string{"read"}},
		{Roles: []string{"editor"}, Service: "library", Table: "book", Actions: []string{"update"},
			Filters:  []config.FilterRuleConfig{{Field: "owner", Operator: "eq", Value: "{user_id}"}},
			FilterOp: "or"},
		{Roles: []string{"ops"}, Service: "billing", Actions: []string{"delete"}},
		{Roles: []string{"auditor"}, Service: "*", Table: "log", Actions: []string{"read"}},
	}

	rules, err := PermissionRules("library", perms)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "*", rules[0].Table, "a rule without a table covers every table")
	assert.Equal(t, engine.PermissionRule{
		Roles:    []string{"editor"},
		Table:    "book",
		Actions:  []string{"update"},
		Filters:  []engine.WhereClause{{Field: "owner", Operator: engine.OpEq, Value: "{user_id}"}},
		FilterOp: "or",
	}, rules[1])
	assert.Equal(t, "log", rules[2].Table)

	rules, err = PermissionRules("billing", perms)
	require.NoError(t, err)
	assert.Len(t, rules, 3)
}

func TestPermissionRulesRejects(t *testing.T) {
	_, err := PermissionRules("library", []config.PermissionConfig{
		{Roles: []string{"x"}, Actions: []string{"read"}, Filters: []config.FilterRuleConfig{{Field: "a", Operator: "between"}}},
	})
	assert.ErrorContains(t, err, `unknown operator "between"`)

	_, err = PermissionRules("library", []config.PermissionConfig{{Actions: []string{"read"}}})
	assert.ErrorContains(t, err, "roles and actions are required")

	// rules for other services are not validated here
	_, err = PermissionRules("library", []config.PermissionConfig{{Service: "billing"}})
	assert.NoError(t, err)
}
