package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]any{
		"fields":        "id, name,,",
		"id_field":      []any{"code"},
		"related":       []string{"a,b", "c"},
		"limit":         "25",
		"offset":        float64(5),
		"order":         " name desc ",
		"include_count": "true",
		"rollback":      true,
		"continue":      "0",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, opts.Fields)
	assert.Equal(t, []string{"code"}, opts.IDField)
	assert.Equal(t, []string{"a", "b", "c"}, opts.Related)
	assert.Equal(t, 25, opts.Limit)
	assert.Equal(t, 5, opts.Offset)
	assert.Equal(t, "name desc", opts.Order)
	assert.True(t, opts.IncludeCount)
	assert.True(t, opts.Rollback)
	assert.False(t, opts.Continue)
	assert.False(t, opts.IncludeSchema)
	assert.Empty(t, opts.ServerFilters)
}

func TestParseOptionsRejects(t *testing.T) {
	for name, extras := range map[string]map[string]any{
		"limit":    {"limit": "ten"},
		"offset":   {"offset": "-1"},
		"rollback": {"rollback": "maybe"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOptions(extras)
			requireAppError(t, err, 400, "BAD_REQUEST")
		})
	}
}

func TestParseIDs(t *testing.T) {
	assert.Nil(t, ParseIDs(nil))
	assert.Equal(t, []any{"1", "2", "3"}, ParseIDs("1, 2,3,"))
	assert.Equal(t, []any{"7"}, ParseIDs(7))
	assert.Equal(t, []any{float64(1), "b"}, ParseIDs([]any{float64(1), nil, "", "b"}))
	assert.Equal(t, []any{"x", "y"}, ParseIDs([]string{"x,y"}))
}

func TestIsOptionKey(t *testing.T) {
	for _, k := range []string{"fields", "ids", "filter", "allow_related_delete"} {
		assert.True(t, IsOptionKey(k), k)
	}
	assert.False(t, IsOptionKey("name"))
	assert.False(t, IsOptionKey("record"))
}
