package engine

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Options are the per-call extras recognized by the service.
type Options struct {
	Fields             []string
	IDField            []string
	Limit              int
	Offset             int
	Order              string
	IncludeCount       bool
	IncludeSchema      bool
	Related            []string
	Rollback           bool
	Continue           bool
	AllowRelatedDelete bool

	// ServerFilters are merged by the service from the permission gate; never client supplied.
	ServerFilters []Filter
}

// optionKeys lists the extras understood by ParseOptions, plus the addressing keys
// "ids" and "filter" that the shell consumes itself.
var optionKeys = []string{
	"fields", "id_field", "limit", "offset", "order", "include_count", "include_schema",
	"related", "rollback", "continue", "allow_related_delete", "ids", "filter",
}

// IsOptionKey reports whether key is an extra rather than record data.
func IsOptionKey(key string) bool {
	return lo.Contains(optionKeys, key)
}

// ParseOptions reads extras from a loosely-typed map (query string or body).
func ParseOptions(extras map[string]any) (Options, error) {
	var opts Options
	var err error

	opts.Fields = splitList(extras["fields"])
	opts.IDField = splitList(extras["id_field"])
	opts.Related = splitList(extras["related"])
	opts.Order = strings.TrimSpace(cast.ToString(extras["order"]))

	if opts.Limit, err = intOption(extras, "limit"); err != nil {
		return opts, err
	}
	if opts.Offset, err = intOption(extras, "offset"); err != nil {
		return opts, err
	}
	if opts.Offset < 0 {
		return opts, BadRequestError("offset must not be negative")
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{"include_count", &opts.IncludeCount},
		{"include_schema", &opts.IncludeSchema},
		{"rollback", &opts.Rollback},
		{"continue", &opts.Continue},
		{"allow_related_delete", &opts.AllowRelatedDelete},
	}
	for _, f := range flags {
		if *f.dst, err = boolOption(extras, f.key); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// ParseIDs accepts "1,2,3", a JSON array or a single scalar.
func ParseIDs(v any) []any {
	switch ids := v.(type) {
	case nil:
		return nil
	case []any:
		return lo.Filter(ids, func(id any, _ int) bool { return id != nil && cast.ToString(id) != "" })
	case []string:
		return lo.Map(splitList(ids), func(id string, _ int) any { return id })
	default:
		return lo.Map(splitList(ids), func(id string, _ int) any { return id })
	}
}

func splitList(v any) []string {
	var parts []string
	switch list := v.(type) {
	case nil:
		return nil
	case []string:
		for _, item := range list {
			parts = append(parts, strings.Split(item, ",")...)
		}
	case []any:
		for _, item := range list {
			parts = append(parts, strings.Split(cast.ToString(item), ",")...)
		}
	default:
		parts = strings.Split(cast.ToString(list), ",")
	}
	return lo.Compact(lo.Map(parts, func(s string, _ int) string { return strings.TrimSpace(s) }))
}

func intOption(extras map[string]any, key string) (int, error) {
	v, ok := extras[key]
	if !ok || v == nil || v == "" {
		return 0, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, BadRequestError(fmt.Sprintf("%s must be an integer", key))
	}
	return n, nil
}

func boolOption(extras map[string]any, key string) (bool, error) {
	v, ok := extras[key]
	if !ok || v == nil || v == "" {
		return false, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, BadRequestError(fmt.Sprintf("%s must be a boolean", key))
	}
	return b, nil
}

// wantsAllFields reports whether the projection is "*" or empty.
func wantsAllFields(fields []string) bool {
	return len(fields) == 0 || lo.Contains(fields, "*")
}
