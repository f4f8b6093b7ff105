package engine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

var integerPattern = regexp.MustCompile(`^[+-]?\d+$`)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"15:04:05",
	"15:04",
}

// ParseRecord turns an inbound record into the column map that is written to
// the store. Keys naming a relation of tbl are returned separately. On update,
// the fields in idFields are left out of the column map.
func ParseRecord(tbl *metadata.Table, record map[string]any, forUpdate bool, sess *metadata.Session, dialect store.Dialect, idFields []string) (map[string]any, map[string]any, error) {
	input := make(map[string]any, len(record))
	relations := make(map[string]any)
	for key, v := range record {
		if f := tbl.GetField(key); f != nil {
			input[f.Name] = v
		} else if rel := tbl.GetRelation(key); rel != nil {
			relations[rel.Name] = v
		}
	}

	out := make(map[string]any, len(input))
	var details []ErrorDetail

	for _, f := range tbl.Fields {
		if f.Role != metadata.RoleNone && (!forUpdate && f.Role.OnCreate() || forUpdate && f.Role.OnUpdate()) {
			if v, ok := roleValue(f.Role, sess, dialect); ok {
				out[f.Name] = v
			}
			continue
		}
		if f.Role != metadata.RoleNone {
			continue
		}
		if !f.Writable() {
			continue
		}
		if forUpdate && lo.ContainsBy(idFields, func(id string) bool { return strings.EqualFold(id, f.Name) }) {
			continue
		}

		v, present := input[f.Name]
		if !present || v == nil {
			if !forUpdate && f.PrimaryKey && f.Type == "uuid" && !f.HasDefault {
				out[f.Name] = uuid.NewString()
				continue
			}
			switch {
			case !present && forUpdate:
			case !f.AllowNull && (forUpdate || !f.HasDefault):
				details = append(details, ErrorDetail{
					Field:   f.Name,
					Rule:    "required",
					Message: fmt.Sprintf("Field '%s' can not be null", f.Name),
				})
			case present && f.AllowNull:
				out[f.Name] = nil
			}
			continue
		}

		coerced, detail := coerceField(f, v, dialect)
		if detail != nil {
			details = append(details, *detail)
			continue
		}
		if d := EvaluateFieldValidation(f, coerced, record); d != nil {
			details = append(details, *d)
			continue
		}
		out[f.Name] = coerced
	}

	if len(details) > 0 {
		return nil, nil, ValidationError(details)
	}
	return out, relations, nil
}

func roleValue(role metadata.Role, sess *metadata.Session, dialect store.Dialect) (any, bool) {
	if role.IsTimestamp() {
		return store.Expr(dialect.NowExpr()), true
	}
	if sess == nil || sess.UserID == "" {
		return nil, false
	}
	return sess.UserID, true
}

func coerceField(f *metadata.Field, v any, dialect store.Dialect) (any, *ErrorDetail) {
	invalid := func(kind string) *ErrorDetail {
		return &ErrorDetail{
			Field:   f.Name,
			Rule:    "type",
			Message: fmt.Sprintf("Field '%s' must be %s", f.Name, kind),
		}
	}

	switch f.Type {
	case "int", "bigint":
		n, ok := toInteger(v)
		if !ok {
			return nil, invalid("an integer")
		}
		return n, nil

	case "float", "decimal":
		if _, isBool := v.(bool); isBool {
			return nil, invalid("a number")
		}
		n, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, invalid("a number")
		}
		return n, nil

	case "boolean":
		b, err := cast.ToBoolE(v)
		if err != nil {
			return nil, invalid("a boolean")
		}
		if dialect.NeedsBoolFix() {
			return lo.Ternary(b, 1, 0), nil
		}
		return b, nil

	case "timestamp", "date", "time":
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		s, ok := v.(string)
		if !ok || !parsesAsTime(s) {
			return nil, invalid("a valid date/time")
		}
		return s, nil

	case "json":
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, invalid("valid JSON")
			}
			return string(b), nil
		}
		return v, nil

	case "binary":
		return v, nil

	case "uuid":
		s := cast.ToString(v)
		if _, err := uuid.Parse(s); err != nil {
			return nil, invalid("a UUID")
		}
		return s, nil
	}

	switch v.(type) {
	case map[string]any, []any:
		return nil, invalid("a scalar value")
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, invalid("a string")
	}
	return s, nil
}

// toInteger accepts native integers, integral floats and digit strings.
func toInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return cast.ToInt64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInteger(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		return toInteger(string(n))
	case string:
		s := strings.TrimSpace(n)
		if !integerPattern.MatchString(s) {
			return 0, false
		}
		i, err := strconv.ParseInt(s, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func parsesAsTime(s string) bool {
	for _, layout := range timeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	_, err := cast.ToTimeE(s)
	return err == nil
}
