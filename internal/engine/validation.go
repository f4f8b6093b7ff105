package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"baas-gateway/internal/metadata"
)

// programs caches compiled validation expressions by source text. Field
// descriptors are shared and immutable, so the program cannot live on them.
var programs sync.Map

// CompileValidation compiles a field validation expression. The expression
// sees "value" (the coerced field value) and "record" (the whole input record)
// and must evaluate to true for the value to be accepted.
func CompileValidation(expression string) (*vm.Program, error) {
	if p, ok := programs.Load(expression); ok {
		return p.(*vm.Program), nil
	}
	prog, err := expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	programs.Store(expression, prog)
	return prog, nil
}

// EvaluateFieldValidation checks value against the field's validation
// expression. It returns nil when the field has none or the check passes.
func EvaluateFieldValidation(f *metadata.Field, value any, record map[string]any) *ErrorDetail {
	if f.Validation == "" {
		return nil
	}
	prog, err := CompileValidation(f.Validation)
	if err != nil {
		return &ErrorDetail{Field: f.Name, Rule: "validation", Message: fmt.Sprintf("compile error: %v", err)}
	}

	result, err := expr.Run(prog, map[string]any{"value": value, "record": record})
	if err != nil {
		return &ErrorDetail{Field: f.Name, Rule: "validation", Message: fmt.Sprintf("validation error: %v", err)}
	}
	if ok, _ := result.(bool); ok {
		return nil
	}

	msg := f.Message
	if msg == "" {
		msg = fmt.Sprintf("Field '%s' failed validation", f.Name)
	}
	return &ErrorDetail{Field: f.Name, Rule: "validation", Message: msg}
}
