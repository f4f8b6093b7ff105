package engine

import (
	"errors"
	"fmt"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
	Context any           `json:"context,omitempty"`
	cause   error
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.cause
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

// BatchErrorContext is serialized verbatim so clients can tell which records committed.
type BatchErrorContext struct {
	Errors []int `json:"errors"`
	IDs    []any `json:"ids"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(table, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Record with identifier '%s' not found in %s", id, table),
	}
}

func UnknownTableError(name string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Table '%s' does not exist", name),
	}
}

func UnknownServiceError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_SERVICE",
		Status:  404,
		Message: fmt.Sprintf("Unknown service: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	msg := "Validation failed"
	if len(details) == 1 {
		msg = details[0].Message
	}
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  400,
		Message: msg,
		Details: details,
	}
}

func BadRequestError(msg string) *AppError {
	return &AppError{Code: "BAD_REQUEST", Status: 400, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func InternalError(msg string, cause error) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Status: 500, Message: msg, cause: cause}
}

func SchemaError(err error) *AppError {
	return &AppError{Code: "SCHEMA_ERROR", Status: 500, Message: err.Error(), cause: err}
}

func BatchError(ctx BatchErrorContext) *AppError {
	return &AppError{
		Code:    "BATCH_ERROR",
		Status:  400,
		Message: fmt.Sprintf("Batch Error: %d of %d record(s) failed", len(ctx.Errors), len(ctx.IDs)),
		Context: ctx,
	}
}

func isAppError(err error, target **AppError) bool {
	return errors.As(err, target)
}

// classifyError turns store and metadata errors into AppErrors. AppErrors pass through.
func classifyError(err error, dialect store.Dialect) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if isAppError(err, &appErr) {
		return appErr
	}
	if errors.Is(err, metadata.ErrTableNotFound) {
		return &AppError{Code: "NOT_FOUND", Status: 404, Message: err.Error(), cause: err}
	}
	var schemaErr *metadata.SchemaError
	if errors.As(err, &schemaErr) {
		return SchemaError(err)
	}
	if dialect != nil {
		err = dialect.MapError(err)
	}
	switch {
	case errors.Is(err, store.ErrUniqueViolation):
		return &AppError{Code: "CONFLICT", Status: 409, Message: "Duplicate value violates a unique constraint", cause: err}
	case errors.Is(err, store.ErrForeignKeyViolation):
		return &AppError{Code: "VALIDATION_FAILED", Status: 400, Message: "Operation violates a foreign key constraint", cause: err}
	}
	return InternalError(err.Error(), err)
}
