package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/pkg/api"
)

// ErrorKind classifies why an operation was not applied.
type ErrorKind string

const (
	// KindValidation marks malformed or disallowed operations. Resubmitting
	// them unchanged fails again.
	KindValidation ErrorKind = "validation"
	// KindConflict marks operations rejected by the conflict policy. The client
	// may rebase on the returned server value and resubmit.
	KindConflict ErrorKind = "conflict"
	// KindNotFound marks operations whose target does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindTransient marks failures that may succeed on retry.
	KindTransient ErrorKind = "transient"
)

// Error codes carried in per-operation results.
const (
	CodeInvalidOperation  = "INVALID_OPERATION"
	CodeUnknownEntityType = "UNKNOWN_ENTITY_TYPE"
	CodeUnsupportedIntent = "UNSUPPORTED_INTENT"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeConflict          = "CONFLICT"
	CodeEntityNotFound    = "ENTITY_NOT_FOUND"
	CodeLocalIDUnresolved = "LOCAL_ID_UNRESOLVED"
	CodeTimeout           = "OPERATION_TIMEOUT"
	CodeConcurrentWrite   = "CONCURRENT_WRITE"
	CodeStorage           = "STORAGE_UNAVAILABLE"
)

// Request-level errors.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnknownRole       = errors.New("unknown role")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrBatchTooLarge     = errors.New("too many operations in batch")
	ErrInvalidCursor     = errors.New("invalid cursor")
	ErrInvalidRequest    = errors.New("invalid request")
)

// OperationError is the failure of a single operation. It never aborts the
// rest of a batch.
type OperationError struct {
	Err       error
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// API converts the error to its wire form.
func (e *OperationError) API() *api.OperationError {
	return &api.OperationError{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
	}
}

func validationError(code, format string, args ...any) *OperationError {
	return &OperationError{
		Kind:    KindValidation,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func notFoundError(code string, retryable bool, format string, args ...any) *OperationError {
	return &OperationError{
		Kind:      KindNotFound,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

func conflictError(entityType, entityID string) *OperationError {
	return &OperationError{
		Kind:      KindConflict,
		Code:      CodeConflict,
		Message:   fmt.Sprintf("%s/%s was modified on the server after the client's base version", entityType, entityID),
		Retryable: false,
	}
}

func transientError(code string, err error) *OperationError {
	return &OperationError{
		Err:       err,
		Kind:      KindTransient,
		Code:      code,
		Message:   err.Error(),
		Retryable: true,
	}
}

// classifyError maps an arbitrary failure to an OperationError.
// A context deadline always becomes a retryable timeout.
func classifyError(ctx context.Context, err error) *OperationError {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return transientError(CodeTimeout, fmt.Errorf("operation timed out: %w", err))
	case errors.Is(err, context.Canceled):
		return transientError(CodeTimeout, fmt.Errorf("operation cancelled: %w", err))
	case errors.Is(err, storage.ErrEntityNotFound):
		return notFoundError(CodeEntityNotFound, false, "%v", err)
	case errors.Is(err, ErrUnknownEntityType):
		return validationError(CodeUnknownEntityType, "%v", err)
	default:
		return transientError(CodeStorage, err)
	}
}
