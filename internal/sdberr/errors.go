// Package sdberr defines the closed error taxonomy surfaced across every
// layer, following the sentinel-error-plus-context pattern used throughout
// the rest of this codebase's error handling.
package sdberr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers compare with errors.Is, never string matching.
var (
	ErrNotFound              = errors.New("solidb: not found")
	ErrAlreadyExists         = errors.New("solidb: already exists")
	ErrRevisionConflict      = errors.New("solidb: revision conflict")
	ErrDuplicateKey          = errors.New("solidb: duplicate key")
	ErrInvalidName           = errors.New("solidb: invalid name")
	ErrValidation            = errors.New("solidb: validation failed")
	ErrSchemaCompilation     = errors.New("solidb: schema compilation failed")
	ErrSchemaValidation      = errors.New("solidb: schema validation failed")
	ErrBind                  = errors.New("solidb: unresolved bind variable")
	ErrParse                 = errors.New("solidb: query parse error")
	ErrType                  = errors.New("solidb: type error")
	ErrIndex                 = errors.New("solidb: index error")
	ErrTransactionNotFound   = errors.New("solidb: transaction not found")
	ErrTransactionExpired    = errors.New("solidb: transaction expired")
	ErrTransactionAborted    = errors.New("solidb: transaction aborted")
	ErrTimeout               = errors.New("solidb: timeout")
	ErrCancelled             = errors.New("solidb: cancelled")
	ErrInternal              = errors.New("solidb: internal error")
	ErrUnavailable           = errors.New("solidb: unavailable")
)

// WithContext wraps a sentinel error with a message and optional key/value
// fields so callers can log structured context without losing the
// underlying sentinel for errors.Is / errors.As comparisons.
type WithContext struct {
	Err     error
	Message string
	Fields  map[string]any
}

func (e *WithContext) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *WithContext) Unwrap() error { return e.Err }

// Wrap attaches message and structured fields to a sentinel error.
func Wrap(err error, message string, fields ...any) error {
	m := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok {
			m[k] = fields[i+1]
		}
	}
	return &WithContext{Err: err, Message: message, Fields: m}
}

func IsNotFound(err error) bool            { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool       { return errors.Is(err, ErrAlreadyExists) }
func IsRevisionConflict(err error) bool    { return errors.Is(err, ErrRevisionConflict) }
func IsDuplicateKey(err error) bool        { return errors.Is(err, ErrDuplicateKey) }
func IsValidation(err error) bool          { return errors.Is(err, ErrValidation) || errors.Is(err, ErrSchemaValidation) }
func IsTransactionExpired(err error) bool  { return errors.Is(err, ErrTransactionExpired) }
func IsTimeout(err error) bool             { return errors.Is(err, ErrTimeout) }
func IsCancelled(err error) bool           { return errors.Is(err, ErrCancelled) }

// IsRetryable reports whether a caller may usefully retry the operation:
// timeouts, revision conflicts, and unavailability are transient; anything
// else (validation, not-found, parse errors) will fail again identically.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRevisionConflict) ||
		errors.Is(err, ErrUnavailable)
}
