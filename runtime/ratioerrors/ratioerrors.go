// Package ratioerrors classifies errors surfaced by the execution core into
// the platform taxonomy. The coordinator uses the classification to decide
// status codes and failure messages when a process is closed out.
package ratioerrors

import (
	"errors"

	"goa.design/ratio/auth/jwtsign"
	"goa.design/ratio/runtime/refs"
	"goa.design/ratio/runtime/schema"
	"goa.design/ratio/runtime/token"
	"goa.design/ratio/storage"
	"goa.design/ratio/tooldef"
)

// Kind is one bucket of the error taxonomy.
type Kind string

// Taxonomy buckets.
const (
	KindInvalidSchema       Kind = "invalid_schema"
	KindInvalidReference    Kind = "invalid_reference"
	KindMissingDefinition   Kind = "missing_definition"
	KindInvalidDefinition   Kind = "invalid_definition"
	KindAccessDenied        Kind = "access_denied"
	KindTokenExpired        Kind = "token_expired"
	KindToolExecutionFailed Kind = "tool_execution_failed"
	KindInternal            Kind = "internal"
)

// ErrToolExecutionFailed wraps a failure reported by a leaf tool; the message
// is propagated up the process tree unchanged.
type ErrToolExecutionFailed struct {
	Message string
}

// Error implements the error interface.
func (e *ErrToolExecutionFailed) Error() string { return e.Message }

// Classify maps an error to its taxonomy bucket.
func Classify(err error) Kind {
	var (
		schemaErr *schema.InvalidObjectSchemaError
		refErr    *refs.InvalidReferenceError
		defErr    *tooldef.InvalidDefinitionError
		toolErr   *ErrToolExecutionFailed
	)
	switch {
	case errors.As(err, &schemaErr):
		return KindInvalidSchema
	case errors.As(err, &refErr):
		return KindInvalidReference
	case errors.Is(err, tooldef.ErrMissingDefinition):
		return KindMissingDefinition
	case errors.As(err, &defErr):
		return KindInvalidDefinition
	case errors.Is(err, storage.ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, jwtsign.ErrTokenExpired), errors.Is(err, token.ErrTokenTooOld):
		return KindTokenExpired
	case errors.As(err, &toolErr):
		return KindToolExecutionFailed
	default:
		return KindInternal
	}
}

// StatusCode maps a taxonomy bucket to the HTTP-style status reported on the
// user-visible surface.
func StatusCode(kind Kind) int {
	switch kind {
	case KindInvalidSchema, KindInvalidReference, KindMissingDefinition, KindInvalidDefinition:
		return 400
	case KindAccessDenied:
		return 403
	case KindTokenExpired:
		return 401
	default:
		return 500
	}
}

// UserError reports whether the error is the caller's fault: the process is
// failed but no alarm-worthy internal condition occurred.
func UserError(err error) bool {
	return StatusCode(Classify(err)) < 500
}
