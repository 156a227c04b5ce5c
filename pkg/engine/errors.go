package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind identifies which stage of a session produced an error.
type ErrorKind string

const (
	// KindSchema marks a plan document that does not parse into the graph shape.
	KindSchema ErrorKind = "schema"

	// KindStructural marks a graph that is self-inconsistent or denied by policy.
	KindStructural ErrorKind = "structural"

	// KindSandbox marks a scratch workspace that could not be created or torn down.
	KindSandbox ErrorKind = "sandbox"

	// KindRemoteTransient marks a remote failure that is retried without change.
	KindRemoteTransient ErrorKind = "remote_transient"

	// KindRemoteRejection marks a request the remote system understood and refused.
	KindRemoteRejection ErrorKind = "remote_rejection"

	// KindOracle marks a failed or unusable repair consultation.
	KindOracle ErrorKind = "oracle"

	// KindPatchConflict marks a patch addressed at stale or missing state.
	KindPatchConflict ErrorKind = "patch_conflict"

	// KindDeployment marks a production replay failure.
	KindDeployment ErrorKind = "deployment"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the remote system.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a revision conflict or a dependency that is not ready yet.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates an error that retrying the same request cannot fix.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the taxonomy entry of the error.
	Kind ErrorKind `json:"kind"`

	// Class is the retry classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Field is the offending field reported by the remote system, if any.
	Field string `json:"field,omitempty"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node, edge or artifact id involved.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Violations lists every problem found for schema and structural errors.
	Violations []string `json:"violations,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`

	unhealable bool
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	var ctx []string
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Field != "" {
		ctx = append(ctx, "field="+e.Field)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}

	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Violations, "; "))
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewSchemaError reports every shape violation found in a plan document.
func NewSchemaError(violations []string) *EngineError {
	e := newError(KindSchema, ErrorClassPermanent, "plan document is malformed", nil)
	e.Violations = violations
	return e.WithCode(ErrCodeValidation)
}

// NewStructuralError reports every consistency violation found in a graph.
func NewStructuralError(violations []string) *EngineError {
	e := newError(KindStructural, ErrorClassPermanent, "plan graph is inconsistent", nil)
	e.Violations = violations
	return e.WithCode(ErrCodeValidation)
}

// NewSandboxError creates an error for workspace creation or teardown failures.
func NewSandboxError(message string, err error) *EngineError {
	return newError(KindSandbox, ErrorClassPermanent, message, err)
}

// NewTransientError creates a new transient remote error.
func NewTransientError(message string, err error) *EngineError {
	return newError(KindRemoteTransient, ErrorClassTransient, message, err)
}

// NewThrottledError creates a transient remote error caused by rate limiting.
func NewThrottledError(message string, err error) *EngineError {
	return newError(KindRemoteTransient, ErrorClassThrottled, message, err).WithCode(ErrCodeRateLimited)
}

// NewConflictError creates a transient remote error for revision conflicts
// and dependencies that are not ready yet.
func NewConflictError(message string, err error) *EngineError {
	return newError(KindRemoteTransient, ErrorClassConflict, message, err).WithCode(ErrCodeConflict)
}

// NewRejection creates a remote rejection for the given offending field.
func NewRejection(field, message string) *EngineError {
	e := newError(KindRemoteRejection, ErrorClassPermanent, message, nil)
	e.Field = field
	return e
}

// NewOracleError creates an error for a failed repair consultation.
func NewOracleError(message string, err error) *EngineError {
	return newError(KindOracle, ErrorClassPermanent, message, err)
}

// NewPatchConflictError creates an error for a patch addressed at stale state.
func NewPatchConflictError(message string) *EngineError {
	return newError(KindPatchConflict, ErrorClassPermanent, message, nil).WithCode(ErrCodeConflict)
}

// NewDeploymentError creates an error for a failed production replay.
func NewDeploymentError(message string, err error) *EngineError {
	return newError(KindDeployment, ErrorClassPermanent, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithField sets the offending field.
func (e *EngineError) WithField(field string) *EngineError {
	e.Field = field
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Unhealable marks a rejection that no content change can fix (for example an
// authorization failure), so the healing loop fails the node instead of
// consulting the oracle.
func (e *EngineError) Unhealable() *EngineError {
	e.unhealable = true
	return e
}

// IsKind reports whether err is an EngineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsTransient returns true if the error is a transient remote error of any class.
func IsTransient(err error) bool {
	return IsKind(err, KindRemoteTransient)
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsRejection returns true if the remote system refused the content of a request.
func IsRejection(err error) bool {
	return IsKind(err, KindRemoteRejection)
}

// IsHealable returns true for rejections the oracle may be able to repair.
func IsHealable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind == KindRemoteRejection && !e.unhealable
	}
	return false
}

// IsRetryable returns true if the same request may succeed when retried.
func IsRetryable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled ||
			e.Class == ErrorClassConflict
	}
	return false
}

// AsEngineError returns the EngineError in err's chain, or nil.
func AsEngineError(err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Common error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeAmbiguous    = "AMBIGUOUS"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeNoFix        = "NO_FIX"
	ErrCodePolicy       = "POLICY_DENIED"
	ErrCodeRollback     = "ROLLBACK_FAILED"
)
