package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store sentinel errors. Implementations wrap these with %w.
var (
	// ErrNotFound is returned when a call or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when adding a call whose request ID is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStateMismatch is returned when a compare-and-transition loses a race
	// or the entry is not in the expected state.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrEvidenceBound is returned when the evidence is already bound to another call.
	ErrEvidenceBound = errors.New("evidence already bound")
)

// ErrorClass drives retry decisions across the engine.
type ErrorClass string

const (
	// ErrorClassTransient: a network failure or unreadable call log. Retry.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled: the remote asked us to slow down. Retry after
	// the hinted delay.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict: a duplicate command or a lost state race.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent: invalid input or a rejected report. Never retried.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error. Resource is the request ID the error
// concerns, when there is one.
// nolint:revive // the package name alone does not say what kind of error this is
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

// Error renders "[class] message (resource=…, operation=…): cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code, so a
// template like &EngineError{Class: ErrorClassConflict, Code: ErrCodeDuplicateCommand}
// works with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newClassified(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newClassified(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newClassified(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newClassified(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newClassified(ErrorClassPermanent, message, err)
}

// WithResource, WithOperation, WithCode and WithDetail mutate e and return
// it for chaining at construction time.

func (e *EngineError) WithResource(requestID string) *EngineError {
	e.Resource = requestID
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the outermost EngineError in err's chain,
// or "" when there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return ClassOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool  { return ClassOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return ClassOf(err) == ErrorClassPermanent }

// IsRetryable reports whether err carries a class other than permanent.
// Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// HasCode reports whether any EngineError in err's chain carries code.
func HasCode(err error, code string) bool {
	var e *EngineError
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// RetryAfter returns the server-provided retry hint attached to the error, if any.
func RetryAfter(err error) time.Duration {
	var e *EngineError
	if !errors.As(err, &e) || e.Details == nil {
		return 0
	}
	if d, ok := e.Details[DetailRetryAfter].(time.Duration); ok {
		return d
	}
	return 0
}

// DetailRetryAfter is the detail key carrying a time.Duration retry hint.
const DetailRetryAfter = "retry_after"

// Error codes carried in EngineError.Code and surfaced by the local API.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeTransientNetwork    = "TRANSIENT_NETWORK"
	ErrCodeEvidenceUnavailable = "EVIDENCE_UNAVAILABLE"
	ErrCodeDuplicateCommand    = "DUPLICATE_COMMAND"
	ErrCodeResolutionTimeout   = "RESOLUTION_TIMEOUT"
	ErrCodeDeliveryRejected    = "DELIVERY_FAILED_PERMANENT"
	ErrCodeDialFailed          = "DIAL_FAILED"
)

// NewTransientNetworkError reports a retryable network or server failure.
func NewTransientNetworkError(operation string, err error) *EngineError {
	return NewTransientError("network request failed", err).
		WithCode(ErrCodeTransientNetwork).
		WithOperation(operation)
}

// NewEvidenceUnavailableError reports that the call log cannot be read.
func NewEvidenceUnavailableError(err error) *EngineError {
	return NewTransientError("call log unavailable", err).
		WithCode(ErrCodeEvidenceUnavailable)
}

// NewDuplicateCommandError reports a command whose request ID is already tracked.
func NewDuplicateCommandError(requestID string) *EngineError {
	return NewConflictError("duplicate command", ErrAlreadyExists).
		WithCode(ErrCodeDuplicateCommand).
		WithResource(requestID)
}

// NewResolutionTimeoutError reports that no evidence matched within the window.
func NewResolutionTimeoutError(requestID string, window time.Duration) *EngineError {
	return NewPermanentError("no call-log evidence within window", nil).
		WithCode(ErrCodeResolutionTimeout).
		WithResource(requestID).
		WithDetail("window", window.String())
}

// NewDeliveryRejectedError reports that the remote refused a report outright.
func NewDeliveryRejectedError(requestID string, statusCode int, err error) *EngineError {
	return NewPermanentError("report rejected by remote", err).
		WithCode(ErrCodeDeliveryRejected).
		WithResource(requestID).
		WithDetail("status_code", statusCode)
}
