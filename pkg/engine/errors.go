package engine

import (
	"errors"
	"fmt"
)

// ErrorClass tells callers whether retrying can help.
type ErrorClass string

const (
	// ErrorClassTransient covers failures that may pass on retry, such as a
	// dropped executor stream or a busy store.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict means the target changed state underneath the
	// caller, for example an execution that already finished.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers invalid input and policy denials.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeDispatchRejected = "DISPATCH_REJECTED"
	ErrCodeDispatchFailed   = "DISPATCH_FAILED"
)

// EngineError is a classified error raised while preparing or dispatching
// work for a release.
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message"`
	Operation string     `json:"operation,omitempty"`
	Release   string     `json:"release,omitempty"`

	// Policies names the policies behind a DISPATCH_REJECTED error.
	Policies []string `json:"policies,omitempty"`

	Err error `json:"-"`
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return fmt.Sprintf("[%s] %s", e.Class, ReleaseContext(msg, OperationKind(e.Operation), e.Release))
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError with the same class and code, so
// errors.Is(err, &EngineError{Class: ErrorClassConflict}) works.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError returns a transient error wrapping err.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewConflictError returns a conflict error wrapping err.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError returns a permanent error wrapping err.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewValidationError returns a permanent VALIDATION_ERROR.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithRelease(release string) *EngineError {
	e.Release = release
	return e
}

func classOf(err error) (*EngineError, bool) {
	var e *EngineError
	ok := errors.As(err, &e)
	return e, ok
}

// IsTransient reports whether err is a transient EngineError.
func IsTransient(err error) bool {
	e, ok := classOf(err)
	return ok && e.Class == ErrorClassTransient
}

// IsConflict reports whether err is a conflict EngineError.
func IsConflict(err error) bool {
	e, ok := classOf(err)
	return ok && e.Class == ErrorClassConflict
}

// IsPermanent reports whether err is a permanent EngineError.
func IsPermanent(err error) bool {
	e, ok := classOf(err)
	return ok && e.Class == ErrorClassPermanent
}

// IsValidation reports whether err carries VALIDATION_ERROR.
func IsValidation(err error) bool {
	e, ok := classOf(err)
	return ok && e.Code == ErrCodeValidation
}

// ReleaseContext appends the operation and release to msg when known.
// Outcome messages and EngineError share this format.
func ReleaseContext(msg string, op OperationKind, release string) string {
	switch {
	case op != "" && release != "":
		return fmt.Sprintf("%s (operation=%s, release=%s)", msg, op, release)
	case op != "":
		return fmt.Sprintf("%s (operation=%s)", msg, op)
	case release != "":
		return fmt.Sprintf("%s (release=%s)", msg, release)
	default:
		return msg
	}
}

// ErrContractViolation matches any ContractViolationError with errors.Is.
var ErrContractViolation = errors.New("continuation contract violated")

// ContractViolationError is returned when a result does not match what the
// continuation is waiting for. It is never converted into an Outcome.
type ContractViolationError struct {
	CorrelationID string
	Expected      TaskKind
	Got           TaskKind
	Reason        string
}

func (e *ContractViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (correlation=%s)", ErrContractViolation, e.Reason, e.CorrelationID)
	}
	return fmt.Sprintf("%s: awaiting %s, received %s (correlation=%s)",
		ErrContractViolation, e.Expected, e.Got, e.CorrelationID)
}

func (e *ContractViolationError) Is(target error) bool {
	return target == ErrContractViolation
}
