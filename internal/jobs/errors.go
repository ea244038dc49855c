package jobs

import (
	"errors"
	"fmt"
)

// ErrorCategory is the coarse classification of a QueueError.
type ErrorCategory string

const (
	// CategoryConfiguration covers bad setup: missing queue mappings,
	// explicitly requested unsupported features, credential failures.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryData covers bad payloads: oversize, unserializable,
	// validation failures.
	CategoryData ErrorCategory = "data"
	// CategoryRuntime covers operational failures: connection,
	// throttling, timeouts, shutdown, lease problems.
	CategoryRuntime ErrorCategory = "runtime"
	// CategoryNotFound covers missing resources such as a DLQ job.
	CategoryNotFound ErrorCategory = "not_found"
)

// Stable error codes. Callers may branch on these; they never change.
const (
	CodeValidation         = "VALIDATION"
	CodeSerialization      = "SERIALIZATION"
	CodeUnsupportedFeature = "UNSUPPORTED_FEATURE"
	CodeQueueNotFound      = "QUEUE_NOT_FOUND"
	CodeAuth               = "AUTH"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeConnection         = "CONNECTION"
	CodeThrottled          = "THROTTLED"
	CodeTimeout            = "TIMEOUT"
	CodeShutdown           = "SHUTDOWN"
	CodeProcessing         = "PROCESSING"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
	CodeJobNotFound        = "JOB_NOT_FOUND"
)

// QueueError is the single error type crossing the provider boundary.
// Retryable is always set explicitly by the producer of the error;
// callers must never infer it from Code.
type QueueError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool

	QueueName    string
	JobID        string
	ResourceID   string
	ResourceType string

	Cause error
}

func (e *QueueError) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
	if e.QueueName != "" {
		msg += fmt.Sprintf(" (queue=%s)", e.QueueName)
	}
	if e.JobID != "" {
		msg += fmt.Sprintf(" (job=%s)", e.JobID)
	}
	return msg
}

func (e *QueueError) Unwrap() error { return e.Cause }

// WithQueue annotates the error with the logical queue name.
func (e *QueueError) WithQueue(name string) *QueueError {
	e.QueueName = name
	return e
}

// WithJob annotates the error with the job id.
func (e *QueueError) WithJob(id string) *QueueError {
	e.JobID = id
	return e
}

// WithCause attaches the underlying error for errors.Is/As chains.
func (e *QueueError) WithCause(cause error) *QueueError {
	e.Cause = cause
	return e
}

// NewConfigError builds a configuration error. Configuration errors
// are never retryable.
func NewConfigError(code, message string) *QueueError {
	return &QueueError{Category: CategoryConfiguration, Code: code, Message: message}
}

// NewDataError builds a data error. Data errors are never retryable.
func NewDataError(code, message string) *QueueError {
	return &QueueError{Category: CategoryData, Code: code, Message: message}
}

// NewRuntimeError builds a runtime error with an explicit retryable
// decision.
func NewRuntimeError(code, message string, retryable bool) *QueueError {
	return &QueueError{Category: CategoryRuntime, Code: code, Message: message, Retryable: retryable}
}

// NewNotFoundError builds a not-found error for a missing resource.
func NewNotFoundError(resourceType, resourceID, message string) *QueueError {
	return &QueueError{
		Category:     CategoryNotFound,
		Code:         CodeJobNotFound,
		Message:      message,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// AsQueueError unwraps err into a *QueueError if one is in the chain.
func AsQueueError(err error) (*QueueError, bool) {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// IsRetryable reports whether err carries an explicit retryable=true.
// Unknown error types are not retryable.
func IsRetryable(err error) bool {
	if qe, ok := AsQueueError(err); ok {
		return qe.Retryable
	}
	return false
}
