package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
	json "github.com/goccy/go-json"

	"queue-abstraction/internal/jobs"
)

// errorClass is one row of the classification table.
type errorClass struct {
	category  jobs.ErrorCategory
	code      string
	retryable bool
}

// errorTable maps SQS error codes to the QueueError taxonomy. The
// table is ordered: the first matching row wins, which keeps the
// classification priority auditable. Anything not listed falls through
// to the fail-closed default in classify.
var errorTable = []struct {
	match string
	class errorClass
}{
	// Transient service conditions: safe to retry.
	{"RequestThrottled", errorClass{jobs.CategoryRuntime, jobs.CodeThrottled, true}},
	{"ThrottlingException", errorClass{jobs.CategoryRuntime, jobs.CodeThrottled, true}},
	{"Throttling", errorClass{jobs.CategoryRuntime, jobs.CodeThrottled, true}},
	{"RequestTimeout", errorClass{jobs.CategoryRuntime, jobs.CodeTimeout, true}},
	{"RequestTimeoutException", errorClass{jobs.CategoryRuntime, jobs.CodeTimeout, true}},
	{"ServiceUnavailable", errorClass{jobs.CategoryRuntime, jobs.CodeConnection, true}},
	{"InternalError", errorClass{jobs.CategoryRuntime, jobs.CodeConnection, true}},
	{"InternalFailure", errorClass{jobs.CategoryRuntime, jobs.CodeConnection, true}},

	// Missing or misconfigured queue.
	{"AWS.SimpleQueueService.NonExistentQueue", errorClass{jobs.CategoryConfiguration, jobs.CodeQueueNotFound, false}},
	{"QueueDoesNotExist", errorClass{jobs.CategoryConfiguration, jobs.CodeQueueNotFound, false}},
	{"QueueDeletedRecently", errorClass{jobs.CategoryConfiguration, jobs.CodeQueueNotFound, false}},

	// Credentials and encryption keys.
	{"AccessDenied", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"AccessDeniedException", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"InvalidClientTokenId", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"UnrecognizedClientException", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"ExpiredToken", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"KMS.AccessDeniedException", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"KMS.DisabledException", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"KMS.InvalidStateException", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},
	{"KMS.NotFoundException", errorClass{jobs.CategoryConfiguration, jobs.CodeAuth, false}},

	// Bad message content or parameters.
	{"InvalidMessageContents", errorClass{jobs.CategoryData, jobs.CodeValidation, false}},
	{"MessageTooLong", errorClass{jobs.CategoryData, jobs.CodeValidation, false}},
	{"InvalidParameterValue", errorClass{jobs.CategoryData, jobs.CodeValidation, false}},
	{"InvalidParameterValueException", errorClass{jobs.CategoryData, jobs.CodeValidation, false}},
	{"MissingParameter", errorClass{jobs.CategoryConfiguration, jobs.CodeInvalidConfig, false}},
	{"ValidationError", errorClass{jobs.CategoryConfiguration, jobs.CodeInvalidConfig, false}},
	{"InvalidAttributeName", errorClass{jobs.CategoryConfiguration, jobs.CodeInvalidConfig, false}},

	// Lease problems: the handle is gone for good, retrying the same
	// call can never succeed.
	{"ReceiptHandleIsInvalid", errorClass{jobs.CategoryRuntime, jobs.CodeProcessing, false}},
	{"InvalidReceiptHandle", errorClass{jobs.CategoryRuntime, jobs.CodeProcessing, false}},
	{"AWS.SimpleQueueService.MessageNotInflight", errorClass{jobs.CategoryRuntime, jobs.CodeProcessing, false}},
}

// classify maps any error from an SQS call into the QueueError
// taxonomy. Parse failures are recognized by type, never by substring,
// so an unrelated error mentioning "json" cannot be misfiled. Unknown
// service codes fail closed: runtime/PROCESSING, retryable=false, with
// the original code preserved verbatim for observability.
func classify(op string, err error) *jobs.QueueError {
	var qe *jobs.QueueError
	if errors.As(err, &qe) {
		return qe
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return jobs.NewDataError(jobs.CodeSerialization,
			fmt.Sprintf("%s: malformed payload: %v", op, err)).WithCause(err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return jobs.NewRuntimeError(jobs.CodeTimeout,
			fmt.Sprintf("%s: deadline exceeded", op), true).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("%s: canceled", op), true).WithCause(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		for _, row := range errorTable {
			if row.match == code {
				return &jobs.QueueError{
					Category:  row.class.category,
					Code:      row.class.code,
					Message:   fmt.Sprintf("%s: %s: %s", op, code, apiErr.ErrorMessage()),
					Retryable: row.class.retryable,
					Cause:     err,
				}
			}
		}
		return jobs.NewRuntimeError(jobs.CodeProcessing,
			fmt.Sprintf("%s: unclassified backend error %q: %s", op, code, apiErr.ErrorMessage()), false).
			WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("%s: network error: %v", op, err), true).WithCause(err)
	}

	return jobs.NewRuntimeError(jobs.CodeProcessing,
		fmt.Sprintf("%s: %v", op, err), false).WithCause(err)
}
