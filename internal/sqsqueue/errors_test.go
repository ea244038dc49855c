package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	json "github.com/goccy/go-json"

	"queue-abstraction/internal/jobs"
)

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		category  jobs.ErrorCategory
		code      string
		retryable bool
	}{
		{"throttle", apiError("RequestThrottled", "slow down"), jobs.CategoryRuntime, jobs.CodeThrottled, true},
		{"timeout", apiError("RequestTimeout", "too slow"), jobs.CategoryRuntime, jobs.CodeTimeout, true},
		{"unavailable", apiError("ServiceUnavailable", "try later"), jobs.CategoryRuntime, jobs.CodeConnection, true},
		{"missing queue", apiError("AWS.SimpleQueueService.NonExistentQueue", "no such queue"), jobs.CategoryConfiguration, jobs.CodeQueueNotFound, false},
		{"auth", apiError("AccessDenied", "nope"), jobs.CategoryConfiguration, jobs.CodeAuth, false},
		{"kms", apiError("KMS.DisabledException", "key disabled"), jobs.CategoryConfiguration, jobs.CodeAuth, false},
		{"bad contents", apiError("InvalidMessageContents", "bad chars"), jobs.CategoryData, jobs.CodeValidation, false},
		{"too long", apiError("MessageTooLong", "256KiB max"), jobs.CategoryData, jobs.CodeValidation, false},
		{"missing param", apiError("MissingParameter", "queue url"), jobs.CategoryConfiguration, jobs.CodeInvalidConfig, false},
		{"bad receipt", apiError("ReceiptHandleIsInvalid", "expired"), jobs.CategoryRuntime, jobs.CodeProcessing, false},
		{"not inflight", apiError("AWS.SimpleQueueService.MessageNotInflight", "gone"), jobs.CategoryRuntime, jobs.CodeProcessing, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			qe := classify("op", tc.err)
			if qe.Category != tc.category || qe.Code != tc.code || qe.Retryable != tc.retryable {
				t.Fatalf("classify(%v) = %s/%s retryable=%v, want %s/%s retryable=%v",
					tc.err, qe.Category, qe.Code, qe.Retryable, tc.category, tc.code, tc.retryable)
			}
			if !errors.As(qe, new(smithy.APIError)) {
				t.Fatalf("original cause not preserved in chain")
			}
		})
	}
}

func TestClassifyUnknownCodeFailsClosed(t *testing.T) {
	qe := classify("add", apiError("SomeBrandNewError", "surprise"))
	if qe.Category != jobs.CategoryRuntime || qe.Code != jobs.CodeProcessing {
		t.Fatalf("unknown code should fail closed, got %s/%s", qe.Category, qe.Code)
	}
	if qe.Retryable {
		t.Fatalf("unknown code must not be retryable")
	}
	// The service's own code is preserved verbatim for operators.
	if !strings.Contains(qe.Message, "SomeBrandNewError") {
		t.Fatalf("original code lost: %s", qe.Message)
	}
}

func TestClassifyParseErrorsByType(t *testing.T) {
	var payload map[string]any
	err := json.Unmarshal([]byte("{broken"), &payload)
	if err == nil {
		t.Fatalf("expected unmarshal to fail")
	}
	qe := classify("fetch", err)
	if qe.Category != jobs.CategoryData || qe.Code != jobs.CodeSerialization {
		t.Fatalf("parse error classified as %s/%s", qe.Category, qe.Code)
	}
}

func TestClassifyDoesNotMatchOnSubstring(t *testing.T) {
	// An unrelated error that merely mentions "json" must not be filed
	// as a serialization failure.
	qe := classify("fetch", fmt.Errorf("upstream json gateway unreachable"))
	if qe.Code == jobs.CodeSerialization {
		t.Fatalf("substring match misclassified a non-parse error")
	}
	if qe.Category != jobs.CategoryRuntime || qe.Code != jobs.CodeProcessing || qe.Retryable {
		t.Fatalf("expected fail-closed default, got %s/%s retryable=%v", qe.Category, qe.Code, qe.Retryable)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	qe := classify("fetch", context.DeadlineExceeded)
	if qe.Code != jobs.CodeTimeout || !qe.Retryable {
		t.Fatalf("deadline: %s retryable=%v", qe.Code, qe.Retryable)
	}
	qe = classify("fetch", context.Canceled)
	if qe.Code != jobs.CodeConnection || !qe.Retryable {
		t.Fatalf("canceled: %s retryable=%v", qe.Code, qe.Retryable)
	}
}

func TestClassifyPassesThroughQueueError(t *testing.T) {
	orig := jobs.NewDataError(jobs.CodeValidation, "already classified")
	qe := classify("add", orig)
	if qe != orig {
		t.Fatalf("pre-classified error was rewrapped")
	}
}
