// Package a2a classifies agent-to-agent exchange failures and computes
// retry backoff. Classification drives the retry decision one layer up;
// nothing in this package retries on its own.
package a2a

import (
	"fmt"
	"strings"
)

// Category groups failures by how a caller should react.
type Category string

const (
	// CategoryTransient indicates a failure that is expected to clear on retry.
	CategoryTransient Category = "transient"

	// CategoryPermanent indicates a failure that will not clear on retry.
	CategoryPermanent Category = "permanent"

	// CategoryUnknown is the default for unrecognized failures. Unknown
	// failures are treated as retriable.
	CategoryUnknown Category = "unknown"

	// CategoryNone marks a non-error (an "ok" response fed to the classifier).
	CategoryNone Category = "none"
)

// Stable failure codes. These appear in logs and job records; do not rename.
const (
	CodeGatewayConnection = "gateway_connection"
	CodeAuthFailure       = "auth_failure"
	CodeGatewayUnknown    = "gateway_unknown"
	CodeNone              = "none"
	CodeRunNotFound       = "run_not_found"
	CodeWaitChunkTimeout  = "wait_chunk_timeout"
	CodeRateLimit         = "rate_limit"
	CodeContextExceeded   = "context_exceeded"
	CodeServerOverload    = "server_overload"
	CodeRequestRejected   = "request_rejected"
	CodeErrorUnknown      = "error_unknown"
	CodeUnexpectedStatus  = "unexpected_status"
)

// Classification is the verdict on a single failure.
type Classification struct {
	Category  Category
	Code      string
	Reason    string
	Retriable bool
}

// Classify categorizes a transport-level failure by inspecting the error
// message for known patterns. Matches are checked in order; the first hit wins.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryNone, Code: CodeNone, Reason: "no error"}
	}
	msg := strings.ToLower(err.Error())

	// Connection-level trouble: timeouts, resets, refused, DNS, fetch failures.
	if containsAny(msg,
		"timeout", "timed out",
		"connection reset", "econnreset",
		"socket hang up",
		"connection refused", "econnrefused",
		"no such host", "dns", "eai_again",
		"fetch failed",
	) {
		return Classification{
			Category:  CategoryTransient,
			Code:      CodeGatewayConnection,
			Reason:    err.Error(),
			Retriable: true,
		}
	}

	// Auth errors: 401, unauthorized, forbidden, 403.
	if containsAny(msg, "unauthorized", "forbidden", "401", "403") {
		return Classification{
			Category:  CategoryPermanent,
			Code:      CodeAuthFailure,
			Reason:    err.Error(),
			Retriable: false,
		}
	}

	return Classification{
		Category:  CategoryUnknown,
		Code:      CodeGatewayUnknown,
		Reason:    err.Error(),
		Retriable: true,
	}
}

// ClassifyResponse categorizes an application-level peer response by its
// status and error text.
func ClassifyResponse(status, errMsg string) Classification {
	switch status {
	case "ok":
		return Classification{Category: CategoryNone, Code: CodeNone, Reason: "ok"}

	case "not_found":
		return Classification{
			Category:  CategoryPermanent,
			Code:      CodeRunNotFound,
			Reason:    "peer does not know this run",
			Retriable: false,
		}

	case "timeout":
		// The peer is still working; waiting again is the right move.
		return Classification{
			Category:  CategoryTransient,
			Code:      CodeWaitChunkTimeout,
			Reason:    "peer still working",
			Retriable: true,
		}

	case "error":
		return classifyErrorResponse(errMsg)

	default:
		return Classification{
			Category:  CategoryUnknown,
			Code:      CodeUnexpectedStatus,
			Reason:    fmt.Sprintf("unexpected status %q", status),
			Retriable: true,
		}
	}
}

// classifyErrorResponse sub-classifies a status="error" response by message.
func classifyErrorResponse(errMsg string) Classification {
	msg := strings.ToLower(errMsg)

	if containsAny(msg, "rate limit", "rate_limit", "429", "too many requests") {
		return Classification{
			Category:  CategoryTransient,
			Code:      CodeRateLimit,
			Reason:    errMsg,
			Retriable: true,
		}
	}

	if containsAny(msg,
		"context length", "context_length", "context window",
		"token limit", "max tokens", "maximum context", "too long",
	) {
		return Classification{
			Category:  CategoryPermanent,
			Code:      CodeContextExceeded,
			Reason:    errMsg,
			Retriable: false,
		}
	}

	if containsAny(msg, "overload", "500", "502", "503", "504", "unavailable") {
		return Classification{
			Category:  CategoryTransient,
			Code:      CodeServerOverload,
			Reason:    errMsg,
			Retriable: true,
		}
	}

	if containsAny(msg, "not found", "invalid", "denied", "forbidden") {
		return Classification{
			Category:  CategoryPermanent,
			Code:      CodeRequestRejected,
			Reason:    errMsg,
			Retriable: false,
		}
	}

	return Classification{
		Category:  CategoryUnknown,
		Code:      CodeErrorUnknown,
		Reason:    errMsg,
		Retriable: true,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
