package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrEmptySummary is returned when a backend answers with no text.
var ErrEmptySummary = errors.New("engine: backend returned an empty summary")

// ErrorClass categorizes backend errors for logs and metrics. The error
// itself is always passed through unchanged.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError returns the most specific ErrorClass for err. Typed SDK
// errors are classified by status code; everything else by message.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if class, ok := classifyStatus(apiErr.StatusCode); ok {
			return class
		}
	}
	msg := strings.ToLower(err.Error())

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication_error") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests, overloaded.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded") {
		return ErrorClassRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	// Billing: billing, payment, insufficient funds, credit balance.
	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "credit balance") {
		return ErrorClassBilling
	}

	// Context overflow: context_length, token limit, max tokens, context window, prompt too long.
	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "prompt is too long") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}

// ClassName is ClassifyError as a plain string, for metric labels.
func ClassName(err error) string {
	return string(ClassifyError(err))
}

func classifyStatus(code int) (ErrorClass, bool) {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorClassAuth, true
	case http.StatusTooManyRequests, 529:
		return ErrorClassRateLimit, true
	case http.StatusPaymentRequired:
		return ErrorClassBilling, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrorClassTimeout, true
	case http.StatusRequestEntityTooLarge:
		return ErrorClassContextOverflow, true
	default:
		return "", false
	}
}
