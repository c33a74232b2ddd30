package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorClass is the closed set of failure categories the router acts on.
// Every provider and tool failure maps into exactly one class.
type ErrorClass string

const (
	ClassAuth            ErrorClass = "auth"
	ClassRateLimit       ErrorClass = "rateLimit"
	ClassTimeout         ErrorClass = "timeout"
	ClassContextOverflow ErrorClass = "contextOverflow"
	ClassBilling         ErrorClass = "billing"
	ClassProviderDown    ErrorClass = "providerDown"
	ClassToolArgInvalid  ErrorClass = "toolArgInvalid"
	ClassToolExecFailed  ErrorClass = "toolExecFailed"
	ClassCancelled       ErrorClass = "cancelled"
	ClassFatal           ErrorClass = "fatal"
)

// DisablesProvider reports whether this failure takes the provider out of
// rotation for the rest of the session.
func (c ErrorClass) DisablesProvider() bool {
	return c == ClassAuth || c == ClassBilling
}

// ProviderError is a classified failure from an LLM endpoint.
type ProviderError struct {
	Class    ErrorClass
	Provider string
	Model    string
	Status   int
	Message  string

	// RetryAfter is the server-requested backoff on rate limits, zero when
	// the server sent none.
	RetryAfter time.Duration

	Cause error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Class)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps and classifies a raw provider failure.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Class:    Classify(cause),
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it. Status codes
// are more reliable than body text, so they win over string matching.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if class := classifyStatus(status); class != ClassFatal {
		e.Class = class
	}
	return e
}

// WithRetryAfter records the server-requested rate limit backoff.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassOf returns the classification for any error, wrapping raw errors
// through Classify.
func ClassOf(err error) ErrorClass {
	if pe, ok := AsProviderError(err); ok {
		return pe.Class
	}
	return Classify(err)
}

// overflowMarkers are the canonical body strings providers emit when the
// request exceeds the context window.
var overflowMarkers = []string{
	"context_length_exceeded",
	"context length",
	"maximum context",
	"prompt is too long",
	"too many tokens",
	"input length exceeds",
}

// Classify maps a raw error onto the closed class set by inspecting its
// text. Providers that surface status codes should prefer WithStatus.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range overflowMarkers {
		if strings.Contains(msg, marker) {
			return ClassContextOverflow
		}
	}

	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") {
		return ClassTimeout
	}

	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return ClassRateLimit
	}

	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") {
		return ClassAuth
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "402") {
		return ClassBilling
	}

	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") {
		return ClassProviderDown
	}

	return ClassFatal
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusPaymentRequired:
		return ClassBilling
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusRequestEntityTooLarge:
		return ClassContextOverflow
	case status >= 500:
		return ClassProviderDown
	default:
		return ClassFatal
	}
}
