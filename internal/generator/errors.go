package generator

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory buckets generation failures so callers can pick a
// user-safe message without inspecting backend error bodies.
type ErrorCategory string

const (
	CategoryAuth      ErrorCategory = "auth"
	CategoryRateLimit ErrorCategory = "rate_limit"
	CategoryMalformed ErrorCategory = "malformed"
	CategoryStream    ErrorCategory = "stream"
	CategoryUnknown   ErrorCategory = "unknown"
)

// APIError is a categorized generation failure. Detail carries the raw
// backend error for operator logs and must never reach the caller; user
// output goes through UserMessage.
type APIError struct {
	Category ErrorCategory
	Status   int
	Detail   string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("generation failed (%s, status %d): %s", e.Category, e.Status, e.Detail)
	}
	return fmt.Sprintf("generation failed (%s): %s", e.Category, e.Detail)
}

// UserMessage returns a short natural-language message safe to show a
// site visitor.
func (e *APIError) UserMessage() string {
	switch e.Category {
	case CategoryAuth:
		return "I'm not able to authenticate with my language model right now. Please try again later."
	case CategoryRateLimit:
		return "I'm getting a lot of questions at the moment. Give me a few seconds and ask again."
	case CategoryMalformed:
		return "Something went wrong putting that request together. Try rephrasing your question."
	case CategoryStream:
		return "My response got cut off mid-stream. Please ask again."
	default:
		return "I'm having trouble generating a response right now. Please try again."
	}
}

// categorizeStatus maps an HTTP status to an APIError.
func categorizeStatus(status int, detail string) *APIError {
	var category ErrorCategory
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		category = CategoryAuth
	case status == http.StatusTooManyRequests:
		category = CategoryRateLimit
	case status >= 400 && status < 500:
		category = CategoryMalformed
	default:
		category = CategoryUnknown
	}
	return &APIError{Category: category, Status: status, Detail: detail}
}

// streamError wraps a failure that happened after the stream began.
func streamError(err error) *APIError {
	return &APIError{Category: CategoryStream, Detail: err.Error()}
}

// transportError wraps a failure to reach the backend at all.
func transportError(err error) *APIError {
	return &APIError{Category: CategoryUnknown, Detail: err.Error()}
}

// UserSafeMessage extracts a visitor-facing message from any generation
// error, falling back to a generic line for non-APIError values.
func UserSafeMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.UserMessage()
	}
	return "I'm having trouble generating a response right now. Please try again."
}
