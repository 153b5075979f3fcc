package platform

import (
	"fmt"
	"time"
)

// RateLimitError reports a 429 from the platform or a subscriber. RetryAfter
// is zero when the response carried no hint.
type RateLimitError struct {
	RetryAfterHint time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterHint > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfterHint)
	}
	return "rate limited"
}

func (e *RateLimitError) RetryAfter() time.Duration { return e.RetryAfterHint }

// StatusError is any other non-2xx platform response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Code, body)
}

// APIError is an error object inside a 2xx GraphQL response.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return "platform api: " + e.Message }
