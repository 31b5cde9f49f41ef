package discordclient

import "fmt"

// Forbidden indicates the bot lacks permission for the requested operation
// (HTTP 403). Never retried.
type Forbidden struct {
	Text string
}

func (e *Forbidden) Error() string { return fmt.Sprintf("discord: forbidden: %s", e.Text) }

// NotFound indicates the requested resource no longer exists (HTTP 404).
// Never retried.
type NotFound struct {
	Text string
}

func (e *NotFound) Error() string { return fmt.Sprintf("discord: not found: %s", e.Text) }

// HTTPException covers any other non-2xx response. RetryAfter is non-nil
// when the response carried a Retry-After header.
type HTTPException struct {
	Status     int
	Headers    map[string]string
	Text       string
	RetryAfter *float64
}

func (e *HTTPException) Error() string {
	return fmt.Sprintf("discord: HTTP %d: %s", e.Status, e.Text)
}

// Retryable reports whether the error classifies as transient per the REST
// adapter's retry policy: 429 and 5xx are retried, everything else is not.
func (e *HTTPException) Retryable() bool {
	return e.Status == 429 || (e.Status >= 500 && e.Status < 600)
}
