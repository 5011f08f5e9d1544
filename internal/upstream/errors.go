package upstream

import "fmt"

// RateLimitError means the upstream kept answering 429 until the retry
// budget ran out. The run fails and must be re-triggered externally.
type RateLimitError struct {
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limit exceeded after %d attempts", e.Attempts)
}

// UnavailableError means the upstream kept answering 5xx (or the
// network kept failing) until the retry budget ran out.
type UnavailableError struct {
	Attempts   int
	LastStatus int
	Cause      error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream unavailable after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("upstream unavailable after %d attempts: last status %d", e.Attempts, e.LastStatus)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// RequestError is a non-retryable 4xx: the request itself is wrong and
// repeating it cannot help.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d: %s", e.Status, e.Body)
}

// MalformedResponseError means the upstream answered 200 but the body
// did not match the documented envelope. The page cannot be attributed
// to individual records, so the run aborts with its checkpoint intact.
type MalformedResponseError struct {
	Reason string
	Cause  error
}

func (e *MalformedResponseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed upstream response: %s: %v", e.Reason, e.Cause)
	}
	return "malformed upstream response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Cause }
