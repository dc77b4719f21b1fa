package reliability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is a coarse failure class used for metrics labels and API status mapping.
type Kind string

const (
	KindNone          Kind = "none"
	KindTimeout       Kind = "timeout"
	KindEmptyResponse Kind = "empty_response"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindClosed        Kind = "closed"
	KindInvalid       Kind = "invalid"
	KindRateLimited   Kind = "rate_limited"
	KindUpstream      Kind = "upstream"
	KindCanceled      Kind = "canceled"
	KindInternal      Kind = "internal"
)

type kinded interface {
	Kind() Kind
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Kind() Kind    { return e.kind }

// NewError returns a sentinel error that Classify reports as kind.
func NewError(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// HTTPStatusError is returned by HTTP transports for non-2xx upstream replies.
type HTTPStatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s http status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s http status %d: %s", e.Service, e.Code, body)
}

func (e *HTTPStatusError) Kind() Kind {
	if e.Code == 429 {
		return KindRateLimited
	}
	return KindUpstream
}

// Classify maps err to its Kind. Unknown errors are KindInternal.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Retryable reports whether a caller may reasonably try the same request again.
func Retryable(err error) bool {
	var status *HTTPStatusError
	if errors.As(err, &status) {
		return IsRetryableHTTPStatus(status.Code)
	}
	switch Classify(err) {
	case KindTimeout, KindRateLimited, KindConflict:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
