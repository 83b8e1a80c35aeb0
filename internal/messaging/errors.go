package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownPlatform   = errors.New("messaging: unknown platform")
	ErrMissingSignature  = errors.New("messaging: missing signature")
	ErrInvalidSignature  = errors.New("messaging: invalid signature")
	ErrVerifyTokenDenied = errors.New("messaging: verify token mismatch")
)

// SendError reports a failed outbound delivery.
type SendError struct {
	Platform Platform
	Status   int
	Err      error
}

func (e *SendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: send failed (status %d): %v", e.Platform, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: send failed: %v", e.Platform, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// RateLimitError is returned when the channel API throttled the request.
type RateLimitError struct {
	Platform   Platform
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Platform, e.RetryAfter)
}

// AuthError is returned when the channel API rejected our credentials.
type AuthError struct {
	Platform Platform
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ParseError reports a webhook body that could not be decoded.
type ParseError struct {
	Platform Platform
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse webhook: %v", e.Platform, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TemplateError reports an unknown template or a parameter mismatch.
type TemplateError struct {
	Platform Platform
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("%s: template %q: %v", e.Platform, e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Retryable reports whether a send error is worth retrying.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}
	var te *TemplateError
	if errors.As(err, &te) {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Status == 0 || se.Status >= 500
	}
	return false
}
