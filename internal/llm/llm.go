// Package llm defines the contract for the external text-understanding
// service and provider-neutral wrappers (retry, instrumentation).
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, req *Request) (*Response, error)

// Send implements Provider.
func (f ProviderFunc) Send(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Role tags a message in the request history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one text turn sent to the provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the input to a provider call.
type Request struct {
	MaxTokens int
	System    string
	Messages  []Message
}

// Response is the provider output, text blocks concatenated.
type Response struct {
	Text       string
	StopReason string
	Model      string
	Usage      Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindRateLimit      ErrorKind = "rate_limit"
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindServer         ErrorKind = "server"
	KindUnavailable    ErrorKind = "unavailable"
)

// Error is returned by providers for classified failures.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindServer, KindUnavailable:
		return true
	}
	return false
}

// KindOf returns the error kind, or "" when err is not a classified
// provider error. Context deadline errors are reported as timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// JSONCandidates returns the spans of text that may hold a JSON object, in
// the order they should be tried: a fenced block, the whole text, then the
// outermost brace span.
func JSONCandidates(text string) []string {
	text = strings.TrimSpace(text)
	var out []string
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		out = append(out, m[1])
	}
	out = append(out, text)
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		out = append(out, text[i:j+1])
	}
	return out
}
