package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mhmd-249/cbi/internal/llm"

// Hooks are called after every provider call. Nil funcs are skipped.
type Hooks struct {
	OnCall func(kind ErrorKind, inputTokens, outputTokens int, duration float64)
}

type instrumented struct {
	next  Provider
	hooks Hooks
}

// Instrument wraps p so every call opens an llm.call span and reports to
// hooks.
func Instrument(p Provider, hooks Hooks) Provider {
	return &instrumented{next: p, hooks: hooks}
}

func (i *instrumented) Send(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.Int("cbi.llm.messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := i.next.Send(ctx, req)

	var in, out int
	if resp != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
		span.SetAttributes(
			attribute.String("gen_ai.response.model", resp.Model),
			attribute.Int("gen_ai.usage.input_tokens", in),
			attribute.Int("gen_ai.usage.output_tokens", out),
		)
	}
	kind := KindOf(err)
	if err != nil {
		if kind == "" {
			kind = KindUnavailable
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
	}
	if i.hooks.OnCall != nil {
		i.hooks.OnCall(kind, in, out, time.Since(start).Seconds())
	}
	return resp, err
}

type retrying struct {
	next     Provider
	maxTries uint
	initial  time.Duration
}

// WithRetry wraps p with bounded exponential backoff. Only retryable
// provider errors are retried; maxTries counts the first attempt.
func WithRetry(p Provider, maxTries int, initial time.Duration) Provider {
	if maxTries < 1 {
		maxTries = 1
	}
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &retrying{next: p, maxTries: uint(maxTries), initial: initial}
}

func (r *retrying) Send(ctx context.Context, req *Request) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = 8 * r.initial

	return backoff.Retry(ctx, func() (*Response, error) {
		resp, err := r.next.Send(ctx, req)
		if err == nil {
			return resp, nil
		}
		var e *Error
		if errors.As(err, &e) && e.Retryable() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))
}
