// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mhmd-249/cbi/internal/llm"
)

const defaultMaxTokens = 1024

// Client implements the Provider interface for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// Option configures the underlying SDK client.
type Option = option.RequestOption

// New creates a Claude client. SDK-level retries are disabled; wrap the
// client with llm.WithRetry for bounded retry.
func New(apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		base = append(base, option.WithRequestTimeout(timeout))
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: model,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Send implements llm.Provider.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case llm.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(block))
		default:
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &llm.Response{
		Text:       sb.String(),
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// classify maps SDK and transport errors onto llm error kinds.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Kind: llm.KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := llm.KindServer
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			kind = llm.KindRateLimit
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			kind = llm.KindAuth
		case apiErr.StatusCode == http.StatusRequestTimeout:
			kind = llm.KindTimeout
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			kind = llm.KindInvalidRequest
		}
		return &llm.Error{Kind: kind, Status: apiErr.StatusCode, Err: err}
	}
	return &llm.Error{Kind: llm.KindUnavailable, Err: err}
}
