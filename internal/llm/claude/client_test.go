package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mhmd-249/cbi/internal/llm"
)

func TestToSDKMessages_Roles(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "hi, what happened?"},
		{Role: llm.RoleUser, Content: ""},
	}

	result := toSDKMessages(msgs)

	if len(result) != 2 {
		t.Fatalf("len = %d, want 2 (empty content dropped)", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("role = %q, want %q", result[0].Role, "user")
	}
	if result[1].Role != "assistant" {
		t.Errorf("role = %q, want %q", result[1].Role, "assistant")
	}
	if result[0].Content[0].OfText == nil || result[0].Content[0].OfText.Text != "hello" {
		t.Errorf("first block = %+v", result[0].Content[0])
	}
}

func TestFromSDKResponse(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"response":"ok",`},
			{Type: "text", Text: `"transition_to":null}`},
		},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 1234, OutputTokens: 567},
	}

	result := fromSDKResponse(msg)

	if result.Text != `{"response":"ok","transition_to":null}` {
		t.Errorf("text = %q", result.Text)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", result.StopReason)
	}
	if result.Usage.InputTokens != 1234 || result.Usage.OutputTokens != 567 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestSend_AgainstFakeAPI(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello back"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	c := New("test-key", "claude-test", 5*time.Second, option.WithBaseURL(srv.URL))
	resp, err := c.Send(context.Background(), &llm.Request{
		System:   "be brief",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != "hello back" || resp.Usage.InputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   llm.ErrorKind
	}{
		{"rate limit", http.StatusTooManyRequests, llm.KindRateLimit},
		{"auth", http.StatusUnauthorized, llm.KindAuth},
		{"bad request", http.StatusBadRequest, llm.KindInvalidRequest},
		{"overloaded", 529, llm.KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, `{"type":"error","error":{"type":"x","message":"nope"}}`)
			}))
			defer srv.Close()

			c := New("k", "m", 5*time.Second, option.WithBaseURL(srv.URL))
			_, err := c.Send(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
			if got := llm.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestClassify_Deadline(t *testing.T) {
	t.Parallel()

	err := classify(fmt.Errorf("post: %w", context.DeadlineExceeded))
	var le *llm.Error
	if !errors.As(err, &le) || le.Kind != llm.KindTimeout {
		t.Errorf("err = %v, want timeout", err)
	}
}
