package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mhmd-249/cbi/internal/messaging"
)

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "249900000001"}],
        "messages": [
          {"from": "249900000001", "id": "wamid.A", "timestamp": "1700000000", "type": "text",
           "text": {"body": "اسهال في القرية"}, "context": {"id": "wamid.prev"}},
          {"from": "249900000001", "id": "wamid.B", "timestamp": "1700000001", "type": "image"}
        ]
      }
    }]
  }]
}`

func TestParseWebhook(t *testing.T) {
	t.Parallel()

	msgs, err := New("pnid", "token", "").ParseWebhook([]byte(samplePayload))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1 (image skipped)", len(msgs))
	}
	m := msgs[0]
	if m.Platform != messaging.PlatformWhatsApp || m.MessageID != "wamid.A" || m.ChatID != "249900000001" {
		t.Errorf("unexpected message %+v", m)
	}
	if m.ReplyToID != "wamid.prev" {
		t.Errorf("ReplyToID = %q", m.ReplyToID)
	}
	if m.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v", m.Timestamp)
	}
}

func TestParseWebhook_StatusOnlyAndMalformed(t *testing.T) {
	t.Parallel()

	g := New("pnid", "token", "")
	msgs, err := g.ParseWebhook([]byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`))
	if err != nil || len(msgs) != 0 {
		t.Errorf("status-only: msgs=%v err=%v", msgs, err)
	}

	_, err = g.ParseWebhook([]byte(`{"entry":"nope"}`))
	var pe *messaging.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("err = %v, want ParseError", err)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pnid/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	}))
	defer srv.Close()

	g := New("pnid", "token", srv.URL)
	id, err := g.SendMessage(context.Background(), messaging.OutgoingMessage{ChatID: "2499", Text: "hi", ReplyToID: "wamid.A"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "wamid.OUT" {
		t.Errorf("id = %q", id)
	}
	if got["to"] != "2499" || got["type"] != "text" {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["context"]; !ok {
		t.Error("expected reply context in payload")
	}
}

func TestSendTemplate_Arabic(t *testing.T) {
	t.Parallel()

	var got struct {
		Template struct {
			Name     string            `json:"name"`
			Language map[string]string `json:"language"`
		} `json:"template"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.T"}]}`))
	}))
	defer srv.Close()

	g := New("pnid", "token", srv.URL)
	if _, err := g.SendTemplate(context.Background(), "2499", "confirm_received_ar", []string{"R-1"}); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	if got.Template.Name != "confirm_received_ar" || got.Template.Language["code"] != "ar" {
		t.Errorf("template = %+v", got.Template)
	}
}

func TestSendMessage_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"rate limited", http.StatusTooManyRequests, func(err error) bool {
			var e *messaging.RateLimitError
			return errors.As(err, &e)
		}},
		{"unauthorized", http.StatusUnauthorized, func(err error) bool {
			var e *messaging.AuthError
			return errors.As(err, &e)
		}},
		{"server error", http.StatusBadGateway, func(err error) bool {
			var e *messaging.SendError
			return errors.As(err, &e) && e.Status == http.StatusBadGateway
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New("pnid", "token", srv.URL).SendMessage(context.Background(), messaging.OutgoingMessage{ChatID: "1", Text: "x"})
			if !tt.check(err) {
				t.Errorf("unexpected err type: %v", err)
			}
		})
	}
}
