// Package whatsapp implements the WhatsApp Cloud API channel adapter.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mhmd-249/cbi/internal/messaging"
)

const (
	// DefaultAPIBase is the Graph API root; the phone number id is appended.
	DefaultAPIBase = "https://graph.facebook.com/v18.0"
	httpTimeout    = 30 * time.Second
)

// Gateway parses Cloud API webhook events and sends via the Graph API.
type Gateway struct {
	phoneNumberID string
	accessToken   string
	apiBase       string
	client        *http.Client
}

// New builds a WhatsApp gateway. apiBase may be empty for the default.
func New(phoneNumberID, accessToken, apiBase string) *Gateway {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Gateway{
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		apiBase:       apiBase,
		client:        &http.Client{Timeout: httpTimeout},
	}
}

func (g *Gateway) Platform() messaging.Platform { return messaging.PlatformWhatsApp }

type webhookEvent struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
					Context *struct {
						ID string `json:"id"`
					} `json:"context"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts text messages from every entry and change. Status
// callbacks and non-text messages are skipped.
func (g *Gateway) ParseWebhook(body []byte) ([]messaging.IncomingMessage, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, &messaging.ParseError{Platform: messaging.PlatformWhatsApp, Err: err}
	}

	var out []messaging.IncomingMessage
	for _, e := range ev.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				if m.Type != "text" || m.Text == nil || m.Text.Body == "" || m.From == "" {
					continue
				}
				in := messaging.IncomingMessage{
					Platform:  messaging.PlatformWhatsApp,
					MessageID: m.ID,
					ChatID:    m.From,
					SenderID:  m.From,
					Text:      m.Text.Body,
					Timestamp: parseUnix(m.Timestamp),
				}
				if m.Context != nil {
					in.ReplyToID = m.Context.ID
				}
				out = append(out, in)
			}
		}
	}
	return out, nil
}

// SendMessage posts a text message.
func (g *Gateway) SendMessage(ctx context.Context, out messaging.OutgoingMessage) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                out.ChatID,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": out.Text},
	}
	if out.ReplyToID != "" {
		payload["context"] = map[string]string{"message_id": out.ReplyToID}
	}
	return g.post(ctx, payload)
}

// SendTemplate posts a pre-approved template with body parameters. Names
// with an _ar suffix are sent with the Arabic language code.
func (g *Gateway) SendTemplate(ctx context.Context, chatID, template string, params []string) (string, error) {
	if template == "" {
		return "", &messaging.TemplateError{Platform: messaging.PlatformWhatsApp, Err: fmt.Errorf("empty template name")}
	}
	lang := "en"
	if n := len(template); n > 3 && template[n-3:] == "_ar" {
		lang = "ar"
	}
	tpl := map[string]any{
		"name":     template,
		"language": map[string]string{"code": lang},
	}
	if len(params) > 0 {
		ps := make([]map[string]string, 0, len(params))
		for _, p := range params {
			ps = append(ps, map[string]string{"type": "text", "text": p})
		}
		tpl["components"] = []map[string]any{{"type": "body", "parameters": ps}}
	}
	return g.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                chatID,
		"type":              "template",
		"template":          tpl,
	})
}

func (g *Gateway) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &messaging.SendError{Platform: messaging.PlatformWhatsApp, Err: fmt.Errorf("marshal: %w", err)}
	}
	url := fmt.Sprintf("%s/%s/messages", g.apiBase, g.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &messaging.SendError{Platform: messaging.PlatformWhatsApp, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.accessToken)

	resp, err := g.client.Do(req) //nolint:gosec // G704: url is built from trusted config
	if err != nil {
		return "", &messaging.SendError{Platform: messaging.PlatformWhatsApp, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return "", &messaging.RateLimitError{Platform: messaging.PlatformWhatsApp, RetryAfter: time.Duration(retry) * time.Second}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &messaging.AuthError{Platform: messaging.PlatformWhatsApp, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &messaging.SendError{Platform: messaging.PlatformWhatsApp, Status: resp.StatusCode, Err: fmt.Errorf("%s", truncate(respBody))}
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
