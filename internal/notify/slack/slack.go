// Package slack sends report notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/linking"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Configured reports whether a webhook URL is set.
func (n *Notifier) Configured() bool { return n.webhookURL != "" }

// Send posts a notification to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, note *linking.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(note)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "notification_id", note.ID, "report_id", note.ReportID)
	return nil
}

func buildMessage(n *linking.Notification) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(n),
			{"type": "divider"},
			fieldsBlock(n),
			{"type": "divider"},
			bodyBlock("*Details*", n.Body),
			bodyBlock("*التفاصيل*", n.BodyAr),
			{"type": "divider"},
			contextBlock(n),
		},
	}
}

func headerBlock(n *linking.Notification) map[string]any {
	title := n.Title
	if title == "" {
		title = "Health Alert"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s", urgencyEmoji(n.Urgency), title),
		},
	}
}

func fieldsBlock(n *linking.Notification) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Urgency:* %s", n.Urgency),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Alert type:* %s", strings.ReplaceAll(string(n.AlertType), "_", " ")),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Report:* %s", n.ReportID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Actions:* %d", len(n.Actions)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func bodyBlock(heading, body string) map[string]any {
	text := truncate(body, maxBodyLen)
	if text == "" {
		text = "_No details available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("%s\n\n%s", heading, text),
		},
	}
}

func contextBlock(n *linking.Notification) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("cbi • notification %s • %s", n.ID, n.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func urgencyEmoji(u linking.Urgency) string {
	switch u {
	case linking.UrgencyCritical:
		return "\U0001f534" // red circle
	case linking.UrgencyHigh:
		return "\U0001f7e0" // orange circle
	case linking.UrgencyMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
