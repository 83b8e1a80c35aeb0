// Package telegram implements the Telegram Bot API channel adapter.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mhmd-249/cbi/internal/messaging"
)

const (
	maxMessageRunes = 4096
	httpTimeout     = 30 * time.Second
)

// Gateway parses Telegram updates and sends replies through the Bot API.
type Gateway struct {
	bot *tgbotapi.BotAPI
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient overrides the client used for Bot API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.bot.Client = c }
}

// WithAPIEndpoint overrides the Bot API endpoint format string
// (https://api.telegram.org/bot%s/%s by default).
func WithAPIEndpoint(endpoint string) Option {
	return func(g *Gateway) { g.bot.SetAPIEndpoint(endpoint) }
}

// New builds a Telegram gateway. No network call is made until the first send.
func New(token string, opts ...Option) *Gateway {
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: &http.Client{Timeout: httpTimeout},
		Buffer: 100,
	}
	bot.SetAPIEndpoint(tgbotapi.APIEndpoint)
	g := &Gateway{bot: bot}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Platform() messaging.Platform { return messaging.PlatformTelegram }

// ParseWebhook decodes one Update. Both new and edited messages are
// accepted; updates without text yield no messages.
func (g *Gateway) ParseWebhook(body []byte) ([]messaging.IncomingMessage, error) {
	var upd tgbotapi.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, &messaging.ParseError{Platform: messaging.PlatformTelegram, Err: err}
	}

	msg := upd.Message
	if msg == nil {
		msg = upd.EditedMessage
	}
	if msg == nil || msg.Text == "" || msg.Chat == nil {
		return nil, nil
	}

	in := messaging.IncomingMessage{
		Platform:  messaging.PlatformTelegram,
		MessageID: strconv.Itoa(msg.MessageID),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
	} else {
		in.SenderID = in.ChatID
	}
	if msg.ReplyToMessage != nil {
		in.ReplyToID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	return []messaging.IncomingMessage{in}, nil
}

// SendMessage sends text, split into Telegram-sized parts. The id of the
// last part is returned.
func (g *Gateway) SendMessage(ctx context.Context, out messaging.OutgoingMessage) (string, error) {
	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return "", &messaging.SendError{Platform: messaging.PlatformTelegram, Err: fmt.Errorf("invalid chat id %q", out.ChatID)}
	}
	replyTo := 0
	if out.ReplyToID != "" {
		replyTo, _ = strconv.Atoi(out.ReplyToID)
	}

	var lastID string
	for i, part := range splitMessage(out.Text) {
		if err := ctx.Err(); err != nil {
			return lastID, err
		}
		m := tgbotapi.NewMessage(chatID, part)
		if i == 0 && replyTo > 0 {
			m.ReplyToMessageID = replyTo
		}
		sent, err := g.bot.Send(m)
		if err != nil {
			return lastID, mapError(err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

// SendTemplate renders a local template and sends it as text.
func (g *Gateway) SendTemplate(ctx context.Context, chatID, template string, params []string) (string, error) {
	text, err := messaging.RenderTemplate(messaging.PlatformTelegram, template, params)
	if err != nil {
		return "", err
	}
	return g.SendMessage(ctx, messaging.OutgoingMessage{ChatID: chatID, Text: text})
}

func mapError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return &messaging.RateLimitError{
				Platform:   messaging.PlatformTelegram,
				RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &messaging.AuthError{Platform: messaging.PlatformTelegram, Err: err}
		}
		return &messaging.SendError{Platform: messaging.PlatformTelegram, Status: apiErr.Code, Err: err}
	}
	return &messaging.SendError{Platform: messaging.PlatformTelegram, Err: err}
}

// splitMessage cuts text into parts of at most maxMessageRunes runes.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxMessageRunes {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		end := min(maxMessageRunes, len(runes))
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	return parts
}
