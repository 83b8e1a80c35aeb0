// Package messaging normalizes inbound payloads from the supported chat
// channels into a single message shape and sends replies back out.
package messaging

import (
	"context"
	"time"
)

// Platform identifies a chat channel.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformTelegram || p == PlatformWhatsApp
}

// IncomingMessage is the channel-neutral form of one inbound text message.
// Values are immutable once produced by a Gateway.
type IncomingMessage struct {
	Platform  Platform  `json:"channel"`
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ReplyToID string    `json:"reply_to_id,omitempty"`
}

// Key is the idempotency key for the message: channel plus native id.
func (m IncomingMessage) Key() string {
	return string(m.Platform) + ":" + m.MessageID
}

// OutgoingMessage is a reply addressed to a chat.
type OutgoingMessage struct {
	ChatID    string
	Text      string
	ReplyToID string
}

// Gateway is the capability set every channel adapter implements.
type Gateway interface {
	Platform() Platform

	// ParseWebhook extracts zero or more text messages from a raw webhook body.
	// Non-text updates are skipped, not reported as errors.
	ParseWebhook(body []byte) ([]IncomingMessage, error)

	// SendMessage delivers a text reply and returns the channel message id.
	SendMessage(ctx context.Context, msg OutgoingMessage) (string, error)

	// SendTemplate delivers a named template with positional parameters.
	SendTemplate(ctx context.Context, chatID, template string, params []string) (string, error)
}
