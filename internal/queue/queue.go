// Package queue defines the ingestion log that decouples webhook handling
// from conversation processing.
//
// The log is capped and append-only. A single named consumer group shares a
// read cursor; each consumer tracks its own delivered-but-unacknowledged
// entries and re-reads them before taking new ones. Entries that are never
// acknowledged stay redeliverable, which gives at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mhmd-249/cbi/internal/messaging"
)

const (
	DefaultStream    = "cbi:messages:incoming"
	DefaultGroup     = "cbi:workers"
	DefaultMaxLen    = 10000
	DefaultBatchSize = 10
	DefaultBlock     = 5 * time.Second
)

// Delivery is one entry handed to a consumer.
type Delivery struct {
	ID       string
	Message  messaging.IncomingMessage
	QueuedAt time.Time
	// Attempts is how many times the entry has been delivered, including this one.
	Attempts int
}

// Stats is a point-in-time view of the log and its group.
type Stats struct {
	Length    int64            `json:"length"`
	Pending   int64            `json:"pending"`
	Consumers map[string]int64 `json:"consumers"`
	LastID    string           `json:"last_delivered_id"`
}

// Queue is the consumer-group log contract.
type Queue interface {
	// Enqueue appends msg and returns its entry id.
	Enqueue(ctx context.Context, msg messaging.IncomingMessage) (string, error)

	// Consume returns up to batch entries for consumer, own pending entries
	// first. When nothing is pending and no new entries exist it waits up
	// to block for one to arrive; an empty result is not an error.
	Consume(ctx context.Context, consumer string, batch int, block time.Duration) ([]Delivery, error)

	// Ack removes id from the pending set. It reports whether anything was
	// removed; acking twice returns false and no error.
	Ack(ctx context.Context, id string) (bool, error)

	// Claim moves up to count entries that have been pending on another
	// consumer for at least minIdle onto consumer and returns them.
	Claim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Delivery, error)

	Stats(ctx context.Context) (Stats, error)
}

// Entry is the wire shape of one log entry.
type Entry struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	ReplyToID string `json:"reply_to_id"`
	QueuedAt  string `json:"queued_at"`
}

// Encode serializes msg into the wire shape.
func Encode(msg messaging.IncomingMessage, queuedAt time.Time) ([]byte, error) {
	e := Entry{
		Channel:   string(msg.Platform),
		MessageID: msg.MessageID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		ReplyToID: msg.ReplyToID,
		QueuedAt:  queuedAt.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(e)
}

// Decode parses a wire entry. Entries without a channel, message id or
// chat id are malformed.
func Decode(b []byte) (messaging.IncomingMessage, time.Time, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return messaging.IncomingMessage{}, time.Time{}, fmt.Errorf("decode entry: %w", err)
	}
	p := messaging.Platform(e.Channel)
	if !p.Valid() || e.MessageID == "" || e.ChatID == "" {
		return messaging.IncomingMessage{}, time.Time{}, fmt.Errorf("decode entry: missing required fields")
	}
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		ts = time.Time{}
	}
	qa, err := time.Parse(time.RFC3339Nano, e.QueuedAt)
	if err != nil {
		qa = time.Time{}
	}
	sender := e.SenderID
	if sender == "" {
		sender = e.ChatID
	}
	return messaging.IncomingMessage{
		Platform:  p,
		MessageID: e.MessageID,
		ChatID:    e.ChatID,
		SenderID:  sender,
		Text:      e.Text,
		Timestamp: ts,
		ReplyToID: e.ReplyToID,
	}, qa, nil
}
