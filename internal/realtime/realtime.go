// Package realtime fans finalized reports out to connected dashboard
// clients: channel naming, the wire envelope, the broker contract, the
// publisher and the websocket gateway.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	recipientPrefix = "notifications:"

	// BroadcastChannel reaches every connected client.
	BroadcastChannel = "notifications:broadcast"
	// ReportUpdatesChannel carries report create and update events.
	ReportUpdatesChannel = "reports:updates"
)

// RecipientChannel is the private channel of one recipient.
func RecipientChannel(id string) string { return recipientPrefix + id }

// ClientChannels lists the channels a connected client subscribes to.
func ClientChannels(id string) []string {
	return []string{RecipientChannel(id), BroadcastChannel, ReportUpdatesChannel}
}

// EnvelopeType is the frame type seen by clients.
type EnvelopeType string

const (
	TypeConnected    EnvelopeType = "connected"
	TypeNotification EnvelopeType = "notification"
	TypeReportUpdate EnvelopeType = "report_update"
	TypeBroadcast    EnvelopeType = "broadcast"
	TypePing         EnvelopeType = "ping"
)

// Envelope is the JSON frame published on channels and sent to clients.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Data      any          `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Encode marshals an envelope stamped with now.
func Encode(typ EnvelopeType, data any, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Data: data, Timestamp: now.UTC()})
}

// ErrUnavailable is returned by brokers that cannot currently publish or
// subscribe.
var ErrUnavailable = errors.New("realtime: broker unavailable")

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live set of channel subscriptions. Close is idempotent
// and closes the Messages channel.
type Subscription interface {
	Messages() <-chan Message
	Close()
}

// Broker moves payloads between publishers and subscribers.
type Broker interface {
	// Publish returns the number of subscribers the payload was handed to.
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}
