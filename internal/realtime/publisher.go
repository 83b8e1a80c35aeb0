package realtime

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// PublishHooks are called after every publish. Nil funcs are skipped.
type PublishHooks struct {
	OnPublish func(typ EnvelopeType, delivered int, err error)
}

// Publisher wraps payloads in envelopes and publishes them. Publish
// failures are logged and counted as zero deliveries; they are never
// returned to the caller.
type Publisher struct {
	broker Broker
	now    func() time.Time
	hooks  PublishHooks
}

// NewPublisher returns a Publisher over broker.
func NewPublisher(broker Broker, hooks PublishHooks) *Publisher {
	return &Publisher{broker: broker, now: time.Now, hooks: hooks}
}

// PublishNotification sends payload to each recipient's channel. With no
// recipients it goes to the broadcast channel so every dashboard sees it.
func (p *Publisher) PublishNotification(ctx context.Context, payload any, recipients []string) int {
	channels := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != "" {
			channels = append(channels, RecipientChannel(r))
		}
	}
	if len(channels) == 0 {
		channels = append(channels, BroadcastChannel)
	}
	return p.publish(ctx, TypeNotification, payload, channels...)
}

// PublishReportUpdate announces a change to a report. extra is merged into
// the data object; report_id and update_type win over keys in extra.
func (p *Publisher) PublishReportUpdate(ctx context.Context, reportID, updateType string, extra map[string]any) int {
	data := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		data[k] = v
	}
	data["report_id"] = reportID
	data["update_type"] = updateType
	return p.publish(ctx, TypeReportUpdate, data, ReportUpdatesChannel)
}

// Broadcast sends payload to every connected client.
func (p *Publisher) Broadcast(ctx context.Context, payload any) int {
	return p.publish(ctx, TypeBroadcast, payload, BroadcastChannel)
}

func (p *Publisher) publish(ctx context.Context, typ EnvelopeType, data any, channels ...string) int {
	L := log.FromContext(ctx)

	msg, err := Encode(typ, data, p.now())
	if err != nil {
		L.Error(ctx, err, "encode realtime envelope failed", "type", string(typ))
		p.report(typ, 0, err)
		return 0
	}

	total := 0
	var lastErr error
	for _, ch := range channels {
		n, err := p.broker.Publish(ctx, ch, msg)
		if err != nil {
			L.Error(ctx, err, "realtime publish failed", "type", string(typ), "channel", ch)
			lastErr = err
			continue
		}
		total += n
	}
	p.report(typ, total, lastErr)
	return total
}

func (p *Publisher) report(typ EnvelopeType, delivered int, err error) {
	if p.hooks.OnPublish != nil {
		p.hooks.OnPublish(typ, delivered, err)
	}
}
