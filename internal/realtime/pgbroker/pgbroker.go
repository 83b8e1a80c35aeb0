// Package pgbroker bridges realtime channels across processes with
// PostgreSQL LISTEN/NOTIFY. Every process publishes with pg_notify on one
// database channel and fans received payloads out to its local hub.
package pgbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/realtime"
	"github.com/mhmd-249/cbi/internal/realtime/hub"
)

const (
	// DefaultChannel is the database channel all processes share.
	DefaultChannel = "cbi_realtime"

	// maxNotifyPayload stays under the server's 8000 byte NOTIFY limit.
	maxNotifyPayload = 7900
)

type wire struct {
	Channel string          `json:"c"`
	Payload json.RawMessage `json:"p"`
}

// Broker publishes through PostgreSQL and delivers to local subscribers.
// Publish reports local subscribers only; deliveries in other processes are
// not observable.
type Broker struct {
	pool    *pgxpool.Pool
	hub     *hub.Hub
	channel string
	logger  log.Logger

	listening atomic.Bool
}

// New returns a Broker. Run must be called for subscribers to receive
// anything.
func New(pool *pgxpool.Pool, logger log.Logger) *Broker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Broker{pool: pool, hub: hub.New(0), channel: DefaultChannel, logger: logger}
}

// Listening reports whether the LISTEN connection is established.
func (b *Broker) Listening() bool { return b.listening.Load() }

// Publish implements realtime.Broker.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	msg, err := encode(channel, payload)
	if err != nil {
		return 0, err
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, msg); err != nil {
		return 0, fmt.Errorf("pg_notify: %w", err)
	}
	return b.hub.Subscribers(channel), nil
}

// Subscribe implements realtime.Broker. It fails with
// realtime.ErrUnavailable while the listener is down.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) (realtime.Subscription, error) {
	if !b.listening.Load() {
		return nil, realtime.ErrUnavailable
	}
	return b.hub.Subscribe(ctx, channels...)
}

// Close ends every local subscription.
func (b *Broker) Close() { b.hub.Close() }

// Run holds a dedicated LISTEN connection until ctx ends, reconnecting with
// capped exponential backoff.
func (b *Broker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	for {
		err := b.listen(ctx, bo.Reset)
		b.listening.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		b.logger.Warn(ctx, "realtime listener lost, reconnecting", "err", err, "wait", wait.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (b *Broker) listen(ctx context.Context, connected func()) error {
	pc, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	conn := pc.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.listening.Store(true)
	connected()
	b.logger.Info(ctx, "realtime listener started", "channel", b.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		b.deliver(ctx, n.Payload)
	}
}

func (b *Broker) deliver(ctx context.Context, raw string) {
	var w wire
	if err := json.Unmarshal([]byte(raw), &w); err != nil || w.Channel == "" {
		b.logger.Warn(ctx, "dropping malformed realtime notification", "bytes", len(raw))
		return
	}
	_, _ = b.hub.Publish(ctx, w.Channel, w.Payload)
}

func encode(channel string, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", fmt.Errorf("pgbroker: payload for %s is not JSON", channel)
	}
	b, err := json.Marshal(wire{Channel: channel, Payload: payload})
	if err != nil {
		return "", err
	}
	if len(b) > maxNotifyPayload {
		return "", fmt.Errorf("pgbroker: payload for %s is %d bytes, limit %d", channel, len(b), maxNotifyPayload)
	}
	return string(b), nil
}

var _ realtime.Broker = (*Broker)(nil)
