package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/linking"
)

// DefaultSendTimeout bounds each external delivery.
const DefaultSendTimeout = 15 * time.Second

// Sender delivers a notification over one external channel.
type Sender interface {
	Send(ctx context.Context, n *linking.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n *linking.Notification) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, n *linking.Notification) error { return f(ctx, n) }

// Outcome records what happened to each channel of one dispatch.
type Outcome struct {
	Sent    []linking.Channel
	Skipped []linking.Channel
	Failed  map[linking.Channel]error
}

// Dispatcher routes notifications to registered external senders. The
// dashboard channel is delivered by the realtime publisher and is never
// dispatched here.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[linking.Channel]Sender
	timeout time.Duration
	// OnResult, when set, is called once per attempted channel.
	OnResult func(ch linking.Channel, err error)
}

// NewDispatcher returns an empty Dispatcher. A non-positive timeout uses
// DefaultSendTimeout.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{senders: make(map[linking.Channel]Sender), timeout: timeout}
}

// Register installs s for ch, replacing any earlier sender.
func (d *Dispatcher) Register(ch linking.Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[ch] = s
}

// Configured reports whether ch has a sender.
func (d *Dispatcher) Configured(ch linking.Channel) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.senders[ch]
	return ok
}

// Dispatch sends n to each of its external channels concurrently. Channels
// without a sender are skipped with a log line. Failures are logged and
// reported in the outcome; they never cancel other channels.
func (d *Dispatcher) Dispatch(ctx context.Context, n *linking.Notification) Outcome {
	L := log.FromContext(ctx)
	out := Outcome{Failed: make(map[linking.Channel]error)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, ch := range n.Channels {
		if ch == linking.ChannelDashboard {
			continue
		}
		d.mu.RLock()
		s, ok := d.senders[ch]
		d.mu.RUnlock()
		if !ok {
			L.Info(ctx, "notification channel not configured, skipping",
				"channel", string(ch), "notification_id", n.ID)
			out.Skipped = append(out.Skipped, ch)
			continue
		}

		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			err := s.Send(sendCtx, n)

			mu.Lock()
			if err != nil {
				out.Failed[ch] = err
			} else {
				out.Sent = append(out.Sent, ch)
			}
			mu.Unlock()

			if err != nil {
				L.Error(ctx, err, "notification delivery failed",
					"channel", string(ch), "notification_id", n.ID, "report_id", n.ReportID)
			}
			if d.OnResult != nil {
				d.OnResult(ch, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
