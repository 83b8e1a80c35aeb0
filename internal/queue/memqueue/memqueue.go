// Package memqueue provides an in-memory implementation of queue.Queue.
// It is used for single-process deployments and tests.
package memqueue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/queue"
)

type entry struct {
	seq     int64
	payload []byte
}

type pending struct {
	consumer    string
	deliveredAt time.Time
	count       int
}

// Queue is a capped log with a single consumer group.
type Queue struct {
	mu      sync.Mutex
	maxLen  int
	entries []entry
	nextSeq int64
	cursor  int64
	pending map[int64]*pending
	wake    chan struct{}
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxLen caps the retained entry count.
func WithMaxLen(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxLen = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		maxLen:  queue.DefaultMaxLen,
		nextSeq: 1,
		pending: make(map[int64]*pending),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends msg.
func (q *Queue) Enqueue(_ context.Context, msg messaging.IncomingMessage) (string, error) {
	payload, err := queue.Encode(msg, q.now())
	if err != nil {
		return "", err
	}
	return q.append(payload), nil
}

// EnqueueRaw appends an already-encoded payload without validation.
func (q *Queue) EnqueueRaw(_ context.Context, payload []byte) (string, error) {
	return q.append(append([]byte(nil), payload...)), nil
}

func (q *Queue) append(payload []byte) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.nextSeq
	q.nextSeq++
	q.entries = append(q.entries, entry{seq: seq, payload: payload})
	if over := len(q.entries) - q.maxLen; over > 0 {
		q.entries = append([]entry(nil), q.entries[over:]...)
	}

	close(q.wake)
	q.wake = make(chan struct{})
	return formatID(seq)
}

// Consume implements queue.Queue.
func (q *Queue) Consume(ctx context.Context, consumer string, batch int, block time.Duration) ([]queue.Delivery, error) {
	if batch <= 0 {
		batch = queue.DefaultBatchSize
	}

	var timer *time.Timer
	if block > 0 {
		timer = time.NewTimer(block)
		defer timer.Stop()
	}

	for {
		q.mu.Lock()
		raw := q.collectLocked(consumer, batch)
		wake := q.wake
		q.mu.Unlock()

		if len(raw) > 0 {
			if out := q.decode(ctx, raw); len(out) > 0 {
				return out, nil
			}
			// all malformed, look again without waiting
			continue
		}
		if timer == nil {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

type rawDelivery struct {
	seq      int64
	payload  []byte
	attempts int
}

// collectLocked returns the consumer's own pending entries, then new ones
// past the group cursor, up to batch.
func (q *Queue) collectLocked(consumer string, batch int) []rawDelivery {
	now := q.now()
	var out []rawDelivery

	for _, seq := range q.pendingSeqsLocked(consumer) {
		if len(out) >= batch {
			return out
		}
		p := q.pending[seq]
		e, ok := q.lookupLocked(seq)
		if !ok {
			// trimmed out from under the pending set
			delete(q.pending, seq)
			continue
		}
		p.count++
		p.deliveredAt = now
		out = append(out, rawDelivery{seq: seq, payload: e.payload, attempts: p.count})
	}

	for _, e := range q.entries {
		if len(out) >= batch {
			break
		}
		if e.seq <= q.cursor {
			continue
		}
		q.cursor = e.seq
		q.pending[e.seq] = &pending{consumer: consumer, deliveredAt: now, count: 1}
		out = append(out, rawDelivery{seq: e.seq, payload: e.payload, attempts: 1})
	}
	return out
}

func (q *Queue) decode(ctx context.Context, raw []rawDelivery) []queue.Delivery {
	out := make([]queue.Delivery, 0, len(raw))
	for _, r := range raw {
		msg, queuedAt, err := queue.Decode(r.payload)
		if err != nil {
			log.FromContext(ctx).Error(ctx, err, "dropping malformed queue entry", "entry_id", formatID(r.seq))
			_, _ = q.Ack(ctx, formatID(r.seq))
			continue
		}
		out = append(out, queue.Delivery{ID: formatID(r.seq), Message: msg, QueuedAt: queuedAt, Attempts: r.attempts})
	}
	return out
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, id string) (bool, error) {
	seq, err := parseID(id)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[seq]; !ok {
		return false, nil
	}
	delete(q.pending, seq)
	return true, nil
}

// Claim implements queue.Queue.
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]queue.Delivery, error) {
	if count <= 0 {
		count = queue.DefaultBatchSize
	}
	q.mu.Lock()
	now := q.now()
	seqs := make([]int64, 0, len(q.pending))
	for seq := range q.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var raw []rawDelivery
	for _, seq := range seqs {
		if len(raw) >= count {
			break
		}
		p := q.pending[seq]
		if p.consumer == consumer || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		e, ok := q.lookupLocked(seq)
		if !ok {
			delete(q.pending, seq)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.count++
		raw = append(raw, rawDelivery{seq: seq, payload: e.payload, attempts: p.count})
	}
	q.mu.Unlock()

	return q.decode(ctx, raw), nil
}

// Stats implements queue.Queue.
func (q *Queue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := queue.Stats{
		Length:    int64(len(q.entries)),
		Pending:   int64(len(q.pending)),
		Consumers: make(map[string]int64),
		LastID:    formatID(q.cursor),
	}
	for _, p := range q.pending {
		st.Consumers[p.consumer]++
	}
	return st, nil
}

func (q *Queue) pendingSeqsLocked(consumer string) []int64 {
	var seqs []int64
	for seq, p := range q.pending {
		if p.consumer == consumer {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func (q *Queue) lookupLocked(seq int64) (entry, bool) {
	i := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].seq >= seq })
	if i < len(q.entries) && q.entries[i].seq == seq {
		return q.entries[i], true
	}
	return entry{}, false
}

func formatID(seq int64) string { return strconv.FormatInt(seq, 10) }

func parseID(id string) (int64, error) {
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil || seq <= 0 {
		return 0, fmt.Errorf("memqueue: invalid entry id %q", id)
	}
	return seq, nil
}
