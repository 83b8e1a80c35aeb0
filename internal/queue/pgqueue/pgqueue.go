// Package pgqueue provides a PostgreSQL implementation of queue.Queue.
//
// Entries live in queue_entries, the group cursor in queue_groups and the
// per-consumer pending set in queue_pending. The cursor row is locked with
// SELECT ... FOR UPDATE while new entries are handed out, so concurrent
// consumers never receive the same new entry.
package pgqueue

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/queue"
)

var tracer = otel.Tracer("github.com/mhmd-249/cbi/internal/queue/pgqueue")

//go:embed schema.sql
var schema string

const defaultPollInterval = 250 * time.Millisecond

// Queue is a consumer-group log stored in PostgreSQL.
type Queue struct {
	pool   *pgxpool.Pool
	stream string
	group  string
	maxLen int
	poll   time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

func WithStream(name string) Option { return func(q *Queue) { q.stream = name } }
func WithGroup(name string) Option  { return func(q *Queue) { q.group = name } }

// WithMaxLen caps retained entries; older entries are trimmed on enqueue.
func WithMaxLen(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxLen = n
		}
	}
}

// WithPollInterval sets how often a blocked Consume re-checks for entries.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// New applies the schema, ensures the consumer group exists and returns a
// ready Queue. The pool is owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Queue, error) {
	q := &Queue{
		pool:   pool,
		stream: queue.DefaultStream,
		group:  queue.DefaultGroup,
		maxLen: queue.DefaultMaxLen,
		poll:   defaultPollInterval,
	}
	for _, o := range opts {
		o(q)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// EnsureGroup creates the consumer group with its cursor at the start of
// the log if it does not exist yet.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO queue_groups (stream, grp, last_id) VALUES ($1, $2, 0) ON CONFLICT DO NOTHING`,
		q.stream, q.group)
	if err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	return nil
}

func (q *Queue) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("messaging.destination.name", q.stream),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, msg messaging.IncomingMessage) (string, error) {
	payload, err := queue.Encode(msg, time.Now())
	if err != nil {
		return "", err
	}
	return q.EnqueueRaw(ctx, payload)
}

// EnqueueRaw appends an already-encoded payload and trims the log.
func (q *Queue) EnqueueRaw(ctx context.Context, payload []byte) (string, error) {
	ctx, span := q.startSpan(ctx, "pgqueue.Enqueue", "INSERT")
	defer span.End()

	var id int64
	err := q.pool.QueryRow(ctx,
		`INSERT INTO queue_entries (stream, payload) VALUES ($1, $2) RETURNING id`,
		q.stream, payload).Scan(&id)
	if err != nil {
		return "", fail(span, fmt.Errorf("insert entry: %w", err))
	}

	_, err = q.pool.Exec(ctx, `
		DELETE FROM queue_entries
		WHERE stream = $1 AND id <= (
			SELECT id FROM queue_entries WHERE stream = $1 ORDER BY id DESC OFFSET $2 LIMIT 1
		)`, q.stream, q.maxLen)
	if err != nil {
		// the entry is already durable; a failed trim is retried next time
		log.FromContext(ctx).Warn(ctx, "queue trim failed", "stream", q.stream, "error", err)
	}

	return strconv.FormatInt(id, 10), nil
}

type rawEntry struct {
	id        int64
	payload   []byte
	createdAt time.Time
	attempts  int
}

// Consume implements queue.Queue.
func (q *Queue) Consume(ctx context.Context, consumer string, batch int, block time.Duration) ([]queue.Delivery, error) {
	if batch <= 0 {
		batch = queue.DefaultBatchSize
	}
	deadline := time.Now().Add(block)

	for {
		raw, err := q.readOnce(ctx, consumer, batch)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if out := q.decode(ctx, raw); len(out) > 0 {
				return out, nil
			}
			continue
		}

		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(q.poll, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Queue) readOnce(ctx context.Context, consumer string, batch int) ([]rawEntry, error) {
	ctx, span := q.startSpan(ctx, "pgqueue.Consume", "SELECT")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.consumer.id", consumer))

	own, err := q.redeliverPending(ctx, consumer, batch)
	if err != nil {
		return nil, fail(span, err)
	}
	if len(own) >= batch {
		return own, nil
	}

	fresh, err := q.readNew(ctx, consumer, batch-len(own))
	if err != nil {
		return nil, fail(span, err)
	}
	return append(own, fresh...), nil
}

// redeliverPending bumps and returns the consumer's own pending entries.
func (q *Queue) redeliverPending(ctx context.Context, consumer string, limit int) ([]rawEntry, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE queue_pending p
		SET delivery_count = p.delivery_count + 1, delivered_at = now()
		WHERE p.stream = $1 AND p.grp = $2 AND p.entry_id IN (
			SELECT entry_id FROM queue_pending
			WHERE stream = $1 AND grp = $2 AND consumer = $3
			ORDER BY entry_id LIMIT $4
		)
		RETURNING p.entry_id, p.delivery_count`,
		q.stream, q.group, consumer, limit)
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	attempts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		attempts[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	return q.loadEntries(ctx, attempts)
}

// readNew advances the group cursor and records the entries as pending.
func (q *Queue) readNew(ctx context.Context, consumer string, limit int) ([]rawEntry, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var lastID int64
	if err := tx.QueryRow(ctx,
		`SELECT last_id FROM queue_groups WHERE stream = $1 AND grp = $2 FOR UPDATE`,
		q.stream, q.group).Scan(&lastID); err != nil {
		return nil, fmt.Errorf("lock cursor: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, payload, created_at FROM queue_entries
		WHERE stream = $1 AND id > $2 ORDER BY id LIMIT $3`,
		q.stream, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("read new: %w", err)
	}
	var out []rawEntry
	for rows.Next() {
		e := rawEntry{attempts: 1}
		if err := rows.Scan(&e.id, &e.payload, &e.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read new: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(out))
	for i, e := range out {
		ids[i] = e.id
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_pending (stream, grp, entry_id, consumer)
		SELECT $1, $2, unnest($3::bigint[]), $4
		ON CONFLICT DO NOTHING`,
		q.stream, q.group, ids, consumer); err != nil {
		return nil, fmt.Errorf("record pending: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE queue_groups SET last_id = $3 WHERE stream = $1 AND grp = $2`,
		q.stream, q.group, ids[len(ids)-1]); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// loadEntries fetches payloads for the given pending ids. Pending rows whose
// entry has been trimmed are dropped.
func (q *Queue) loadEntries(ctx context.Context, attempts map[int64]int) ([]rawEntry, error) {
	if len(attempts) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(attempts))
	for id := range attempts {
		ids = append(ids, id)
	}

	rows, err := q.pool.Query(ctx,
		`SELECT id, payload, created_at FROM queue_entries WHERE stream = $1 AND id = ANY($2)`,
		q.stream, ids)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	found := make(map[int64]bool, len(ids))
	var out []rawEntry
	for rows.Next() {
		var e rawEntry
		if err := rows.Scan(&e.id, &e.payload, &e.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.attempts = attempts[e.id]
		found[e.id] = true
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	var gone []int64
	for _, id := range ids {
		if !found[id] {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		if _, err := q.pool.Exec(ctx,
			`DELETE FROM queue_pending WHERE stream = $1 AND grp = $2 AND entry_id = ANY($3)`,
			q.stream, q.group, gone); err != nil {
			return nil, fmt.Errorf("drop dangling pending: %w", err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func (q *Queue) decode(ctx context.Context, raw []rawEntry) []queue.Delivery {
	out := make([]queue.Delivery, 0, len(raw))
	for _, r := range raw {
		id := strconv.FormatInt(r.id, 10)
		msg, queuedAt, err := queue.Decode(r.payload)
		if err != nil {
			log.FromContext(ctx).Error(ctx, err, "dropping malformed queue entry", "entry_id", id, "stream", q.stream)
			if _, ackErr := q.Ack(ctx, id); ackErr != nil {
				log.FromContext(ctx).Warn(ctx, "ack malformed entry failed", "entry_id", id, "error", ackErr)
			}
			continue
		}
		if queuedAt.IsZero() {
			queuedAt = r.createdAt
		}
		out = append(out, queue.Delivery{ID: id, Message: msg, QueuedAt: queuedAt, Attempts: r.attempts})
	}
	return out
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, id string) (bool, error) {
	ctx, span := q.startSpan(ctx, "pgqueue.Ack", "DELETE")
	defer span.End()

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, fail(span, fmt.Errorf("pgqueue: invalid entry id %q", id))
	}
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM queue_pending WHERE stream = $1 AND grp = $2 AND entry_id = $3`,
		q.stream, q.group, n)
	if err != nil {
		return false, fail(span, fmt.Errorf("ack: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// Claim implements queue.Queue.
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]queue.Delivery, error) {
	ctx, span := q.startSpan(ctx, "pgqueue.Claim", "UPDATE")
	defer span.End()

	if count <= 0 {
		count = queue.DefaultBatchSize
	}
	rows, err := q.pool.Query(ctx, `
		UPDATE queue_pending p
		SET consumer = $3, delivered_at = now(), delivery_count = p.delivery_count + 1
		WHERE p.stream = $1 AND p.grp = $2 AND p.entry_id IN (
			SELECT entry_id FROM queue_pending
			WHERE stream = $1 AND grp = $2 AND consumer <> $3
			  AND delivered_at <= now() - make_interval(secs => $4)
			ORDER BY entry_id LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING p.entry_id, p.delivery_count`,
		q.stream, q.group, consumer, minIdle.Seconds(), count)
	if err != nil {
		return nil, fail(span, fmt.Errorf("claim: %w", err))
	}
	attempts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, fail(span, fmt.Errorf("scan claim: %w", err))
		}
		attempts[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("claim: %w", err))
	}

	raw, err := q.loadEntries(ctx, attempts)
	if err != nil {
		return nil, fail(span, err)
	}
	return q.decode(ctx, raw), nil
}

// Stats implements queue.Queue.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	ctx, span := q.startSpan(ctx, "pgqueue.Stats", "SELECT")
	defer span.End()

	st := queue.Stats{Consumers: make(map[string]int64)}
	var lastID int64
	err := q.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM queue_entries WHERE stream = $1),
			COALESCE((SELECT last_id FROM queue_groups WHERE stream = $1 AND grp = $2), 0)`,
		q.stream, q.group).Scan(&st.Length, &lastID)
	if err != nil {
		return st, fail(span, fmt.Errorf("stats: %w", err))
	}
	st.LastID = strconv.FormatInt(lastID, 10)

	rows, err := q.pool.Query(ctx, `
		SELECT consumer, count(*) FROM queue_pending
		WHERE stream = $1 AND grp = $2 GROUP BY consumer`,
		q.stream, q.group)
	if err != nil {
		return st, fail(span, fmt.Errorf("stats pending: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		var n int64
		if err := rows.Scan(&c, &n); err != nil {
			return st, fail(span, fmt.Errorf("scan stats: %w", err))
		}
		st.Consumers[c] = n
		st.Pending += n
	}
	if err := rows.Err(); err != nil {
		return st, fail(span, fmt.Errorf("stats pending: %w", err))
	}
	return st, nil
}
