package pgqueue_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/queue/pgqueue"
)

func openQueue(t *testing.T, opts ...pgqueue.Option) *pgqueue.Queue {
	t.Helper()
	dsn := os.Getenv("CBI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CBI_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	stream := fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())
	opts = append([]pgqueue.Option{pgqueue.WithStream(stream), pgqueue.WithPollInterval(10 * time.Millisecond)}, opts...)
	q, err := pgqueue.New(ctx, pool, opts...)
	if err != nil {
		t.Fatalf("pgqueue.New: %v", err)
	}
	return q
}

func msg(id string) messaging.IncomingMessage {
	return messaging.IncomingMessage{
		Platform:  messaging.PlatformWhatsApp,
		MessageID: id,
		ChatID:    "2499",
		SenderID:  "2499",
		Text:      "text " + id,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

func TestEnqueueConsumeAck(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, msg("a"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Consume(ctx, "w1", 10, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Message.Text != "text a" {
		t.Fatalf("got %+v", got)
	}

	ok, err := q.Ack(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Ack = (%v, %v)", ok, err)
	}
	ok, err = q.Ack(ctx, id)
	if err != nil || ok {
		t.Fatalf("second Ack = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestRedeliveryAfterCrash(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, msg("a"))
	if got, _ := q.Consume(ctx, "w1", 10, 0); len(got) != 1 {
		t.Fatalf("first consume len = %d", len(got))
	}

	got, err := q.Consume(ctx, "w1", 10, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Attempts != 2 {
		t.Fatalf("redelivery = %+v", got)
	}
}

func TestConsumeBlocksThenReturnsEmpty(t *testing.T) {
	q := openQueue(t)

	start := time.Now()
	got, err := q.Consume(context.Background(), "w1", 10, 50*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("got (%v, %v)", got, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("returned before block elapsed")
	}
}

func TestMalformedEntrySkipped(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	_, _ = q.EnqueueRaw(ctx, []byte("garbage"))
	_, _ = q.Enqueue(ctx, msg("good"))

	got, err := q.Consume(ctx, "w1", 10, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(got) != 1 || got[0].Message.MessageID != "good" {
		t.Fatalf("got %+v", got)
	}
	st, _ := q.Stats(ctx)
	if st.Pending != 1 {
		t.Errorf("pending = %d, want 1", st.Pending)
	}
}

func TestClaimAndTrim(t *testing.T) {
	q := openQueue(t, pgqueue.WithMaxLen(2))
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if _, err := q.Enqueue(ctx, msg(id)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	st, _ := q.Stats(ctx)
	if st.Length != 2 {
		t.Errorf("length = %d, want 2", st.Length)
	}

	if got, _ := q.Consume(ctx, "dead", 10, 0); len(got) != 2 {
		t.Fatalf("dead consumer got %d", len(got))
	}
	claimed, err := q.Claim(ctx, "alive", 0, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	st, _ = q.Stats(ctx)
	if st.Consumers["alive"] != 2 {
		t.Errorf("consumers = %v", st.Consumers)
	}
}
