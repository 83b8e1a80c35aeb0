package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/conversation/memstore"
	"github.com/mhmd-249/cbi/internal/queue"
	"github.com/mhmd-249/cbi/internal/queue/memqueue"
)

type fakeConvs struct {
	sweeps  atomic.Int32
	active  int
	sweepFn func() (int, error)
	err     error
}

func (f *fakeConvs) DeleteExpired(context.Context) (int, error) {
	f.sweeps.Add(1)
	if f.sweepFn != nil {
		return f.sweepFn()
	}
	return 0, nil
}

func (f *fakeConvs) CountActive(context.Context) (int, error) { return f.active, f.err }

type fakeQueue struct {
	st  queue.Stats
	err error
}

func (f fakeQueue) Stats(context.Context) (queue.Stats, error) { return f.st, f.err }

type recordGauges struct {
	mu     sync.Mutex
	stats  []queue.Stats
	active []int
}

func (g *recordGauges) SetQueueStats(st queue.Stats) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats = append(g.stats, st)
}

func (g *recordGauges) SetActiveConversations(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = append(g.active, n)
}

type recordBroadcaster struct {
	payloads []any
}

func (b *recordBroadcaster) Broadcast(_ context.Context, payload any) int {
	b.payloads = append(b.payloads, payload)
	return 1
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{SweepSchedule: DefaultSweepSchedule, StatsSchedule: DefaultStatsSchedule}, false},
		{"disabled", Config{}, false},
		{"five fields", Config{SweepSchedule: "*/5 * * * *"}, false},
		{"six fields", Config{StatsSchedule: "*/10 * * * * *"}, false},
		{"garbage", Config{SweepSchedule: "every now and then"}, true},
		{"negative timeout", Config{JobTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSweep_RemovesExpiredConversations(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := now
	store := memstore.New(conversation.NewHasher("salt"),
		memstore.WithTTLs(time.Hour, 30*time.Minute),
		memstore.WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	if _, _, err := store.GetOrCreate(ctx, "telegram", "555"); err != nil {
		t.Fatal(err)
	}

	s := New(Config{}, store, nil, nil)
	clock = now.Add(2 * time.Hour)
	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	// back inside the TTL, only a deleted record stays invisible
	clock = now
	if n, _ := store.CountActive(ctx); n != 0 {
		t.Errorf("active after sweep = %d, want 0", n)
	}
}

func TestSweep_WrapsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	s := New(Config{}, &fakeConvs{sweepFn: func() (int, error) { return 0, boom }}, nil, nil)
	if err := s.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Sweep() = %v, want wrapped %v", err, boom)
	}
}

func TestRefresh_UpdatesGaugesAndBroadcasts(t *testing.T) {
	t.Parallel()

	q := memqueue.New()
	ctx := context.Background()
	for range 3 {
		if _, err := q.EnqueueRaw(ctx, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g := &recordGauges{}
	bc := &recordBroadcaster{}
	s := New(Config{PendingWarn: 1}, &fakeConvs{active: 7}, q, nil,
		WithGauges(g), WithBroadcaster(bc), WithClock(func() time.Time { return at }))

	if err := s.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if len(g.stats) != 1 || g.stats[0].Length != 3 {
		t.Errorf("queue gauges = %+v, want one update with length 3", g.stats)
	}
	if len(g.active) != 1 || g.active[0] != 7 {
		t.Errorf("active gauges = %v, want [7]", g.active)
	}
	if len(bc.payloads) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(bc.payloads))
	}
	snap, ok := bc.payloads[0].(Snapshot)
	if !ok || snap.Kind != "system_stats" || snap.ActiveConversations != 7 || !snap.At.Equal(at) {
		t.Errorf("snapshot = %+v", bc.payloads[0])
	}
}

func TestRefresh_PartialFailure(t *testing.T) {
	t.Parallel()

	g := &recordGauges{}
	bc := &recordBroadcaster{}
	s := New(Config{}, &fakeConvs{active: 2}, fakeQueue{err: errors.New("queue down")}, nil,
		WithGauges(g), WithBroadcaster(bc))

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() = nil, want queue error")
	}
	if len(g.active) != 1 || g.active[0] != 2 {
		t.Errorf("active gauges = %v, want [2] despite queue failure", g.active)
	}
	if len(g.stats) != 0 {
		t.Errorf("queue gauges = %v, want none", g.stats)
	}
	if len(bc.payloads) != 0 {
		t.Errorf("broadcast a partial snapshot")
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	t.Parallel()

	convs := &fakeConvs{}
	s := New(Config{SweepSchedule: "* * * * * *"}, convs, nil, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start() = nil, want error")
	}

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for convs.sweeps.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweep did not run within 2.5s")
		case <-ticker.C:
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
}

func TestScheduler_SurvivesPanickingJob(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	convs := &fakeConvs{sweepFn: func() (int, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return 0, nil
	}}
	s := New(Config{SweepSchedule: "* * * * * *"}, convs, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	deadline := time.After(3500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("sweep ran %d times, want a second run after the panic", calls.Load())
		case <-ticker.C:
		}
	}
}
