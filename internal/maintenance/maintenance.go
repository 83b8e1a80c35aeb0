// Package maintenance runs the periodic housekeeping jobs: the expired
// conversation sweep and the refresh of queue and conversation gauges.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"

	"github.com/mhmd-249/cbi/internal/postgres"
	"github.com/mhmd-249/cbi/internal/queue"
)

const (
	DefaultSweepSchedule = "@every 5m"
	DefaultStatsSchedule = "@every 15s"
	DefaultJobTimeout    = 30 * time.Second
	DefaultPendingWarn   = 1000
)

// job names, also used as db query labels
const (
	jobSweep = "maintenance.sweep"
	jobStats = "maintenance.stats"
)

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as @every.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Conversations is the part of the conversation store the jobs touch.
type Conversations interface {
	DeleteExpired(ctx context.Context) (int, error)
	CountActive(ctx context.Context) (int, error)
}

// QueueStats reads the ingestion log's counters.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Gauges receives the refreshed values.
type Gauges interface {
	SetQueueStats(st queue.Stats)
	SetActiveConversations(n int)
}

// Broadcaster pushes a payload to every connected dashboard.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload any) int
}

// Config holds schedules and limits. Empty schedules disable the job.
type Config struct {
	SweepSchedule string
	StatsSchedule string
	JobTimeout    time.Duration
	// PendingWarn logs a warning when more entries than this are delivered
	// but unacknowledged. Zero disables the warning.
	PendingWarn int64
}

// Snapshot is the payload broadcast after each stats refresh.
type Snapshot struct {
	Kind                string      `json:"kind"`
	Queue               queue.Stats `json:"queue"`
	ActiveConversations int         `json:"active_conversations"`
	At                  time.Time   `json:"at"`
}

// Scheduler owns the cron instance and the job dependencies.
type Scheduler struct {
	cfg    Config
	convs  Conversations
	queue  QueueStats
	gauges Gauges
	bc     Broadcaster
	logger log.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGauges publishes refreshed values to g.
func WithGauges(g Gauges) Option {
	return func(s *Scheduler) { s.gauges = g }
}

// WithBroadcaster sends a Snapshot to dashboards after each refresh.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Scheduler) { s.bc = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New returns a Scheduler. Call Start to begin running jobs.
func New(cfg Config, convs Conversations, q QueueStats, logger log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	s := &Scheduler{
		cfg:    cfg,
		convs:  convs,
		queue:  q,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate checks the schedule expressions.
func (c Config) Validate() error {
	var errs []error
	for name, expr := range map[string]string{"sweep": c.SweepSchedule, "stats": c.StatsSchedule} {
		if expr == "" {
			continue
		}
		if _, err := cronParser.Parse(expr); err != nil {
			errs = append(errs, fmt.Errorf("maintenance %s schedule %q: %w", name, expr, err))
		}
	}
	if c.JobTimeout < 0 {
		errs = append(errs, errors.New("maintenance job timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Start registers the configured jobs and starts the cron ticker. Jobs run
// with ctx's values but their own timeout.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("maintenance scheduler already started")
	}

	cl := cronLogger{ctx: ctx, l: s.logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name, expr string
		fn         func(context.Context) error
	}{
		{jobSweep, s.cfg.SweepSchedule, s.Sweep},
		{jobStats, s.cfg.StatsSchedule, s.Refresh},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if _, err := c.AddFunc(j.expr, s.wrap(ctx, j.name, j.fn)); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		s.logger.Info(ctx, "maintenance job scheduled", "job", j.name, "schedule", j.expr)
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop halts the ticker and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) wrap(parent context.Context, name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.JobTimeout)
		defer cancel()
		ctx = postgres.WithJob(ctx, name)

		start := s.now()
		if err := fn(ctx); err != nil {
			s.logger.Error(ctx, err, "maintenance job failed", "job", name, "duration", time.Since(start).Seconds())
		}
	}
}

// Sweep deletes expired conversation records and sessions.
func (s *Scheduler) Sweep(ctx context.Context) error {
	if s.convs == nil {
		return nil
	}
	n, err := s.convs.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("delete expired conversations: %w", err)
	}
	if n > 0 {
		s.logger.Info(ctx, "expired conversations removed", "rows", n)
	}
	return nil
}

// Refresh reads the queue and store counters, updates the gauges and
// broadcasts a Snapshot. A failing source does not stop the other.
func (s *Scheduler) Refresh(ctx context.Context) error {
	snap := Snapshot{Kind: "system_stats", At: s.now().UTC()}
	var errs []error

	if s.queue != nil {
		st, err := s.queue.Stats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue stats: %w", err))
		} else {
			snap.Queue = st
			if s.gauges != nil {
				s.gauges.SetQueueStats(st)
			}
			if s.cfg.PendingWarn > 0 && st.Pending > s.cfg.PendingWarn {
				s.logger.Warn(ctx, "ingestion backlog is growing",
					"pending", st.Pending,
					"length", st.Length,
					"threshold", s.cfg.PendingWarn,
				)
			}
		}
	}

	if s.convs != nil {
		n, err := s.convs.CountActive(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("count active conversations: %w", err))
		} else {
			snap.ActiveConversations = n
			if s.gauges != nil {
				s.gauges.SetActiveConversations(n)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if s.bc != nil {
		s.bc.Broadcast(ctx, snap)
	}
	return nil
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	ctx context.Context
	l   log.Logger
}

// Info drops cron's chatty scheduling lines; job outcomes are logged by
// the jobs themselves.
func (cronLogger) Info(string, ...any) {}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(c.ctx, err, "cron: "+msg, kv...)
}
