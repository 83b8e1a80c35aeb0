// Package worker consumes the ingestion log and drives each message through
// its conversation: lock, turn, classify and link on completion, persist,
// acknowledge, then fan out replies and alerts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/notify"
	"github.com/mhmd-249/cbi/internal/queue"
)

const (
	DefaultConsumers         = 2
	DefaultLanes             = 4
	DefaultClaimInterval     = 30 * time.Second
	DefaultClaimMinIdle      = time.Minute
	DefaultSideEffectTimeout = 30 * time.Second
	DefaultMaxAttempts       = 5
	replySendTries           = 3
)

// Classifier proposes a surveillance classification. It never fails; a
// degraded proposal is returned instead.
type Classifier interface {
	Classify(ctx context.Context, x conversation.ExtractedData) linking.Classification
}

// Finalizer turns a completed conversation into a linked report.
type Finalizer interface {
	Finalize(ctx context.Context, st *conversation.State, c linking.Classification) (linking.Decision, error)
}

// Publisher pushes realtime events to dashboards.
type Publisher interface {
	PublishNotification(ctx context.Context, payload any, recipients []string) int
	PublishReportUpdate(ctx context.Context, reportID, updateType string, extra map[string]any) int
}

// Dispatcher delivers notifications to external channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *linking.Notification) notify.Outcome
}

// Config tunes the consume loops.
type Config struct {
	Consumers      int
	ConsumerPrefix string
	BatchSize      int
	Block          time.Duration
	// Lanes bounds how many conversations one loop works on at once.
	Lanes             int
	ClaimInterval     time.Duration
	ClaimMinIdle      time.Duration
	SideEffectTimeout time.Duration
	// MaxAttempts is how often a transiently failing entry is redelivered
	// before it is dropped.
	MaxAttempts int
}

func (c *Config) defaults() {
	if c.Consumers <= 0 {
		c.Consumers = DefaultConsumers
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = "host"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = queue.DefaultBatchSize
	}
	if c.Block <= 0 {
		c.Block = queue.DefaultBlock
	}
	if c.Lanes <= 0 {
		c.Lanes = DefaultLanes
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = DefaultClaimInterval
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = DefaultClaimMinIdle
	}
	if c.SideEffectTimeout <= 0 {
		c.SideEffectTimeout = DefaultSideEffectTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Deps are the collaborators a Pool drives. Publisher, Dispatcher,
// Gateways and Metrics are optional.
type Deps struct {
	Queue      queue.Queue
	Store      conversation.Store
	Locker     conversation.Locker
	Hasher     conversation.Hasher
	Machine    *conversation.Machine
	Classifier Classifier
	Engine     Finalizer
	Gateways   *messaging.Registry
	Publisher  Publisher
	Dispatcher Dispatcher
	Metrics    *Metrics
	Logger     log.Logger
}

// Pool runs the consume loops.
type Pool struct {
	cfg  Config
	deps Deps
	log  log.Logger

	// effects tracks fire-and-forget side effects so Run can wait for them.
	effects sync.WaitGroup
}

// New returns a Pool. It panics when a required dependency is missing.
func New(cfg Config, deps Deps) *Pool {
	if deps.Queue == nil || deps.Store == nil || deps.Locker == nil || deps.Machine == nil || deps.Engine == nil {
		panic(xerrors.New("worker: queue, store, locker, machine and engine are required"))
	}
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	return &Pool{cfg: cfg, deps: deps, log: deps.Logger.With("component", "worker")}
}

// Run starts the configured consume loops and blocks until ctx ends. Loops
// stop between reads; turns already in flight finish on a detached context
// and pending side effects are awaited before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Consumers {
		consumer := p.cfg.ConsumerPrefix + "-" + strconv.Itoa(i)
		g.Go(func() error { return p.loop(gctx, consumer) })
	}
	err := g.Wait()
	p.effects.Wait()
	return err
}

func (p *Pool) loop(ctx context.Context, consumer string) error {
	L := p.log.With("consumer", consumer)
	ctx = log.WithContext(ctx, L)
	L.Info(ctx, "consumer started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	sem := semaphore.NewWeighted(int64(p.cfg.Lanes))

	var lastClaim time.Time
	for ctx.Err() == nil {
		var batch []queue.Delivery

		if time.Since(lastClaim) >= p.cfg.ClaimInterval {
			lastClaim = time.Now()
			claimed, err := p.deps.Queue.Claim(ctx, consumer, p.cfg.ClaimMinIdle, p.cfg.BatchSize)
			if err != nil && ctx.Err() == nil {
				L.Warn(ctx, "claim stale entries failed", "err", err)
			}
			if len(claimed) > 0 {
				L.Info(ctx, "claimed stale entries", "count", len(claimed))
				p.metric(func(m *Metrics) { m.ClaimedTotal.Add(float64(len(claimed))) })
			}
			batch = claimed
		}

		if len(batch) == 0 {
			ds, err := p.deps.Queue.Consume(ctx, consumer, p.cfg.BatchSize, p.cfg.Block)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				p.metric(func(m *Metrics) { m.QueueErrorsTotal.Inc() })
				wait := bo.NextBackOff()
				L.Warn(ctx, "queue read failed", "err", err, "wait", wait.String())
				sleep(ctx, wait)
				continue
			}
			batch = ds
		}
		if len(batch) == 0 {
			continue
		}

		if failed := p.processBatch(ctx, sem, batch); failed > 0 {
			// transient failures stay pending and come back on the next
			// read; back off so a broken store is not hammered
			sleep(ctx, bo.NextBackOff())
			continue
		}
		bo.Reset()
	}

	L.Info(ctx, "consumer stopped")
	return nil
}

// processBatch groups deliveries into per-conversation lanes and runs the
// lanes concurrently. It returns how many entries were left pending.
func (p *Pool) processBatch(ctx context.Context, sem *semaphore.Weighted, batch []queue.Delivery) int {
	lanes := p.lanes(batch)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, lane := range lanes {
		// acquisition is not tied to ctx so a started batch always drains
		_ = sem.Acquire(context.Background(), 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if n := p.runLane(ctx, lane); n > 0 {
				mu.Lock()
				failed += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failed
}

// lanes groups deliveries by conversation key, keeping log order inside
// each lane and ordering lanes by first appearance.
func (p *Pool) lanes(batch []queue.Delivery) [][]queue.Delivery {
	index := make(map[string]int)
	var out [][]queue.Delivery
	for _, d := range batch {
		key := p.laneKey(d.Message)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], d)
	}
	return out
}

func (p *Pool) laneKey(msg messaging.IncomingMessage) string {
	return conversation.SessionKey(string(msg.Platform), p.deps.Hasher.Hash(msg.SenderID))
}

// runLane handles deliveries in order. After a transient failure the rest
// of the lane is left pending so a conversation never sees messages out of
// order.
func (p *Pool) runLane(ctx context.Context, lane []queue.Delivery) int {
	for i, d := range lane {
		if !p.handle(ctx, d) {
			return len(lane) - i
		}
	}
	return 0
}

// turnOutcome is what a persisted turn hands to the side-effect stage.
type turnOutcome struct {
	msg      messaging.IncomingMessage
	convID   string
	result   conversation.TurnResult
	decision *linking.Decision
}

// errTransient marks failures worth redelivering.
type errTransient struct{ err error }

func (e errTransient) Error() string { return e.err.Error() }
func (e errTransient) Unwrap() error { return e.err }

func transient(format string, err error) error {
	return errTransient{err: fmt.Errorf(format+": %w", err)}
}

// handle processes one delivery and reports whether it was acknowledged.
func (p *Pool) handle(ctx context.Context, d queue.Delivery) bool {
	// the turn itself is never cut short by shutdown
	tctx := context.WithoutCancel(ctx)
	L := log.FromContext(ctx).With(
		"entry_id", d.ID,
		"channel", string(d.Message.Platform),
		"sender", p.deps.Hasher.Hash(d.Message.SenderID),
		"attempt", d.Attempts,
	)
	tctx = log.WithContext(tctx, L)

	start := time.Now()
	out, err := p.turn(tctx, d.Message)
	p.metric(func(m *Metrics) { m.TurnDuration.Observe(time.Since(start).Seconds()) })

	var te errTransient
	switch {
	case err == nil:
	case errors.As(err, &te) && d.Attempts < p.cfg.MaxAttempts:
		L.Warn(tctx, "turn failed, leaving entry pending", "err", err)
		p.count("retry")
		return false
	case errors.As(err, &te):
		L.Error(tctx, err, "dropping entry after repeated failures")
		p.count("dropped")
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, conversation.ErrTurnLimit):
		L.Info(tctx, "dropping message", "reason", err.Error())
		p.count("dropped")
	default:
		L.Error(tctx, err, "dropping entry")
		p.count("dropped")
	}

	if _, err := p.deps.Queue.Ack(tctx, d.ID); err != nil {
		// the entry will be redelivered; the idempotency key makes that a no-op
		L.Warn(tctx, "ack failed", "err", err)
	}

	if out != nil {
		p.afterTurn(tctx, out)
	}
	return true
}

// turn runs one message through its conversation under the conversation
// lock and persists the result.
func (p *Pool) turn(ctx context.Context, msg messaging.IncomingMessage) (*turnOutcome, error) {
	L := log.FromContext(ctx)
	channel := string(msg.Platform)

	unlock, err := p.deps.Locker.Lock(ctx, p.laneKey(msg))
	if err != nil {
		return nil, transient("lock conversation", err)
	}
	defer unlock()

	st, isNew, err := p.deps.Store.GetOrCreate(ctx, channel, msg.SenderID)
	if err != nil {
		return nil, transient("load conversation", err)
	}
	if st.IsComplete() || p.deps.Machine.Exhausted(st) {
		if st.HasProcessed(msg.Key()) {
			p.count("duplicate")
			return nil, nil
		}
		if !st.IsComplete() {
			L.Info(ctx, "turn limit reached, starting new conversation",
				"conversation_id", st.ID, "turns", st.TurnCount)
		}
		if st, err = p.deps.Store.Create(ctx, channel, msg.SenderID); err != nil {
			return nil, transient("start conversation", err)
		}
		isNew = true
	}
	L = L.With("conversation_id", st.ID)
	ctx = log.WithContext(ctx, L)
	if isNew {
		L.Info(ctx, "conversation started")
	}

	res, err := p.deps.Machine.Turn(ctx, st, msg)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		p.count("duplicate")
		return nil, nil
	}
	if res.From != res.To {
		p.metric(func(m *Metrics) { m.TransitionsTotal.WithLabelValues(string(res.From), string(res.To)).Inc() })
		L.Info(ctx, "conversation transition", "from", string(res.From), "to", string(res.To))
	}
	if res.ServiceErr != nil {
		L.Warn(ctx, "text service unavailable, apology sent", "err", res.ServiceErr)
	}
	if res.Malformed {
		L.Warn(ctx, "unparseable service reply, used raw text")
	}

	out := &turnOutcome{msg: msg, convID: st.ID, result: res}

	if res.Completed {
		c := linking.DefaultClassification()
		if p.deps.Classifier != nil {
			c = p.deps.Classifier.Classify(ctx, st.Extracted)
		}
		dec, err := p.deps.Engine.Finalize(ctx, st, c)
		if err != nil {
			return nil, transient("finalize report", err)
		}
		out.decision = &dec
		if !dec.Replayed {
			p.metric(func(m *Metrics) {
				m.ReportsTotal.WithLabelValues(string(dec.Report.Urgency), string(dec.Report.AlertType)).Inc()
				for _, l := range dec.Links {
					m.LinksTotal.WithLabelValues(string(l.Type)).Inc()
				}
			})
		}
		L.Info(ctx, "report finalized",
			"report_id", dec.Report.ID,
			"disease", string(dec.Report.Disease),
			"urgency", string(dec.Report.Urgency),
			"alert_type", string(dec.Report.AlertType),
			"area_cases", dec.AreaCases,
			"links", len(dec.Links),
			"degraded", dec.Degraded,
			"replayed", dec.Replayed,
		)
	}

	if err := p.deps.Store.Save(ctx, st); err != nil {
		return nil, transient("save conversation", err)
	}
	p.count("processed")
	return out, nil
}

// afterTurn fires the reply and the alert fan-out without holding up the
// lane. Failures are logged and never affect the acknowledged entry.
func (p *Pool) afterTurn(ctx context.Context, out *turnOutcome) {
	p.effects.Add(1)
	go func() {
		defer p.effects.Done()
		ctx, cancel := context.WithTimeout(ctx, p.cfg.SideEffectTimeout)
		defer cancel()
		L := log.FromContext(ctx).With("conversation_id", out.convID)

		if out.result.Reply != "" {
			if err := p.sendReply(ctx, out.msg, out.result.Reply); err != nil {
				L.Warn(ctx, "reply not delivered", "err", err)
			}
		}
		if out.decision != nil {
			p.fanOut(ctx, L, out.decision)
		}
	}()
}

func (p *Pool) sendReply(ctx context.Context, msg messaging.IncomingMessage, text string) error {
	if p.deps.Gateways == nil {
		return errors.New("no channel gateways configured")
	}
	gw, err := p.deps.Gateways.Get(msg.Platform)
	if err != nil {
		return err
	}
	out := messaging.OutgoingMessage{ChatID: msg.ChatID, Text: text, ReplyToID: msg.MessageID}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (string, error) {
		id, err := gw.SendMessage(ctx, out)
		if err != nil && !messaging.Retryable(err) {
			return "", backoff.Permanent(err)
		}
		return id, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(replySendTries))
	return err
}

func (p *Pool) fanOut(ctx context.Context, L log.Logger, dec *linking.Decision) {
	r := dec.Report
	n := dec.Notification

	if p.deps.Publisher != nil {
		if n != nil {
			n.SentAt = time.Now().UTC()
			p.deps.Publisher.PublishNotification(ctx, n, nil)
		}
		p.deps.Publisher.PublishReportUpdate(ctx, r.ID, "created", map[string]any{
			"conversation_id":   r.ConversationID,
			"suspected_disease": r.Disease,
			"urgency":           r.Urgency,
			"alert_type":        r.AlertType,
			"cases_count":       r.CasesCount,
			"area_cases":        dec.AreaCases,
			"links":             len(dec.Links),
		})
	}

	if n != nil && p.deps.Dispatcher != nil {
		res := p.deps.Dispatcher.Dispatch(ctx, n)
		L.Info(ctx, "notification dispatched",
			"notification_id", n.ID,
			"sent", len(res.Sent),
			"skipped", len(res.Skipped),
			"failed", len(res.Failed),
		)
	}
}

func (p *Pool) count(outcome string) {
	p.metric(func(m *Metrics) { m.MessagesTotal.WithLabelValues(outcome).Inc() })
}

func (p *Pool) metric(fn func(*Metrics)) {
	if p.deps.Metrics != nil {
		fn(p.deps.Metrics)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
