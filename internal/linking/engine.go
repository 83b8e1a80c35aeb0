package linking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/conversation"
)

const (
	defaultHistoryLimit = 200
	linkProvenance      = "auto:linking-engine"
)

// ErrNotComplete is returned when Finalize is called on an open conversation.
var ErrNotComplete = errors.New("linking: conversation not complete")

// NotificationBuilder renders the notification for a finalized report.
type NotificationBuilder interface {
	Build(r *Report) *Notification
}

// Decision is everything the engine produced for one report.
type Decision struct {
	Report       *Report
	Links        []Link
	Notification *Notification
	Evaluation   Evaluation
	AreaCases    int
	// Degraded is set when history could not be read and the decision used
	// only the report's own fields.
	Degraded bool
	// Replayed is set when the conversation already had a stored report and
	// the decision was rebuilt from it instead of scored again.
	Replayed bool
}

// Engine finalizes completed conversations into linked reports.
type Engine struct {
	store        Store
	table        *Table
	notifier     NotificationBuilder
	historyLimit int
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTable replaces the default threshold table.
func WithTable(t *Table) Option {
	return func(e *Engine) {
		if t != nil {
			e.table = t
		}
	}
}

// WithNotifier sets the builder used for Decision.Notification.
func WithNotifier(b NotificationBuilder) Option {
	return func(e *Engine) { e.notifier = b }
}

// WithHistoryLimit caps how many prior reports are scored.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine over store. A nil store makes every decision
// local-only.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		table:        DefaultTable(),
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Table returns the active threshold table.
func (e *Engine) Table() *Table { return e.table }

// Finalize builds the report for a completed conversation, scores it against
// history, persists it with its links and renders its notification. Store
// failures are logged and degrade the decision; they are never returned.
//
// Finalize is idempotent per conversation: when the conversation already has
// a stored report, that report is returned with its links and no new report
// is created.
func (e *Engine) Finalize(ctx context.Context, st *conversation.State, c Classification) (Decision, error) {
	if st == nil || !st.IsComplete() {
		return Decision{}, ErrNotComplete
	}
	L := log.FromContext(ctx)

	if prior, ok := e.existing(ctx, st.ID); ok {
		return e.replay(ctx, prior), nil
	}

	r := e.newReport(st, c)
	window := e.table.Window(r.Disease)

	var d Decision
	history, err := e.history(ctx, r, window)
	if err != nil {
		L.Warn(ctx, "report history unavailable, deciding from local fields",
			"conversation_id", st.ID,
			"disease", string(r.Disease),
			"err", err,
		)
		d.Degraded = true
	}

	d.AreaCases = r.CasesCount
	for _, prior := range history {
		if geoMatch(r, prior) == 1 {
			d.AreaCases += prior.CasesCount
		}
	}

	d.Evaluation = e.table.Evaluate(r.Disease, d.AreaCases, r.DeathsCount)
	r.AlertType = e.table.AlertType(r.Disease, c.AlertType, d.Evaluation)
	r.Urgency = e.table.Urgency(r.Disease, c.Urgency, d.AreaCases, r.DeathsCount)
	if d.Evaluation.Exceeded {
		r.Reasoning = joinReasoning(r.Reasoning, "threshold: "+d.Evaluation.Detail)
	}

	d.Links = e.discover(r, history, window)
	d.Report = r

	if e.store != nil {
		err := e.store.SaveReport(ctx, r)
		switch {
		case err == nil:
			d.Links = e.saveLinks(ctx, d.Links)
		case errors.Is(err, ErrDuplicateReport):
			if prior, ok := e.existing(ctx, st.ID); ok {
				return e.replay(ctx, prior), nil
			}
			L.Error(ctx, err, "persist report failed", "report_id", r.ID, "conversation_id", st.ID)
		default:
			L.Error(ctx, err, "persist report failed", "report_id", r.ID, "conversation_id", st.ID)
		}
	}

	if e.notifier != nil {
		d.Notification = e.notifier.Build(r)
	}

	L.Info(ctx, "report finalized",
		"report_id", r.ID,
		"conversation_id", st.ID,
		"disease", string(r.Disease),
		"urgency", string(r.Urgency),
		"alert_type", string(r.AlertType),
		"area_cases", d.AreaCases,
		"links", len(d.Links),
		"degraded", d.Degraded,
	)
	return d, nil
}

// existing looks up the report already finalized for convID. Lookup errors
// are logged and treated as no report.
func (e *Engine) existing(ctx context.Context, convID string) (*Report, bool) {
	if e.store == nil {
		return nil, false
	}
	r, ok, err := e.store.ReportForConversation(ctx, convID)
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "existing report lookup failed", "conversation_id", convID, "err", err)
		return nil, false
	}
	return r, ok
}

// replay rebuilds the decision for an already stored report.
func (e *Engine) replay(ctx context.Context, r *Report) Decision {
	d := Decision{Report: r, AreaCases: r.CasesCount, Replayed: true}
	links, err := e.store.LinksFor(ctx, r.ID)
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "links for existing report unavailable", "report_id", r.ID, "err", err)
	}
	d.Links = links
	if e.notifier != nil {
		d.Notification = e.notifier.Build(r)
	}
	log.FromContext(ctx).Info(ctx, "report already finalized",
		"report_id", r.ID,
		"conversation_id", r.ConversationID,
	)
	return d
}

func (e *Engine) newReport(st *conversation.State, c Classification) *Report {
	x := st.Extracted
	disease := c.Disease
	if disease == "" || disease == conversation.DiseaseUnknown {
		disease = x.SuspectedDisease
	}
	disease = conversation.CoerceDisease(string(disease))

	cases := x.Cases()
	if cases < 1 {
		cases = 1
	}
	return &Report{
		ID:                 ulid.Make().String(),
		ConversationID:     st.ID,
		Channel:            st.Platform,
		Disease:            disease,
		LocationText:       x.LocationText,
		LocationNormalized: x.LocationNormalized,
		Symptoms:           append([]string{}, x.Symptoms...),
		OnsetText:          x.OnsetText,
		CasesCount:         cases,
		DeathsCount:        x.Deaths(),
		Confidence:         c.Confidence,
		Completeness:       st.Classification.DataCompleteness,
		Reasoning:          c.Reasoning,
		RecommendedActions: append([]string{}, c.RecommendedActions...),
		CreatedAt:          e.now().UTC(),
	}
}

func (e *Engine) history(ctx context.Context, r *Report, window time.Duration) ([]*Report, error) {
	if e.store == nil {
		return nil, nil
	}
	reports, err := e.store.Recent(ctx, r.Disease, r.CreatedAt.Add(-window), e.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("recent reports: %w", err)
	}
	// a conversation never counts toward or links to itself
	out := reports[:0]
	for _, prior := range reports {
		if prior.ID == r.ID || (r.ConversationID != "" && prior.ConversationID == r.ConversationID) {
			continue
		}
		out = append(out, prior)
	}
	return out, nil
}

// discover scores r against each prior report and keeps the dominant link
// per pair when it clears the confidence floor.
func (e *Engine) discover(r *Report, history []*Report, window time.Duration) []Link {
	var links []Link
	seen := make(map[[3]string]struct{})
	for _, prior := range history {
		s := ScorePair(r, prior, window)
		conf := s.Confidence()
		if conf < MinLinkConfidence {
			continue
		}
		typ, ok := s.Dominant()
		if !ok {
			continue
		}
		l, ok := NewLink(r.ID, prior.ID, typ, conf, linkProvenance, r.CreatedAt)
		if !ok {
			continue
		}
		key := [3]string{l.ReportA, l.ReportB, string(l.Type)}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		links = append(links, l)
	}
	return links
}

func (e *Engine) saveLinks(ctx context.Context, links []Link) []Link {
	saved := links[:0]
	for _, l := range links {
		err := e.store.SaveLink(ctx, l)
		switch {
		case err == nil:
			saved = append(saved, l)
		case errors.Is(err, ErrDuplicateLink):
		default:
			log.FromContext(ctx).Error(ctx, err, "persist link failed",
				"report_a", l.ReportA, "report_b", l.ReportB, "link_type", string(l.Type))
		}
	}
	return saved
}

func joinReasoning(a, b string) string {
	if a == "" {
		return b
	}
	return a + " | " + b
}
