// Package pgstore provides a PostgreSQL implementation of linking.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
)

var tracer = otel.Tracer("github.com/mhmd-249/cbi/internal/linking/pgstore")

const (
	uniqueViolation      = "23505"
	conversationIndexKey = "idx_reports_conversation"
)

//go:embed schema.sql
var schema string

// Store persists reports and report links in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool is owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const reportColumns = `id, conversation_id, channel, suspected_disease, urgency, alert_type,
	location_text, location_normalized, symptoms, onset_text, cases_count, deaths_count,
	confidence, data_completeness, reasoning, recommended_actions, created_at`

// SaveReport inserts or updates a report. A second report for the same
// conversation returns linking.ErrDuplicateReport.
func (s *Store) SaveReport(ctx context.Context, r *linking.Report) error {
	ctx, span := startSpan(ctx, "pgstore.SaveReport", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
		   urgency = EXCLUDED.urgency,
		   alert_type = EXCLUDED.alert_type,
		   reasoning = EXCLUDED.reasoning,
		   recommended_actions = EXCLUDED.recommended_actions`,
		r.ID, r.ConversationID, r.Channel, string(r.Disease), string(r.Urgency), string(r.AlertType),
		r.LocationText, r.LocationNormalized, nonNil(r.Symptoms), r.OnsetText, r.CasesCount, r.DeathsCount,
		r.Confidence, r.Completeness, r.Reasoning, nonNil(r.RecommendedActions), r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == conversationIndexKey {
		return linking.ErrDuplicateReport
	}
	if err != nil {
		return fail(span, fmt.Errorf("upsert report: %w", err))
	}
	return nil
}

// GetReport retrieves a report by ID.
func (s *Store) GetReport(ctx context.Context, id string) (*linking.Report, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetReport", "SELECT")
	defer span.End()

	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

// ReportForConversation returns the report finalized for conversationID.
func (s *Store) ReportForConversation(ctx context.Context, conversationID string) (*linking.Report, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ReportForConversation", "SELECT")
	defer span.End()

	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE conversation_id = $1 AND conversation_id <> ''`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

// Recent returns reports for disease since the given time, newest first.
func (s *Store) Recent(ctx context.Context, disease conversation.Disease, since time.Time, limit int) ([]*linking.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.Recent", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM reports
		 WHERE suspected_disease = $1 AND created_at >= $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		string(disease), since, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query recent reports: %w", err))
	}
	defer rows.Close()

	var out []*linking.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate reports: %w", err))
	}
	span.SetAttributes(attribute.Int("reports.count", len(out)))
	return out, nil
}

func scanReport(row pgx.Row) (*linking.Report, error) {
	var (
		r                          linking.Report
		disease, urgency, alertTyp string
	)
	err := row.Scan(&r.ID, &r.ConversationID, &r.Channel, &disease, &urgency, &alertTyp,
		&r.LocationText, &r.LocationNormalized, &r.Symptoms, &r.OnsetText, &r.CasesCount, &r.DeathsCount,
		&r.Confidence, &r.Completeness, &r.Reasoning, &r.RecommendedActions, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Disease = conversation.CoerceDisease(disease)
	r.Urgency = linking.Urgency(urgency)
	r.AlertType = linking.AlertType(alertTyp)
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// SaveLink inserts l, returning linking.ErrDuplicateLink when the pair
// already carries a link of that type.
func (s *Store) SaveLink(ctx context.Context, l linking.Link) error {
	ctx, span := startSpan(ctx, "pgstore.SaveLink", "INSERT")
	defer span.End()

	a, b := l.ReportA, l.ReportB
	if b < a {
		a, b = b, a
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO report_links (report_id_1, report_id_2, link_type, confidence, provenance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		a, b, string(l.Type), l.Confidence, l.Provenance, l.CreatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("insert link: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return linking.ErrDuplicateLink
	}
	return nil
}

// LinksFor returns links touching reportID.
func (s *Store) LinksFor(ctx context.Context, reportID string) ([]linking.Link, error) {
	ctx, span := startSpan(ctx, "pgstore.LinksFor", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT report_id_1, report_id_2, link_type, confidence, provenance, created_at
		 FROM report_links WHERE report_id_1 = $1 OR report_id_2 = $1
		 ORDER BY report_id_1, report_id_2, link_type`, reportID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query links: %w", err))
	}
	defer rows.Close()

	var out []linking.Link
	for rows.Next() {
		var (
			l   linking.Link
			typ string
		)
		if err := rows.Scan(&l.ReportA, &l.ReportB, &typ, &l.Confidence, &l.Provenance, &l.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan link: %w", err))
		}
		l.Type = linking.LinkType(typ)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ linking.Store = (*Store)(nil)
