// Package sqlitestore provides a SQLite implementation of linking.Store for
// single node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id                  TEXT PRIMARY KEY,
	conversation_id     TEXT NOT NULL,
	channel             TEXT NOT NULL DEFAULT '',
	suspected_disease   TEXT NOT NULL,
	urgency             TEXT NOT NULL,
	alert_type          TEXT NOT NULL,
	location_text       TEXT NOT NULL DEFAULT '',
	location_normalized TEXT NOT NULL DEFAULT '',
	symptoms            TEXT NOT NULL DEFAULT '[]',
	onset_text          TEXT NOT NULL DEFAULT '',
	cases_count         INTEGER NOT NULL DEFAULT 1,
	deaths_count        INTEGER NOT NULL DEFAULT 0,
	confidence          REAL NOT NULL DEFAULT 0,
	data_completeness   REAL NOT NULL DEFAULT 0,
	reasoning           TEXT NOT NULL DEFAULT '',
	recommended_actions TEXT NOT NULL DEFAULT '[]',
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_disease_created ON reports (suspected_disease, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_conversation ON reports (conversation_id) WHERE conversation_id <> '';

CREATE TABLE IF NOT EXISTS report_links (
	report_id_1 TEXT NOT NULL,
	report_id_2 TEXT NOT NULL,
	link_type   TEXT NOT NULL,
	confidence  REAL NOT NULL,
	provenance  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (report_id_1, report_id_2, link_type),
	CHECK (report_id_1 < report_id_2)
);
`

// Store persists reports in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent workers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const reportColumns = `id, conversation_id, channel, suspected_disease, urgency, alert_type,
	location_text, location_normalized, symptoms, onset_text, cases_count, deaths_count,
	confidence, data_completeness, reasoning, recommended_actions, created_at`

// SaveReport inserts or updates a report. A second report for the same
// conversation returns linking.ErrDuplicateReport.
func (s *Store) SaveReport(ctx context.Context, r *linking.Report) error {
	symptoms, err := json.Marshal(nonNil(r.Symptoms))
	if err != nil {
		return err
	}
	actions, err := json.Marshal(nonNil(r.RecommendedActions))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.ConversationID != "" {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM reports WHERE conversation_id = ?`, r.ConversationID).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check conversation report: %w", err)
		case owner != r.ID:
			return linking.ErrDuplicateReport
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   urgency = excluded.urgency,
		   alert_type = excluded.alert_type,
		   reasoning = excluded.reasoning,
		   recommended_actions = excluded.recommended_actions`,
		r.ID, r.ConversationID, r.Channel, string(r.Disease), string(r.Urgency), string(r.AlertType),
		r.LocationText, r.LocationNormalized, string(symptoms), r.OnsetText, r.CasesCount, r.DeathsCount,
		r.Confidence, r.Completeness, r.Reasoning, string(actions), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return tx.Commit()
}

// ReportForConversation returns the report finalized for conversationID.
func (s *Store) ReportForConversation(ctx context.Context, conversationID string) (*linking.Report, bool, error) {
	if conversationID == "" {
		return nil, false, nil
	}
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE conversation_id = ?`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// GetReport retrieves a report by ID.
func (s *Store) GetReport(ctx context.Context, id string) (*linking.Report, bool, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Recent returns reports for disease since the given time, newest first.
func (s *Store) Recent(ctx context.Context, disease conversation.Disease, since time.Time, limit int) ([]*linking.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports
		 WHERE suspected_disease = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		string(disease), since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent reports: %w", err)
	}
	defer rows.Close()

	var out []*linking.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*linking.Report, error) {
	var (
		r                          linking.Report
		disease, urgency, alertTyp string
		symptoms, actions          string
		created                    int64
	)
	err := row.Scan(&r.ID, &r.ConversationID, &r.Channel, &disease, &urgency, &alertTyp,
		&r.LocationText, &r.LocationNormalized, &symptoms, &r.OnsetText, &r.CasesCount, &r.DeathsCount,
		&r.Confidence, &r.Completeness, &r.Reasoning, &actions, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(symptoms), &r.Symptoms); err != nil {
		return nil, fmt.Errorf("decode symptoms for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &r.RecommendedActions); err != nil {
		return nil, fmt.Errorf("decode actions for %s: %w", r.ID, err)
	}
	r.Disease = conversation.CoerceDisease(disease)
	r.Urgency = linking.Urgency(urgency)
	r.AlertType = linking.AlertType(alertTyp)
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

// SaveLink inserts l, returning linking.ErrDuplicateLink when the pair
// already carries a link of that type.
func (s *Store) SaveLink(ctx context.Context, l linking.Link) error {
	a, b := l.ReportA, l.ReportB
	if b < a {
		a, b = b, a
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO report_links (report_id_1, report_id_2, link_type, confidence, provenance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a, b, string(l.Type), l.Confidence, l.Provenance, l.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return linking.ErrDuplicateLink
	}
	return nil
}

// LinksFor returns links touching reportID.
func (s *Store) LinksFor(ctx context.Context, reportID string) ([]linking.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_id_1, report_id_2, link_type, confidence, provenance, created_at
		 FROM report_links WHERE report_id_1 = ? OR report_id_2 = ?
		 ORDER BY report_id_1, report_id_2, link_type`, reportID, reportID)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []linking.Link
	for rows.Next() {
		var (
			l       linking.Link
			typ     string
			created int64
		)
		if err := rows.Scan(&l.ReportA, &l.ReportB, &typ, &l.Confidence, &l.Provenance, &created); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Type = linking.LinkType(typ)
		l.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ linking.Store = (*Store)(nil)
