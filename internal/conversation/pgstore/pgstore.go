// Package pgstore provides a PostgreSQL implementation of conversation.Store.
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
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/conversation"
)

var tracer = otel.Tracer("github.com/mhmd-249/cbi/internal/conversation/pgstore")

//go:embed schema.sql
var schema string

// Store persists conversation records and the session index in PostgreSQL.
// Expiry is enforced on read; DeleteExpired reclaims the rows.
type Store struct {
	pool       *pgxpool.Pool
	hasher     conversation.Hasher
	stateTTL   time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTLs sets the state and session lifetimes.
func WithTTLs(state, session time.Duration) Option {
	return func(s *Store) {
		if state > 0 {
			s.stateTTL = state
		}
		if session > 0 {
			s.sessionTTL = session
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New applies the schema and returns a ready Store. The pool is owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool, hasher conversation.Hasher, opts ...Option) (*Store, error) {
	s := &Store{
		pool:       pool,
		hasher:     hasher,
		stateTTL:   conversation.DefaultStateTTL,
		sessionTTL: conversation.DefaultSessionTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
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

// GetOrCreate implements conversation.Store. A session whose record is
// missing, expired or undecodable is replaced by a fresh conversation.
func (s *Store) GetOrCreate(ctx context.Context, channel, identity string) (*conversation.State, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetOrCreate", "SELECT")
	defer span.End()

	hash := s.hasher.Hash(identity)
	now := s.now().UTC()

	var (
		st    *conversation.State
		isNew bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var convID string
		err := tx.QueryRow(ctx,
			`SELECT conversation_id FROM conversation_sessions
			 WHERE channel = $1 AND identity_hash = $2 AND expires_at > $3
			 FOR UPDATE`,
			channel, hash, now).Scan(&convID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("select session: %w", err)
		default:
			loaded, ok, err := loadTx(ctx, tx, convID, now)
			if err != nil {
				return err
			}
			if ok {
				st = loaded
				return nil
			}
			log.FromContext(ctx).Warn(ctx, "dangling conversation session, starting new conversation",
				"conversation_id", convID,
				"channel", channel,
			)
		}

		st = conversation.NewState(conversation.NewID(), channel, hash, now)
		isNew = true
		return s.putTx(ctx, tx, st, now)
	})
	if err != nil {
		return nil, false, fail(span, err)
	}
	span.SetAttributes(attribute.Bool("conversation.new", isNew))
	return st, isNew, nil
}

// Create implements conversation.Store.
func (s *Store) Create(ctx context.Context, channel, identity string) (*conversation.State, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	now := s.now().UTC()
	st := conversation.NewState(conversation.NewID(), channel, s.hasher.Hash(identity), now)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.putTx(ctx, tx, st, now)
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return st, nil
}

// Load implements conversation.Store. Undecodable records are reported as
// not found.
func (s *Store) Load(ctx context.Context, id string) (*conversation.State, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Load", "SELECT")
	defer span.End()

	st, ok, err := loadTx(ctx, s.pool, id, s.now().UTC())
	if err != nil {
		return nil, false, fail(span, err)
	}
	return st, ok, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadTx(ctx context.Context, q querier, id string, now time.Time) (*conversation.State, bool, error) {
	var data []byte
	err := q.QueryRow(ctx,
		`SELECT state FROM conversations WHERE id = $1 AND expires_at > $2`, id, now).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select conversation: %w", err)
	}
	st, err := conversation.Decode(data)
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "undecodable conversation record", "conversation_id", id, "err", err)
		return nil, false, nil
	}
	return st, true, nil
}

// Save implements conversation.Store. The record and its session are
// written in one transaction.
func (s *Store) Save(ctx context.Context, st *conversation.State) error {
	ctx, span := startSpan(ctx, "pgstore.Save", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", st.ID))

	now := s.now().UTC()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.putTx(ctx, tx, st, now)
	})
	if err != nil {
		return fail(span, err)
	}
	return nil
}

func (s *Store) putTx(ctx context.Context, tx pgx.Tx, st *conversation.State, now time.Time) error {
	data, err := conversation.Encode(st)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, channel, identity_hash, mode, turn_count, state, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   mode = EXCLUDED.mode,
		   turn_count = EXCLUDED.turn_count,
		   state = EXCLUDED.state,
		   updated_at = EXCLUDED.updated_at,
		   expires_at = EXCLUDED.expires_at`,
		st.ID, st.Platform, st.IdentityHash, string(st.Mode), st.TurnCount, data,
		st.CreatedAt, now, now.Add(s.stateTTL))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_sessions (channel, identity_hash, conversation_id, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel, identity_hash) DO UPDATE SET
		   conversation_id = EXCLUDED.conversation_id,
		   expires_at = EXCLUDED.expires_at`,
		st.Platform, st.IdentityHash, st.ID, now.Add(s.sessionTTL))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Delete implements conversation.Store.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Delete", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete conversation: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// CountActive implements conversation.Store.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.CountActive", "SELECT")
	defer span.End()

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversations WHERE expires_at > $1`, s.now().UTC()).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count conversations: %w", err))
	}
	return n, nil
}

// Lookup implements conversation.Store.
func (s *Store) Lookup(ctx context.Context, channel, identity string) (conversation.Session, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Lookup", "SELECT")
	defer span.End()

	hash := s.hasher.Hash(identity)
	now := s.now().UTC()
	var (
		convID  string
		expires time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id, expires_at FROM conversation_sessions
		 WHERE channel = $1 AND identity_hash = $2 AND expires_at > $3`,
		channel, hash, now).Scan(&convID, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Session{}, false, nil
	}
	if err != nil {
		return conversation.Session{}, false, fail(span, fmt.Errorf("select session: %w", err))
	}
	return conversation.Session{
		ConversationID: convID,
		Channel:        channel,
		IdentityHash:   hash,
		TTL:            expires.Sub(now),
	}, true, nil
}

// ExtendSession implements conversation.Store.
func (s *Store) ExtendSession(ctx context.Context, channel, identity string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ExtendSession", "UPDATE")
	defer span.End()

	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_sessions SET expires_at = $4
		 WHERE channel = $1 AND identity_hash = $2 AND expires_at > $3`,
		channel, s.hasher.Hash(identity), now, now.Add(s.sessionTTL))
	if err != nil {
		return false, fail(span, fmt.Errorf("extend session: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpired implements conversation.Store.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.DeleteExpired", "DELETE")
	defer span.End()

	now := s.now().UTC()
	var total int64
	for _, q := range []string{
		`DELETE FROM conversations WHERE expires_at <= $1`,
		`DELETE FROM conversation_sessions WHERE expires_at <= $1`,
	} {
		tag, err := s.pool.Exec(ctx, q, now)
		if err != nil {
			return int(total), fail(span, fmt.Errorf("delete expired: %w", err))
		}
		total += tag.RowsAffected()
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", total))
	return int(total), nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var _ conversation.Store = (*Store)(nil)
