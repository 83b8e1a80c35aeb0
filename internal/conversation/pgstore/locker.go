package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/conversation"
)

// AdvisoryLocker is a conversation.Locker backed by session-level
// PostgreSQL advisory locks, so workers in different processes serialize
// on the same conversation. Each held lock pins one pool connection.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLocker returns a locker using pool.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Lock blocks until the advisory lock for key is held or ctx ends.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// a cancelled wait leaves the connection in an unknown state
		conn.Conn().Close(context.Background()) //nolint:errcheck // connection is discarded
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	return func() {
		// unlock must run even when the caller's ctx is already done
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			log.FromContext(ctx).Error(ctx, err, "advisory unlock failed", "key", key)
			conn.Conn().Close(context.Background()) //nolint:errcheck // closing drops the lock
		}
		conn.Release()
	}, nil
}

var _ conversation.Locker = (*AdvisoryLocker)(nil)
