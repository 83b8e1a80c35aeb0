package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/mhmd-249/cbi/internal/cfg"
	"github.com/mhmd-249/cbi/internal/conversation"
	convmem "github.com/mhmd-249/cbi/internal/conversation/memstore"
	convpg "github.com/mhmd-249/cbi/internal/conversation/pgstore"
	"github.com/mhmd-249/cbi/internal/linking"
	linkmem "github.com/mhmd-249/cbi/internal/linking/memstore"
	linkpg "github.com/mhmd-249/cbi/internal/linking/pgstore"
	"github.com/mhmd-249/cbi/internal/linking/sqlitestore"
	"github.com/mhmd-249/cbi/internal/postgres"
	"github.com/mhmd-249/cbi/internal/queue"
	"github.com/mhmd-249/cbi/internal/queue/memqueue"
	"github.com/mhmd-249/cbi/internal/queue/pgqueue"
	"github.com/mhmd-249/cbi/internal/realtime"
	"github.com/mhmd-249/cbi/internal/realtime/hub"
	"github.com/mhmd-249/cbi/internal/realtime/pgbroker"
)

// backends groups the storage and transport the process runs on. With a
// database URL everything lives in PostgreSQL and several processes can
// share it; without one everything is in memory (reports optionally in
// SQLite) and the process must run with role=all.
type backends struct {
	queue   queue.Queue
	convs   conversation.Store
	locker  conversation.Locker
	reports linking.Store
	broker  realtime.Broker

	// runBroker keeps the realtime listener connected; nil for the
	// in-process hub.
	runBroker func(context.Context) error
	closers   []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, appCfg *vc.Config, pgCfg postgres.Config, hasher conversation.Hasher, L log.Logger) (*backends, error) {
	if pgCfg.URL == "" {
		return openMemory(ctx, appCfg, hasher, L)
	}

	pool, err := postgres.NewPool(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	b := &backends{closers: []func(){pool.Close}}

	q, err := pgqueue.New(ctx, pool)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("pgqueue init: %w", err)
	}
	convs, err := convpg.New(ctx, pool, hasher, convpg.WithTTLs(appCfg.StateTTL, appCfg.SessionTTL))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("conversation pgstore init: %w", err)
	}
	reports, err := linkpg.New(ctx, pool)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("report pgstore init: %w", err)
	}
	broker := pgbroker.New(pool, L)

	b.queue = q
	b.convs = convs
	b.locker = convpg.NewAdvisoryLocker(pool)
	b.reports = reports
	b.broker = broker
	b.runBroker = broker.Run
	b.closers = append(b.closers, broker.Close)

	L.Info(ctx, "using postgres backends", "max_conns", pgCfg.MaxConns)
	return b, nil
}

func openMemory(ctx context.Context, appCfg *vc.Config, hasher conversation.Hasher, L log.Logger) (*backends, error) {
	if appCfg.Role != vc.RoleAll {
		return nil, fmt.Errorf("role %q needs a shared database; set database-url or use role=all", appCfg.Role)
	}

	h := hub.New(0)
	b := &backends{
		queue:   memqueue.New(),
		convs:   convmem.New(hasher, convmem.WithTTLs(appCfg.StateTTL, appCfg.SessionTTL)),
		locker:  convmem.NewKeyedMutex(),
		broker:  h,
		closers: []func(){h.Close},
	}

	if appCfg.ReportsSQLite != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := sqlitestore.Open(openCtx, appCfg.ReportsSQLite)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("sqlite report store: %w", err)
		}
		b.reports = s
		b.closers = append(b.closers, func() {
			if err := s.Close(); err != nil {
				L.Error(ctx, err, "failed to close sqlite report store")
			}
		})
		L.Info(ctx, "using in-memory queue and conversations, sqlite reports", "path", appCfg.ReportsSQLite)
		return b, nil
	}

	b.reports = linkmem.New()
	L.Warn(ctx, "using in-memory backends (no database-url configured); state is lost on restart")
	return b, nil
}
