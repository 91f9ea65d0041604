// Package database owns the Postgres side of the pipeline: pgx pool
// construction with the acquisition contract (deadline, liveness check,
// recycling), schema migrations, and lease tracking for leak detection.
package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/jackc/tern/v2/migrate"
	"github.com/newrelic/go-agent/v3/integrations/nrpgx5"
	"github.com/rs/zerolog"

	zerologadapter "github.com/jackc/pgx-zerolog"

	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const versionTable = "schema_version"

// RunMigrations applies any pending schema migrations over a dedicated
// single connection.
func RunMigrations(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connect for migrations: %w", err)
	}
	defer conn.Close(ctx)

	m, err := migrate.NewMigrator(ctx, conn, versionTable)
	if err != nil {
		return fmt.Errorf("new migrator: %w", err)
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	if err := m.LoadMigrations(sub); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Pool wraps pgxpool with the acquisition discipline the workers depend on:
// bounded acquire time, liveness-checked sessions, recycling past the
// configured age, and per-lease age tracking.
type Pool struct {
	inner          *pgxpool.Pool
	acquireTimeout time.Duration
	leases         *leaseTracker
	log            zerolog.Logger
}

// NewPool builds the pool per the configured contract. MaxConns is
// size + overflow; MinConns keeps the steady-state size warm so overflow
// sessions are the ones closed when idle.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, obs *config.ObservabilityConfig, log zerolog.Logger) (*Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pc.MaxConns = int32(cfg.PoolSize + cfg.PoolOverflow)
	pc.MinConns = int32(cfg.PoolSize)
	pc.MaxConnLifetime = cfg.RecycleAfterDuration()
	pc.MaxConnIdleTime = 5 * time.Minute

	if obs != nil && obs.NewRelicLicenseKey != "" {
		pc.ConnConfig.Tracer = nrpgx5.NewTracer()
	} else {
		pc.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   zerologadapter.NewLogger(log),
			LogLevel: tracelog.LogLevelWarn,
		}
	}
	if cfg.HealthCheckOnAcquire {
		pc.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
			return conn.Ping(ctx) == nil
		}
	}

	inner, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	thresholds := make([]time.Duration, len(cfg.LeakThresholds))
	for i, s := range cfg.LeakThresholds {
		thresholds[i] = time.Duration(s) * time.Second
	}
	metrics.PoolMax.Set(float64(pc.MaxConns))

	return &Pool{
		inner:          inner,
		acquireTimeout: cfg.AcquireTimeoutDuration(),
		leases:         newLeaseTracker(thresholds),
		log:            log.With().Str("component", "dbpool").Logger(),
	}, nil
}

// Session is one leased connection. Callers must Release (or Discard) every
// session; the lease tracker counts the ones they don't.
type Session struct {
	conn  *pgxpool.Conn
	pool  *Pool
	lease uint64
	done  bool
}

// Acquire leases a session, failing after the configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	start := time.Now()
	conn, err := p.inner.Acquire(ctx)
	metrics.PoolAcquireDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	return &Session{conn: conn, pool: p, lease: p.leases.open(time.Now())}, nil
}

// Conn exposes the underlying pgx connection for queries.
func (s *Session) Conn() *pgxpool.Conn { return s.conn }

// Release returns the session to the pool.
func (s *Session) Release() {
	if s.done {
		return
	}
	s.done = true
	s.pool.leases.close(s.lease)
	s.conn.Release()
}

// Discard removes the session from the pool entirely. Use after errors that
// leave the connection state unknown.
func (s *Session) Discard(ctx context.Context) {
	if s.done {
		return
	}
	s.done = true
	s.pool.leases.close(s.lease)
	_ = s.conn.Hijack().Close(ctx)
}

// WithTx runs fn inside a transaction on a freshly acquired session. The
// transaction commits when fn returns nil and rolls back otherwise; either
// way the session is returned before WithTx returns.
func (p *Pool) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	sess, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	tx, err := sess.Conn().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			p.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping verifies store reachability.
func (p *Pool) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}

// Stat reports the pool's current state.
func (p *Pool) Stat() *pgxpool.Stat { return p.inner.Stat() }

// Close shuts the pool down. Outstanding sessions are waited for by pgxpool.
func (p *Pool) Close() {
	p.inner.Close()
}

// StartMonitor refreshes the pool gauges and long-held lease counts every
// interval until ctx is cancelled.
func (p *Pool) StartMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.observe()
			}
		}
	}()
}

func (p *Pool) observe() {
	st := p.inner.Stat()
	metrics.PoolInUse.Set(float64(st.AcquiredConns()))
	metrics.PoolIdle.Set(float64(st.IdleConns()))

	counts, leaks := p.leases.snapshot(time.Now())
	for i, th := range p.leases.thresholds {
		metrics.PoolLongHeld.WithLabelValues(fmt.Sprintf("%d", int(th.Seconds()))).Set(float64(counts[i]))
	}
	if leaks > 0 {
		metrics.PoolLeaks.Add(float64(leaks))
		p.log.Warn().Int("leaked", leaks).Msg("sessions held past the leak threshold")
	}
}
