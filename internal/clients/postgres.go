package clients

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/control"
	"github.com/DominicOram/dodal/internal/events"
)

const postgresProbeName = "postgres"

const createDeviceEvents = `CREATE TABLE IF NOT EXISTS device_events (
	id       UUID PRIMARY KEY,
	beamline TEXT NOT NULL,
	device   TEXT NOT NULL,
	kind     TEXT NOT NULL,
	state    TEXT NOT NULL,
	error    TEXT NOT NULL DEFAULT '',
	at       TIMESTAMPTZ NOT NULL
)`

const insertDeviceEvent = `INSERT INTO device_events (id, beamline, device, kind, state, error, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

// db abstracts the pgxpool.Pool methods the audit log uses so that tests can
// inject a fake without standing up a real database.
type db interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresAuditLog appends every device event to the device_events table.
type PostgresAuditLog struct {
	cfg     config.PostgresConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.PostgresConfig) (db, error)

	mu   sync.Mutex
	pool db
}

// NewPostgresAuditLog creates a PostgresAuditLog that opens its pool on first
// use.
func NewPostgresAuditLog(cfg config.PostgresConfig, cb *gobreaker.CircuitBreaker) *PostgresAuditLog {
	return &PostgresAuditLog{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
	}
}

// Provision creates the device_events table if it is missing.
func (l *PostgresAuditLog) Provision(ctx context.Context) error {
	_, err := l.cb.Execute(func() (any, error) {
		pool, err := l.db(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := pool.Exec(ctx, createDeviceEvents); err != nil {
			return nil, fmt.Errorf("creating device_events: %w", err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Publish inserts e. Replaying an event already recorded is a no-op.
func (l *PostgresAuditLog) Publish(ctx context.Context, e events.Event) error {
	_, err := l.cb.Execute(func() (any, error) {
		pool, err := l.db(ctx)
		if err != nil {
			return nil, err
		}
		_, err = pool.Exec(ctx, insertDeviceEvent,
			e.ID, e.Beamline, e.Device, string(e.Kind), e.State, e.Error, e.Time)
		if err != nil {
			return nil, fmt.Errorf("inserting device event: %w", err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Probe pings the server and verifies the device_events table exists.
func (l *PostgresAuditLog) Probe(ctx context.Context) control.ProbeResult {
	start := time.Now()

	_, err := l.cb.Execute(func() (any, error) {
		pool, err := l.db(ctx)
		if err != nil {
			return nil, err
		}

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}

		var exists int
		row := pool.QueryRow(ctx,
			"SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='device_events'",
		)
		if err := row.Scan(&exists); err != nil {
			return nil, fmt.Errorf("device_events table not found: %w", err)
		}
		return nil, nil
	})

	return probeResult(postgresProbeName, start, err)
}

// Close closes the pool, if one was opened.
func (l *PostgresAuditLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool != nil {
		l.pool.Close()
		l.pool = nil
	}
}

func (l *PostgresAuditLog) db(ctx context.Context) (db, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool != nil {
		return l.pool, nil
	}
	pool, err := l.connect(ctx, l.cfg)
	if err != nil {
		return nil, err
	}
	l.pool = pool
	return pool, nil
}

// realConnect opens a pgxpool.Pool using the provided PostgresConfig.
func realConnect(ctx context.Context, cfg config.PostgresConfig) (db, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}
