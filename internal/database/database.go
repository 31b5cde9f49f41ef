// Package database manages the PostgreSQL connection pool, health checks, and
// database migrations for clipvault. It uses pgx for direct PostgreSQL access
// without an ORM, and golang-migrate for schema migrations. Single-statement
// queries and execs go through DB's own wrappers rather than the raw pool, so
// a transient connection error (dropped connection, deadlock, pool
// exhaustion) is retried with backoff+jitter instead of surfacing straight
// to the caller. The multi-statement deletes (channel and guild purge,
// message hard delete, guild soft delete) open transactions on the raw pool
// and are not retried.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/clipvault/clipvault/internal/errs"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps a pgx connection pool and provides health checks, graceful
// shutdown, and transient-error retry for every query issued against it.
type DB struct {
	Pool     *pgxpool.Pool
	retryCfg errs.RetryConfig
	logger   *slog.Logger
}

// New creates a new database connection pool with the given PostgreSQL URL and
// maximum connection count. It verifies connectivity with a ping before returning.
// Repository calls issued through the pool are retried per errs.DefaultRetryConfig;
// use NewWithRetryConfig to override it.
func New(ctx context.Context, databaseURL string, maxConns int, logger *slog.Logger) (*DB, error) {
	return NewWithRetryConfig(ctx, databaseURL, maxConns, errs.DefaultRetryConfig, logger)
}

// NewWithRetryConfig is New with an explicit retry schedule, wired to
// config.DatabaseConfig's retry_max_attempts/retry_base_delay/retry_max_delay.
func NewWithRetryConfig(ctx context.Context, databaseURL string, maxConns int, retryCfg errs.RetryConfig, logger *slog.Logger) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	config.MaxConns = int32(maxConns)
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connection established",
		slog.String("host", config.ConnConfig.Host),
		slog.Int("max_conns", maxConns),
	)

	return &DB{Pool: pool, retryCfg: retryCfg, logger: logger}, nil
}

// Exec runs sql against the pool, retrying transient errors per db.retryCfg.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := errs.Retry(ctx, db.retryCfg, func() error {
		var execErr error
		tag, execErr = db.Pool.Exec(ctx, sql, args...)
		return classifyPgError(execErr)
	})
	return tag, err
}

// Query runs sql against the pool, retrying transient errors per db.retryCfg.
// Only the initial round trip is retried; row iteration is left to the
// caller as with any pgx.Rows.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := errs.Retry(ctx, db.retryCfg, func() error {
		var queryErr error
		rows, queryErr = db.Pool.Query(ctx, sql, args...)
		return classifyPgError(queryErr)
	})
	return rows, err
}

// QueryRowResult adapts pgx.Row's lazy-error Scan to a retryable shape: the
// query isn't actually sent until Scan is called, so QueryRow itself runs
// the round trip eagerly via Query and replays the first row into Scan.
type QueryRowResult struct {
	rows pgx.Rows
	err  error
}

// Scan behaves like pgx.Row.Scan against the row captured by QueryRow.
func (r *QueryRowResult) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

// QueryRow runs sql against the pool, retrying transient errors per
// db.retryCfg, and returns a Scan-able single-row result.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...any) *QueryRowResult {
	rows, err := db.Query(ctx, sql, args...)
	return &QueryRowResult{rows: rows, err: err}
}

// classifyPgError tags a pgx/pgconn error as transient (connection drop,
// timeout, deadlock, pool exhaustion) or permanent, for errs.Retry.
// Constraint violations and "no rows" are never retried.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return errs.Wrap(errs.KindPermanent, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P03", "08000", "08003", "08006", "08001", "08004":
			return errs.Wrap(errs.KindTransient, err)
		default:
			return errs.Wrap(errs.KindPermanent, err)
		}
	}

	// Connection-level errors (closed pool, dial failure, context deadline
	// racing the network) arrive without a PgError; treat them as
	// transient, the conservative default for an unclassified DB error.
	return errs.Wrap(errs.KindTransient, err)
}

// HealthCheck verifies the database connection is alive by executing a simple query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	err := db.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Close gracefully shuts down the connection pool.
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// MigrateUp runs all pending database migrations from the embedded migrations
// directory. It returns an error if any migration fails.
func MigrateUp(databaseURL string, logger *slog.Logger) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}

	logger.Info("running database migrations (up)")

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("getting migration version: %w", err)
	}

	logger.Info("migrations complete",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}

	return nil
}

// MigrateDown rolls back all database migrations. Use with caution.
func MigrateDown(databaseURL string, logger *slog.Logger) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}

	logger.Warn("running database migrations (down) â€” this will drop all tables")

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations down: %w", err)
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}

	logger.Info("migrations rolled back")
	return nil
}

// MigrateStatus returns the current migration version and dirty state.
func MigrateStatus(databaseURL string) (version uint, dirty bool, err error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if err != nil && err != migrate.ErrNoChange {
		return 0, false, fmt.Errorf("getting migration status: %w", err)
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return version, dirty, fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return version, dirty, fmt.Errorf("closing migration database: %w", dbErr)
	}

	return version, dirty, nil
}

// newMigrator creates a new migrate.Migrate instance using the embedded SQL files.
func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}

	return m, nil
}
