package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	storageErrors "github.com/xtrntr/p2pexchange/internal/errors/storage"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/storage"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool        *pgxpool.Pool
	maxAttempts int
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxAttempts int) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(pool, maxAttempts), nil
}

// New wraps an existing pool
func New(pool *pgxpool.Pool, maxAttempts int) *DB {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &DB{Pool: pool, maxAttempts: maxAttempts}
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the embedded goose migrations
func (db *DB) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("goose.UpContext: %w", err)
	}
	return nil
}

// InTx runs fn in a serializable transaction. Serialization failures and
// deadlocks restart fn against fresh state, up to maxAttempts times.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	var err error
	for attempt := 1; attempt <= db.maxAttempts; attempt++ {
		err = db.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}

		metrics.TxRetries.Inc()
		logger.Debug(ctx, "retrying transaction",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return err
}

func (db *DB) runTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx implements storage.Tx on a pgx transaction
type Tx struct {
	tx pgx.Tx
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
	}
	return false
}

func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storageErrors.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, storageErrors.ErrAlreadyExists)
	}

	return fmt.Errorf("%s: %w", op, err)
}
