package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnectDB opens a pool, retrying with exponential backoff while the
// database comes up.
func ConnectDB(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 5 * time.Minute

	const maxRetries = 5
	delay := 2 * time.Second

	for i := 1; i <= maxRetries; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, connErr := pgxpool.NewWithConfig(attemptCtx, config)
		if connErr == nil {
			connErr = pool.Ping(attemptCtx)
			if connErr == nil {
				cancel()
				return pool, nil
			}
			pool.Close()
		}
		cancel()
		err = connErr

		logger.Warn("database connection failed",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if i < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id             BIGSERIAL PRIMARY KEY,
		total_amount   NUMERIC(18,2) NOT NULL,
		payment_status VARCHAR(20) NOT NULL DEFAULT 'pending',
		status         VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT orders_payment_status_chk CHECK (payment_status IN ('pending','paid','failed','refunded'))
	)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id                  BIGSERIAL PRIMARY KEY,
		order_id            BIGINT NOT NULL REFERENCES orders(id),
		transaction_ref     VARCHAR(100) NOT NULL UNIQUE,
		merchant_request_id VARCHAR(100) NOT NULL DEFAULT '',
		amount              NUMERIC(18,2) NOT NULL,
		phone_number        VARCHAR(20) NOT NULL,
		payment_method      VARCHAR(20) NOT NULL DEFAULT 'mpesa',
		status              VARCHAR(20) NOT NULL DEFAULT 'pending',
		result_code         INTEGER,
		result_desc         TEXT,
		receipt_number      VARCHAR(50),
		payment_details     JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at        TIMESTAMPTZ,
		CONSTRAINT payment_transactions_status_chk CHECK (status IN ('pending','completed','failed'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_order ON payment_transactions(order_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_completed ON payment_transactions(order_id) WHERE status = 'completed'`,
	`CREATE TABLE IF NOT EXISTS order_status_history (
		id              BIGSERIAL PRIMARY KEY,
		order_id        BIGINT NOT NULL REFERENCES orders(id),
		field           VARCHAR(20) NOT NULL,
		from_status     VARCHAR(20) NOT NULL,
		to_status       VARCHAR(20) NOT NULL,
		source          VARCHAR(20) NOT NULL,
		transaction_ref VARCHAR(100),
		note            TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_status_history_order ON order_status_history(order_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_issues (
		id              BIGSERIAL PRIMARY KEY,
		kind            VARCHAR(40) NOT NULL,
		order_id        BIGINT NOT NULL,
		transaction_ref VARCHAR(100) NOT NULL DEFAULT '',
		detail          TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		resolved_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_issues_open ON reconciliation_issues(created_at) WHERE resolved_at IS NULL`,
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// withTx runs fn inside a read-committed transaction.
func withTx(ctx context.Context, db *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, q pgx.Tx, orderID int64, field, from, to, source string, ref, note *string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO order_status_history (order_id, field, from_status, to_status, source, transaction_ref, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, orderID, field, from, to, source, ref, note)
	if err != nil {
		return fmt.Errorf("failed to record status history: %w", err)
	}
	return nil
}

func insertIssue(ctx context.Context, q pgx.Tx, kind string, orderID int64, ref, detail string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO reconciliation_issues (kind, order_id, transaction_ref, detail)
		VALUES ($1, $2, $3, $4)
	`, kind, orderID, ref, detail)
	if err != nil {
		return fmt.Errorf("failed to record reconciliation issue: %w", err)
	}
	return nil
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
