// Package sqlite is the embedded ledger store used for local runs and tests.
// Transactions open with BEGIN IMMEDIATE, so writers are serialized and the
// read-then-update sequences in the ledger see a stable snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05.000000"

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(path string) (*sql.DB, error) {
	memory := path == ":memory:"

	dsn := "file:" + path
	if memory {
		dsn = "file::memory:"
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			total_amount   TEXT NOT NULL,
			payment_status TEXT NOT NULL DEFAULT 'pending'
				CHECK (payment_status IN ('pending','paid','failed','refunded')),
			status         TEXT NOT NULL DEFAULT 'pending',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id            INTEGER NOT NULL REFERENCES orders(id),
			transaction_ref     TEXT NOT NULL UNIQUE,
			merchant_request_id TEXT NOT NULL DEFAULT '',
			amount              TEXT NOT NULL,
			phone_number        TEXT NOT NULL,
			payment_method      TEXT NOT NULL DEFAULT 'mpesa',
			status              TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','completed','failed')),
			result_code         INTEGER,
			result_desc         TEXT,
			receipt_number      TEXT,
			payment_details     TEXT NOT NULL DEFAULT '{}',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,
			completed_at        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_order ON payment_transactions(order_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS order_status_history (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id        INTEGER NOT NULL REFERENCES orders(id),
			field           TEXT NOT NULL,
			from_status     TEXT NOT NULL,
			to_status       TEXT NOT NULL,
			source          TEXT NOT NULL,
			transaction_ref TEXT,
			note            TEXT,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_status_history_order ON order_status_history(order_id)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_issues (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			kind            TEXT NOT NULL,
			order_id        INTEGER NOT NULL,
			transaction_ref TEXT NOT NULL DEFAULT '',
			detail          TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			resolved_at     TEXT
		)`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertHistory(ctx context.Context, q execer, orderID int64, field, from, to, source string, ref, note *string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, field, from_status, to_status, source, transaction_ref, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, orderID, field, from, to, source, ref, note, now())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func insertIssue(ctx context.Context, q execer, kind string, orderID int64, ref, detail string) (int64, string, error) {
	created := now()
	res, err := q.ExecContext(ctx, `
		INSERT INTO reconciliation_issues (kind, order_id, transaction_ref, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, kind, orderID, ref, detail, created)
	if err != nil {
		return 0, "", fmt.Errorf("insert issue: %w", err)
	}
	id, err := res.LastInsertId()
	return id, created, err
}
