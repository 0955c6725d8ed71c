// SPDX-License-Identifier: Apache-2.0

// Package sqlite opens the single-file ledger used in lite mode and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Migrations returns the ledger schema, one statement per entry.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			address    BLOB PRIMARY KEY CHECK (length(address) = 20),
			balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			role       TEXT NOT NULL DEFAULT 'NONE' CHECK (role IN ('NONE', 'OPERATOR')),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,

		`CREATE TABLE IF NOT EXISTS shamans (
			id           BLOB PRIMARY KEY CHECK (length(id) = 32),
			creator      BLOB NOT NULL CHECK (length(creator) = 20),
			active       INTEGER NOT NULL DEFAULT 1,
			created_at   INTEGER NOT NULL,
			balance      INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			metadata_ref TEXT NOT NULL,
			log_seq      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shamans_creator ON shamans(creator, created_at)`,

		`CREATE TABLE IF NOT EXISTS shaman_logs (
			id           BLOB PRIMARY KEY CHECK (length(id) = 32),
			shaman_id    BLOB NOT NULL REFERENCES shamans(id),
			seq          INTEGER NOT NULL,
			log_type     TEXT NOT NULL CHECK (log_type IN ('EXECUTION', 'DEPOSIT', 'WITHDRAW', 'REFUND')),
			amount       INTEGER NOT NULL CHECK (amount >= 0),
			success      INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			metadata_ref TEXT NOT NULL DEFAULT '',
			UNIQUE(shaman_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shaman_logs_type ON shaman_logs(log_type)`,
		`CREATE TRIGGER IF NOT EXISTS shaman_logs_no_update
			BEFORE UPDATE ON shaman_logs
			BEGIN SELECT RAISE(ABORT, 'shaman_logs is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS shaman_logs_no_delete
			BEFORE DELETE ON shaman_logs
			BEGIN SELECT RAISE(ABORT, 'shaman_logs is append-only'); END`,

		`CREATE TABLE IF NOT EXISTS sale_state (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			sold INTEGER NOT NULL DEFAULT 0 CHECK (sold >= 0)
		)`,
		`INSERT INTO sale_state (id, sold) VALUES (1, 0) ON CONFLICT(id) DO NOTHING`,
	}
}

// Open opens path (":memory:" for an ephemeral ledger) and applies the schema.
//
// The pool is limited to one connection: SQLite allows a single writer, and
// funnelling every transaction through one connection turns lock contention
// into queueing instead of SQLITE_BUSY errors.
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty sqlite path")
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if err := EnsureSchema(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	return "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}

func EnsureSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if db == nil {
		return errors.New("nil sqlite database")
	}
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()
	for i, stmt := range Migrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply sqlite migration %d: %w", i, err)
		}
	}

	logger.Info("sqlite schema ready",
		"statements", len(Migrations()),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// HealthChecker backs /healthz for lite mode.
type HealthChecker struct {
	db *sql.DB
}

func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{db: db}
}

func (h *HealthChecker) Check(ctx context.Context) error {
	var n int
	return h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sale_state`).Scan(&n)
}
