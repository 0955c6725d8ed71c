// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	embeddedmigrations "github.com/Interstation-Research/shaman/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x53484d5f4d494752 // "SHM_MIGR"

// ErrChecksumMismatch means an applied migration file was edited afterwards.
var ErrChecksumMismatch = errors.New("applied migration checksum mismatch")

// ledgerColumns lists what the repository queries rely on, per table.
var ledgerColumns = map[string][]string{
	"accounts":    {"address", "balance", "role"},
	"shamans":     {"id", "creator", "active", "balance", "metadata_ref", "log_seq"},
	"shaman_logs": {"id", "shaman_id", "seq", "log_type", "amount", "success", "metadata_ref"},
	"sale_state":  {"id", "sold"},
}

// SchemaHealthChecker backs /healthz readiness for the Postgres ledger.
type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

type appliedMigration struct {
	name     string
	checksum string
}

// EnsureSchema applies pending embedded migrations under an advisory lock so
// several api replicas can boot at once. Already applied versions must still
// match their recorded checksum.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for migrations: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); err != nil {
			logger.Error("migration unlock failed", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}

	var pending []embeddedmigrations.File
	for _, m := range migrations {
		prev, ok := applied[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if prev.checksum != m.Checksum {
			return fmt.Errorf("%w: %s (recorded as %s)", ErrChecksumMismatch, m.Name, prev.name)
		}
	}

	for _, m := range pending {
		if err := applyMigration(ctx, conn, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		logger.Info("migration applied", "version", m.Version, "file", m.Name)
	}

	logger.Info("ledger schema ready",
		"applied", len(pending),
		"current", migrations[len(migrations)-1].Version,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return SchemaReady(ctx, pool)
}

func loadApplied(ctx context.Context, conn *pgxpool.Conn) (map[int]appliedMigration, error) {
	rows, err := conn.Query(ctx, `SELECT version, filename, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			version int
			m       appliedMigration
		)
		if err := rows.Scan(&version, &m.name, &m.checksum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = m
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m embeddedmigrations.File) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, m.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, filename, checksum)
		VALUES ($1, $2, $3)
	`, m.Version, m.Name, m.Checksum); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SchemaReady reports whether every ledger column exists and the sale
// counter row has been seeded.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	tables := make([]string, 0, len(ledgerColumns))
	for table := range ledgerColumns {
		tables = append(tables, table)
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND table_name = ANY($1)
	`, tables)
	if err != nil {
		return fmt.Errorf("read ledger columns: %w", err)
	}
	present := make(map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			rows.Close()
			return fmt.Errorf("scan ledger columns: %w", err)
		}
		present[table+"."+column] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read ledger columns: %w", err)
	}

	if missing := missingColumns(present); len(missing) > 0 {
		return fmt.Errorf("ledger schema incomplete, missing %s", strings.Join(missing, ", "))
	}

	var seeded bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sale_state WHERE id = 1)`).Scan(&seeded); err != nil {
		return fmt.Errorf("check sale_state: %w", err)
	}
	if !seeded {
		return errors.New("sale_state row missing")
	}
	return nil
}

func missingColumns(present map[string]bool) []string {
	var missing []string
	for table, columns := range ledgerColumns {
		for _, column := range columns {
			if key := table + "." + column; !present[key] {
				missing = append(missing, key)
			}
		}
	}
	sort.Strings(missing)
	return missing
}
