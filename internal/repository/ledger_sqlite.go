// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Interstation-Research/shaman/internal/domain"
)

// SQLite primary result codes; extended codes keep them in the low byte.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// SQLiteLedger is the lite-mode ledger store. It expects a *sql.DB opened by
// persistence/sqlite, which pins the pool to one connection.
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteLedger(db *sql.DB, logger *slog.Logger) *SQLiteLedger {
	if logger == nil {
		logger = slog.Default()
	}

	return &SQLiteLedger{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (l *SQLiteLedger) clock() time.Time {
	return l.now().UTC().Truncate(time.Second)
}

type sqliteCoder interface {
	Code() int
}

func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}

	var coded sqliteCoder
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return fmt.Errorf("%w: %v", domain.ErrWriteConflict, err)
		}
	}
	return err
}

const sqliteShamanColumns = `id, creator, active, created_at, balance, metadata_ref`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteShaman(row scanner) (domain.Shaman, error) {
	var (
		s         domain.Shaman
		idRaw     []byte
		creator   []byte
		active    int64
		createdAt int64
		balance   int64
	)
	if err := row.Scan(&idRaw, &creator, &active, &createdAt, &balance, &s.MetadataRef); err != nil {
		return domain.Shaman{}, err
	}

	var err error
	if s.ID, err = toID(idRaw); err != nil {
		return domain.Shaman{}, err
	}
	if s.Creator, err = toAddress(creator); err != nil {
		return domain.Shaman{}, err
	}
	s.Active = active != 0
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.Balance = uint64(balance)
	return s, nil
}

func scanSQLiteLog(row scanner) (domain.LogEntry, error) {
	var (
		e         domain.LogEntry
		idRaw     []byte
		shamanRaw []byte
		logType   string
		amount    int64
		success   int64
		createdAt int64
	)
	if err := row.Scan(&idRaw, &shamanRaw, &e.Seq, &logType, &amount, &success, &createdAt, &e.MetadataRef); err != nil {
		return domain.LogEntry{}, err
	}

	var err error
	if e.ID, err = toID(idRaw); err != nil {
		return domain.LogEntry{}, err
	}
	if e.ShamanID, err = toID(shamanRaw); err != nil {
		return domain.LogEntry{}, err
	}
	e.Type = domain.LogType(logType)
	e.Amount = uint64(amount)
	e.Success = success != 0
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return e, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (l *SQLiteLedger) GetShaman(ctx context.Context, id domain.ID) (domain.Shaman, error) {
	s, err := scanSQLiteShaman(l.db.QueryRowContext(ctx,
		`SELECT `+sqliteShamanColumns+` FROM shamans WHERE id=?`, id[:],
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			l.logger.Error("get shaman failed", "shaman_id", id, "error", err)
		}
		return domain.Shaman{}, classifySQLiteError(err)
	}
	return s, nil
}

func (l *SQLiteLedger) ListShamans(ctx context.Context, filter domain.ShamanFilter) ([]domain.Shaman, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Creator.IsZero() {
		where = append(where, "creator=?")
		args = append(args, filter.Creator[:])
	}
	if filter.ActiveOnly {
		where = append(where, "active=1")
	}

	query := `SELECT ` + sqliteShamanColumns + ` FROM shamans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		l.logger.Error("list shamans failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Shaman, 0)
	for rows.Next() {
		s, err := scanSQLiteShaman(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) CreateShaman(ctx context.Context, params domain.CreateShamanParams) (domain.Shaman, error) {
	if err := validAmount(params.InitialDeposit); err != nil {
		return domain.Shaman{}, err
	}
	if err := validRef(params.MetadataRef); err != nil {
		return domain.Shaman{}, err
	}

	now := l.clock()
	s := domain.Shaman{
		ID:          newShamanID(params.Creator, now),
		Creator:     params.Creator,
		Active:      true,
		CreatedAt:   now,
		Balance:     params.InitialDeposit,
		MetadataRef: strings.TrimSpace(params.MetadataRef),
	}

	err := l.inTx(ctx, "create shaman", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance - ?, updated_at = unixepoch()
			WHERE address = ? AND balance >= ?
		`, int64(params.InitialDeposit), params.Creator[:], int64(params.InitialDeposit))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrInsufficientBalance
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO shamans (id, creator, active, created_at, balance, metadata_ref, log_seq)
			VALUES (?, ?, 1, ?, ?, ?, 1)
		`, s.ID[:], s.Creator[:], s.CreatedAt.Unix(), int64(s.Balance), s.MetadataRef); err != nil {
			return err
		}

		return insertSQLiteLog(ctx, tx, newLogEntry(s.ID, 1, domain.LogDeposit, params.InitialDeposit, true, "", now))
	})
	if err != nil {
		return domain.Shaman{}, err
	}

	l.logger.Info("shaman created",
		"shaman_id", s.ID,
		"creator", s.Creator,
		"initial_deposit", s.Balance,
	)
	return s, nil
}

func (l *SQLiteLedger) UpdateMetadata(ctx context.Context, id domain.ID, caller domain.Address, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}

	err := l.inTx(ctx, "update metadata", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE shamans SET metadata_ref=? WHERE id=? AND active=1 AND creator=?
		`, strings.TrimSpace(ref), id[:], caller[:])
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return l.explainMiss(ctx, tx, id, &caller)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Info("shaman metadata updated", "shaman_id", id, "metadata_ref", ref)
	return nil
}

func (l *SQLiteLedger) CancelShaman(ctx context.Context, id domain.ID, caller domain.Address) (domain.Shaman, error) {
	var s domain.Shaman
	err := l.inTx(ctx, "cancel shaman", func(tx *sql.Tx) error {
		var err error
		s, err = scanSQLiteShaman(tx.QueryRowContext(ctx,
			`SELECT `+sqliteShamanColumns+` FROM shamans WHERE id=?`, id[:],
		))
		if err != nil {
			return err
		}
		if !s.Active {
			return domain.ErrNotFound
		}
		if s.Creator != caller {
			return domain.ErrForbidden
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `
			UPDATE shamans SET active=0, balance=0, log_seq = log_seq + ?
			WHERE id=?
			RETURNING log_seq
		`, boolInt(s.Balance > 0), id[:]).Scan(&seq); err != nil {
			return err
		}

		if s.Balance == 0 {
			return nil
		}
		if err := insertSQLiteLog(ctx, tx, newLogEntry(s.ID, seq, domain.LogWithdraw, s.Balance, true, "", l.clock())); err != nil {
			return err
		}
		return creditSQLiteAccount(ctx, tx, s.Creator, s.Balance)
	})
	if err != nil {
		return domain.Shaman{}, err
	}

	l.logger.Info("shaman canceled", "shaman_id", id, "refunded", s.Balance)
	s.Active = false
	s.Balance = 0
	return s, nil
}

func (l *SQLiteLedger) AddBalance(ctx context.Context, id domain.ID, from domain.Address, amount uint64) (domain.LogEntry, uint64, error) {
	if err := validAmount(amount); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "deposit", id, amount, func(tx *sql.Tx) (uint64, int64, error) {
		balance, seq, err := l.adjust(ctx, tx, id, amount, true, nil)
		if err != nil {
			return 0, 0, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance - ?, updated_at = unixepoch()
			WHERE address = ? AND balance >= ?
		`, int64(amount), from[:], int64(amount))
		if err != nil {
			return 0, 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, 0, domain.ErrInsufficientBalance
		}
		return balance, seq, nil
	}, domain.LogDeposit, true, "")
}

func (l *SQLiteLedger) WithdrawBalance(ctx context.Context, id domain.ID, caller domain.Address, amount uint64) (domain.LogEntry, uint64, error) {
	if err := validAmount(amount); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "withdraw", id, amount, func(tx *sql.Tx) (uint64, int64, error) {
		balance, seq, err := l.adjust(ctx, tx, id, amount, false, &caller)
		if err != nil {
			return 0, 0, err
		}
		if err := creditSQLiteAccount(ctx, tx, caller, amount); err != nil {
			return 0, 0, err
		}
		return balance, seq, nil
	}, domain.LogWithdraw, true, "")
}

func (l *SQLiteLedger) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) (domain.LogEntry, uint64, error) {
	if err := validAmount(rec.UnitCost); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "execution", rec.ShamanID, rec.UnitCost, func(tx *sql.Tx) (uint64, int64, error) {
		return l.adjust(ctx, tx, rec.ShamanID, rec.UnitCost, false, nil)
	}, domain.LogExecution, rec.Success, rec.MetadataRef)
}

func (l *SQLiteLedger) Refund(ctx context.Context, id domain.ID, amount uint64) (domain.LogEntry, uint64, error) {
	if err := validAmount(amount); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "refund", id, amount, func(tx *sql.Tx) (uint64, int64, error) {
		return l.adjust(ctx, tx, id, amount, true, nil)
	}, domain.LogRefund, true, "")
}

func (l *SQLiteLedger) mutate(
	ctx context.Context,
	op string,
	id domain.ID,
	amount uint64,
	apply func(tx *sql.Tx) (uint64, int64, error),
	logType domain.LogType,
	success bool,
	ref string,
) (domain.LogEntry, uint64, error) {
	var (
		entry   domain.LogEntry
		balance uint64
	)
	err := l.inTx(ctx, op, func(tx *sql.Tx) error {
		var (
			seq int64
			err error
		)
		balance, seq, err = apply(tx)
		if err != nil {
			return err
		}
		entry = newLogEntry(id, seq, logType, amount, success, ref, l.clock())
		return insertSQLiteLog(ctx, tx, entry)
	})
	if err != nil {
		return domain.LogEntry{}, 0, err
	}

	l.logger.Info("ledger entry appended",
		"op", op,
		"shaman_id", id,
		"log_id", entry.ID,
		"seq", entry.Seq,
		"amount", amount,
		"balance", balance,
	)
	return entry, balance, nil
}

// inTx runs fn in a transaction and translates driver errors. Unexpected
// failures are logged here so callers only log their own context.
func (l *SQLiteLedger) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.logger.Error("begin tx failed", "op", op, "error", err)
		return classifySQLiteError(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		err = classifySQLiteError(err)
		if !isExpectedLedgerError(err) {
			l.logger.Error("ledger transaction failed", "op", op, "error", err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		l.logger.Error("commit failed", "op", op, "error", err)
		return classifySQLiteError(err)
	}
	return nil
}

func (l *SQLiteLedger) adjust(ctx context.Context, tx *sql.Tx, id domain.ID, amount uint64, credit bool, caller *domain.Address) (uint64, int64, error) {
	query := `UPDATE shamans SET balance = balance - ?, log_seq = log_seq + 1 WHERE id = ? AND active = 1 AND balance >= ?`
	args := []any{int64(amount), id[:], int64(amount)}
	if credit {
		query = `UPDATE shamans SET balance = balance + ?, log_seq = log_seq + 1 WHERE id = ? AND active = 1`
		args = []any{int64(amount), id[:]}
	}
	if caller != nil {
		query += ` AND creator = ?`
		args = append(args, caller[:])
	}
	query += ` RETURNING balance, log_seq`

	var balance, seq int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&balance, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, l.explainMiss(ctx, tx, id, caller)
		}
		return 0, 0, err
	}
	return uint64(balance), seq, nil
}

func (l *SQLiteLedger) explainMiss(ctx context.Context, tx *sql.Tx, id domain.ID, caller *domain.Address) error {
	var (
		creatorRaw []byte
		active     int64
	)
	err := tx.QueryRowContext(ctx, `SELECT creator, active FROM shamans WHERE id=?`, id[:]).Scan(&creatorRaw, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}

	creator, err := toAddress(creatorRaw)
	if err != nil {
		return err
	}
	var who domain.Address
	if caller != nil {
		who = *caller
	}
	return missReason(true, active != 0, creator, who, caller != nil)
}

func insertSQLiteLog(ctx context.Context, tx *sql.Tx, e domain.LogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shaman_logs (id, shaman_id, seq, log_type, amount, success, created_at, metadata_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID[:], e.ShamanID[:], e.Seq, string(e.Type), int64(e.Amount), boolInt(e.Success), e.CreatedAt.Unix(), e.MetadataRef)
	return err
}

func creditSQLiteAccount(ctx context.Context, tx *sql.Tx, addr domain.Address, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (address, balance) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE
		SET balance = balance + excluded.balance, updated_at = unixepoch()
	`, addr[:], int64(amount))
	return err
}

const sqliteLogColumns = `id, shaman_id, seq, log_type, amount, success, created_at, metadata_ref`

func (l *SQLiteLedger) GetLogs(ctx context.Context, id domain.ID, limit int) ([]domain.LogEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+sqliteLogColumns+` FROM shaman_logs WHERE shaman_id=? ORDER BY seq DESC LIMIT ?`,
		id[:], normalizeLimit(limit),
	)
	if err != nil {
		l.logger.Error("get logs failed", "shaman_id", id, "error", err)
		return nil, err
	}
	entries, err := collectSQLiteLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := l.GetShaman(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (l *SQLiteLedger) ListLogsAfter(ctx context.Context, id domain.ID, afterSeq int64) ([]domain.LogEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+sqliteLogColumns+` FROM shaman_logs WHERE shaman_id=? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		id[:], afterSeq, defaultLogLimit,
	)
	if err != nil {
		l.logger.Error("list logs after failed", "shaman_id", id, "after_seq", afterSeq, "error", err)
		return nil, err
	}
	return collectSQLiteLogs(rows)
}

func collectSQLiteLogs(rows *sql.Rows) ([]domain.LogEntry, error) {
	defer rows.Close()

	out := make([]domain.LogEntry, 0)
	for rows.Next() {
		e, err := scanSQLiteLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Reconcile(ctx context.Context, id domain.ID) (domain.Reconciliation, error) {
	var deposits, refunds, withdrawals, executions, balance int64
	err := l.db.QueryRowContext(ctx, `
		SELECT s.balance,
		       COALESCE(SUM(CASE WHEN l.log_type='DEPOSIT' THEN l.amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN l.log_type='REFUND' THEN l.amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN l.log_type='WITHDRAW' THEN l.amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN l.log_type='EXECUTION' THEN l.amount ELSE 0 END), 0)
		FROM shamans s
		LEFT JOIN shaman_logs l ON l.shaman_id = s.id
		WHERE s.id = ?
		GROUP BY s.balance
	`, id[:]).Scan(&balance, &deposits, &refunds, &withdrawals, &executions)
	if err != nil {
		return domain.Reconciliation{}, classifySQLiteError(err)
	}

	return domain.Reconciliation{
		ShamanID:    id,
		Deposits:    uint64(deposits),
		Refunds:     uint64(refunds),
		Withdrawals: uint64(withdrawals),
		Executions:  uint64(executions),
		Balance:     uint64(balance),
	}, nil
}

func (l *SQLiteLedger) GetAccount(ctx context.Context, addr domain.Address) (domain.Account, error) {
	acc := domain.Account{Address: addr, Role: domain.RoleNone}

	var (
		balance int64
		role    string
	)
	err := l.db.QueryRowContext(ctx, `SELECT balance, role FROM accounts WHERE address=?`, addr[:]).Scan(&balance, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return acc, nil
	}
	if err != nil {
		l.logger.Error("get account failed", "address", addr, "error", err)
		return domain.Account{}, err
	}

	acc.Balance = uint64(balance)
	acc.Role = domain.Role(role)
	return acc, nil
}

func (l *SQLiteLedger) GetRole(ctx context.Context, addr domain.Address) (domain.Role, error) {
	acc, err := l.GetAccount(ctx, addr)
	if err != nil {
		return "", err
	}
	return acc.Role, nil
}

func (l *SQLiteLedger) SetRole(ctx context.Context, addr domain.Address, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO accounts (address, role) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET role = excluded.role, updated_at = unixepoch()
	`, addr[:], string(role)); err != nil {
		l.logger.Error("set role failed", "address", addr, "role", role, "error", err)
		return classifySQLiteError(err)
	}

	l.logger.Info("role set", "address", addr, "role", role)
	return nil
}

func (l *SQLiteLedger) Purchase(ctx context.Context, params domain.PurchaseParams) (domain.Account, error) {
	if err := validAmount(params.Quantity); err != nil {
		return domain.Account{}, err
	}

	acc := domain.Account{Address: params.Buyer}
	err := l.inTx(ctx, "purchase", func(tx *sql.Tx) error {
		var sold int64
		if err := tx.QueryRowContext(ctx, `SELECT sold FROM sale_state WHERE id=1`).Scan(&sold); err != nil {
			return err
		}
		if uint64(sold) != params.ExpectedSold {
			return fmt.Errorf("%w: sale counter moved", domain.ErrWriteConflict)
		}
		if uint64(sold)+params.Quantity > params.MaxSaleSupply {
			return domain.ErrSaleSupplyExceeded
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sale_state SET sold = sold + ? WHERE id=1`, int64(params.Quantity)); err != nil {
			return err
		}

		var (
			balance int64
			role    string
		)
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO accounts (address, balance) VALUES (?, ?)
			ON CONFLICT(address) DO UPDATE
			SET balance = balance + excluded.balance, updated_at = unixepoch()
			RETURNING balance, role
		`, params.Buyer[:], int64(params.Quantity)).Scan(&balance, &role); err != nil {
			return err
		}
		acc.Balance = uint64(balance)
		acc.Role = domain.Role(role)
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}

	l.logger.Info("units purchased", "buyer", params.Buyer, "quantity", params.Quantity)
	return acc, nil
}

func (l *SQLiteLedger) SaleState(ctx context.Context) (domain.SaleState, error) {
	var sold, consumed int64
	err := l.db.QueryRowContext(ctx, `
		SELECT (SELECT sold FROM sale_state WHERE id=1),
		       COALESCE((SELECT SUM(amount) FROM shaman_logs WHERE log_type='EXECUTION'), 0)
	`).Scan(&sold, &consumed)
	if err != nil {
		l.logger.Error("read sale state failed", "error", err)
		return domain.SaleState{}, classifySQLiteError(err)
	}
	return domain.SaleState{Sold: uint64(sold), Consumed: uint64(consumed)}, nil
}

func (l *SQLiteLedger) Check(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
