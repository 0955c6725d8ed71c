// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Interstation-Research/shaman/internal/domain"
)

// PostgresLedger is the production ledger store.
//
// Balance changes are single conditional UPDATEs (`balance >= $n`) which take
// the shaman row lock, so concurrent debits serialize on the row and the loser
// re-evaluates the predicate against the committed balance.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

func NewPostgresLedger(pool *pgxpool.Pool, logger *slog.Logger) *PostgresLedger {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresLedger{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

func (l *PostgresLedger) clock() time.Time {
	return l.now().UTC().Truncate(time.Second)
}

// classifyPgError maps driver errors onto ledger sentinels.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", domain.ErrWriteConflict, pgErr.Message)
		}
	}
	return err
}

const pgShamanColumns = `id, creator, active, created_at, balance, metadata_ref`

func scanPgShaman(row pgx.Row) (domain.Shaman, error) {
	var (
		s         domain.Shaman
		idRaw     []byte
		creator   []byte
		balance   int64
		createdAt time.Time
	)
	if err := row.Scan(&idRaw, &creator, &s.Active, &createdAt, &balance, &s.MetadataRef); err != nil {
		return domain.Shaman{}, err
	}

	var err error
	if s.ID, err = toID(idRaw); err != nil {
		return domain.Shaman{}, err
	}
	if s.Creator, err = toAddress(creator); err != nil {
		return domain.Shaman{}, err
	}
	s.CreatedAt = createdAt.UTC()
	s.Balance = uint64(balance)
	return s, nil
}

func scanPgLog(row pgx.Row) (domain.LogEntry, error) {
	var (
		e         domain.LogEntry
		idRaw     []byte
		shamanRaw []byte
		logType   string
		amount    int64
		createdAt time.Time
	)
	if err := row.Scan(&idRaw, &shamanRaw, &e.Seq, &logType, &amount, &e.Success, &createdAt, &e.MetadataRef); err != nil {
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
	e.CreatedAt = createdAt.UTC()
	return e, nil
}

func (l *PostgresLedger) GetShaman(ctx context.Context, id domain.ID) (domain.Shaman, error) {
	s, err := scanPgShaman(l.pool.QueryRow(ctx,
		`SELECT `+pgShamanColumns+` FROM shamans WHERE id=$1`,
		id[:],
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			l.logger.Error("get shaman failed", "shaman_id", id, "error", err)
		}
		return domain.Shaman{}, classifyPgError(err)
	}
	return s, nil
}

func (l *PostgresLedger) ListShamans(ctx context.Context, filter domain.ShamanFilter) ([]domain.Shaman, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Creator.IsZero() {
		args = append(args, filter.Creator[:])
		where = append(where, fmt.Sprintf("creator=$%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "active")
	}

	query := `SELECT ` + pgShamanColumns + ` FROM shamans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		l.logger.Error("list shamans failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Shaman, 0)
	for rows.Next() {
		s, err := scanPgShaman(rows)
		if err != nil {
			l.logger.Error("scan shaman failed", "error", err)
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) CreateShaman(ctx context.Context, params domain.CreateShamanParams) (domain.Shaman, error) {
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

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		l.logger.Error("begin tx failed", "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE address = $1 AND balance >= $2
	`, params.Creator[:], int64(params.InitialDeposit))
	if err != nil {
		l.logger.Error("debit creator account failed", "creator", params.Creator, "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Shaman{}, domain.ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO shamans (id, creator, active, created_at, balance, metadata_ref, log_seq)
		VALUES ($1, $2, TRUE, $3, $4, $5, 1)
	`, s.ID[:], s.Creator[:], s.CreatedAt, int64(s.Balance), s.MetadataRef); err != nil {
		l.logger.Error("insert shaman failed", "shaman_id", s.ID, "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}

	entry := newLogEntry(s.ID, 1, domain.LogDeposit, params.InitialDeposit, true, "", now)
	if err := insertPgLog(ctx, tx, entry); err != nil {
		l.logger.Error("insert deposit log failed", "shaman_id", s.ID, "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		l.logger.Error("commit failed", "shaman_id", s.ID, "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}

	l.logger.Info("shaman created",
		"shaman_id", s.ID,
		"creator", s.Creator,
		"initial_deposit", s.Balance,
	)
	return s, nil
}

func (l *PostgresLedger) UpdateMetadata(ctx context.Context, id domain.ID, caller domain.Address, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		l.logger.Error("begin tx failed", "error", err)
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE shamans SET metadata_ref=$3
		WHERE id=$1 AND active AND creator=$2
	`, id[:], caller[:], strings.TrimSpace(ref))
	if err != nil {
		l.logger.Error("update metadata failed", "shaman_id", id, "error", err)
		return classifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return l.explainMiss(ctx, tx, id, &caller)
	}

	if err := tx.Commit(ctx); err != nil {
		l.logger.Error("commit metadata failed", "shaman_id", id, "error", err)
		return classifyPgError(err)
	}

	l.logger.Info("shaman metadata updated", "shaman_id", id, "metadata_ref", ref)
	return nil
}

// CancelShaman deactivates the shaman and pays any remaining balance back to
// the creator as a WITHDRAW entry, leaving the record terminal at balance 0.
func (l *PostgresLedger) CancelShaman(ctx context.Context, id domain.ID, caller domain.Address) (domain.Shaman, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		l.logger.Error("begin tx failed", "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	s, err := scanPgShaman(tx.QueryRow(ctx,
		`SELECT `+pgShamanColumns+` FROM shamans WHERE id=$1 FOR UPDATE`,
		id[:],
	))
	if err != nil {
		return domain.Shaman{}, classifyPgError(err)
	}
	if !s.Active {
		return domain.Shaman{}, domain.ErrNotFound
	}
	if s.Creator != caller {
		return domain.Shaman{}, domain.ErrForbidden
	}

	var bump int64
	if s.Balance > 0 {
		bump = 1
	}
	var seq int64
	if err := tx.QueryRow(ctx, `
		UPDATE shamans SET active=FALSE, balance=0, log_seq = log_seq + $2
		WHERE id=$1
		RETURNING log_seq
	`, id[:], bump).Scan(&seq); err != nil {
		l.logger.Error("deactivate shaman failed", "shaman_id", id, "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}

	if s.Balance > 0 {
		entry := newLogEntry(s.ID, seq, domain.LogWithdraw, s.Balance, true, "", l.clock())
		if err := insertPgLog(ctx, tx, entry); err != nil {
			l.logger.Error("insert cancel withdraw log failed", "shaman_id", id, "error", err)
			return domain.Shaman{}, classifyPgError(err)
		}
		if err := creditPgAccount(ctx, tx, s.Creator, s.Balance); err != nil {
			l.logger.Error("credit creator on cancel failed", "shaman_id", id, "error", err)
			return domain.Shaman{}, classifyPgError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		l.logger.Error("commit cancel failed", "shaman_id", id, "error", err)
		return domain.Shaman{}, classifyPgError(err)
	}

	l.logger.Info("shaman canceled", "shaman_id", id, "refunded", s.Balance)
	s.Active = false
	s.Balance = 0
	return s, nil
}

func (l *PostgresLedger) AddBalance(ctx context.Context, id domain.ID, from domain.Address, amount uint64) (domain.LogEntry, uint64, error) {
	if err := validAmount(amount); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "deposit", id, amount, func(tx pgx.Tx) (uint64, int64, error) {
		balance, seq, err := l.adjust(ctx, tx, id, amount, true, nil)
		if err != nil {
			return 0, 0, err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET balance = balance - $2, updated_at = NOW()
			WHERE address = $1 AND balance >= $2
		`, from[:], int64(amount))
		if err != nil {
			return 0, 0, err
		}
		if tag.RowsAffected() == 0 {
			return 0, 0, domain.ErrInsufficientBalance
		}
		return balance, seq, nil
	}, domain.LogDeposit, true, "")
}

func (l *PostgresLedger) WithdrawBalance(ctx context.Context, id domain.ID, caller domain.Address, amount uint64) (domain.LogEntry, uint64, error) {
	if err := validAmount(amount); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "withdraw", id, amount, func(tx pgx.Tx) (uint64, int64, error) {
		balance, seq, err := l.adjust(ctx, tx, id, amount, false, &caller)
		if err != nil {
			return 0, 0, err
		}
		if err := creditPgAccount(ctx, tx, caller, amount); err != nil {
			return 0, 0, err
		}
		return balance, seq, nil
	}, domain.LogWithdraw, true, "")
}

// RecordExecution debits the unit cost and appends the EXECUTION entry in one
// transaction. It is the only way an execution reaches the ledger.
func (l *PostgresLedger) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) (domain.LogEntry, uint64, error) {
	if err := validAmount(rec.UnitCost); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "execution", rec.ShamanID, rec.UnitCost, func(tx pgx.Tx) (uint64, int64, error) {
		return l.adjust(ctx, tx, rec.ShamanID, rec.UnitCost, false, nil)
	}, domain.LogExecution, rec.Success, rec.MetadataRef)
}

func (l *PostgresLedger) Refund(ctx context.Context, id domain.ID, amount uint64) (domain.LogEntry, uint64, error) {
	if err := validAmount(amount); err != nil {
		return domain.LogEntry{}, 0, err
	}
	return l.mutate(ctx, "refund", id, amount, func(tx pgx.Tx) (uint64, int64, error) {
		return l.adjust(ctx, tx, id, amount, true, nil)
	}, domain.LogRefund, true, "")
}

// mutate runs apply and appends the matching log entry in the same tx.
func (l *PostgresLedger) mutate(
	ctx context.Context,
	op string,
	id domain.ID,
	amount uint64,
	apply func(tx pgx.Tx) (uint64, int64, error),
	logType domain.LogType,
	success bool,
	ref string,
) (domain.LogEntry, uint64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		l.logger.Error("begin tx failed", "op", op, "error", err)
		return domain.LogEntry{}, 0, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	balance, seq, err := apply(tx)
	if err != nil {
		err = classifyPgError(err)
		if !isExpectedLedgerError(err) {
			l.logger.Error("ledger mutation failed", "op", op, "shaman_id", id, "error", err)
		}
		return domain.LogEntry{}, 0, err
	}

	entry := newLogEntry(id, seq, logType, amount, success, ref, l.clock())
	if err := insertPgLog(ctx, tx, entry); err != nil {
		l.logger.Error("insert log failed", "op", op, "shaman_id", id, "error", err)
		return domain.LogEntry{}, 0, classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		l.logger.Error("commit failed", "op", op, "shaman_id", id, "error", err)
		return domain.LogEntry{}, 0, classifyPgError(err)
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

// adjust moves amount in or out of an active shaman and reserves the next log
// sequence number. caller, when set, must be the creator.
func (l *PostgresLedger) adjust(ctx context.Context, tx pgx.Tx, id domain.ID, amount uint64, credit bool, caller *domain.Address) (uint64, int64, error) {
	args := []any{id[:], int64(amount)}
	query := `UPDATE shamans SET balance = balance - $2, log_seq = log_seq + 1 WHERE id = $1 AND active AND balance >= $2`
	if credit {
		query = `UPDATE shamans SET balance = balance + $2, log_seq = log_seq + 1 WHERE id = $1 AND active`
	}
	if caller != nil {
		args = append(args, caller[:])
		query += ` AND creator = $3`
	}
	query += ` RETURNING balance, log_seq`

	var (
		balance int64
		seq     int64
	)
	if err := tx.QueryRow(ctx, query, args...).Scan(&balance, &seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, l.explainMiss(ctx, tx, id, caller)
		}
		return 0, 0, err
	}
	return uint64(balance), seq, nil
}

func (l *PostgresLedger) explainMiss(ctx context.Context, tx pgx.Tx, id domain.ID, caller *domain.Address) error {
	var (
		creatorRaw []byte
		active     bool
	)
	err := tx.QueryRow(ctx, `SELECT creator, active FROM shamans WHERE id=$1`, id[:]).Scan(&creatorRaw, &active)
	if errors.Is(err, pgx.ErrNoRows) {
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
	return missReason(true, active, creator, who, caller != nil)
}

func insertPgLog(ctx context.Context, tx pgx.Tx, e domain.LogEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO shaman_logs (id, shaman_id, seq, log_type, amount, success, created_at, metadata_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID[:], e.ShamanID[:], e.Seq, string(e.Type), int64(e.Amount), e.Success, e.CreatedAt, e.MetadataRef)
	return err
}

func creditPgAccount(ctx context.Context, tx pgx.Tx, addr domain.Address, amount uint64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (address, balance) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`, addr[:], int64(amount))
	return err
}

const pgLogColumns = `id, shaman_id, seq, log_type, amount, success, created_at, metadata_ref`

// GetLogs returns the newest entries first.
func (l *PostgresLedger) GetLogs(ctx context.Context, id domain.ID, limit int) ([]domain.LogEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+pgLogColumns+` FROM shaman_logs WHERE shaman_id=$1 ORDER BY seq DESC LIMIT $2`,
		id[:], normalizeLimit(limit),
	)
	if err != nil {
		l.logger.Error("get logs failed", "shaman_id", id, "error", err)
		return nil, err
	}
	entries, err := collectPgLogs(rows)
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

// ListLogsAfter returns entries with seq > afterSeq in ascending order.
func (l *PostgresLedger) ListLogsAfter(ctx context.Context, id domain.ID, afterSeq int64) ([]domain.LogEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+pgLogColumns+` FROM shaman_logs WHERE shaman_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		id[:], afterSeq, defaultLogLimit,
	)
	if err != nil {
		l.logger.Error("list logs after failed", "shaman_id", id, "after_seq", afterSeq, "error", err)
		return nil, err
	}
	return collectPgLogs(rows)
}

func collectPgLogs(rows pgx.Rows) ([]domain.LogEntry, error) {
	defer rows.Close()

	out := make([]domain.LogEntry, 0)
	for rows.Next() {
		e, err := scanPgLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Reconcile(ctx context.Context, id domain.ID) (domain.Reconciliation, error) {
	r := domain.Reconciliation{ShamanID: id}
	var deposits, refunds, withdrawals, executions, balance int64

	err := l.pool.QueryRow(ctx, `
		SELECT s.balance,
		       COALESCE(SUM(CASE WHEN l.log_type='DEPOSIT' THEN l.amount ELSE 0 END), 0)::BIGINT,
		       COALESCE(SUM(CASE WHEN l.log_type='REFUND' THEN l.amount ELSE 0 END), 0)::BIGINT,
		       COALESCE(SUM(CASE WHEN l.log_type='WITHDRAW' THEN l.amount ELSE 0 END), 0)::BIGINT,
		       COALESCE(SUM(CASE WHEN l.log_type='EXECUTION' THEN l.amount ELSE 0 END), 0)::BIGINT
		FROM shamans s
		LEFT JOIN shaman_logs l ON l.shaman_id = s.id
		WHERE s.id = $1
		GROUP BY s.balance
	`, id[:]).Scan(&balance, &deposits, &refunds, &withdrawals, &executions)
	if err != nil {
		return domain.Reconciliation{}, classifyPgError(err)
	}

	r.Balance = uint64(balance)
	r.Deposits = uint64(deposits)
	r.Refunds = uint64(refunds)
	r.Withdrawals = uint64(withdrawals)
	r.Executions = uint64(executions)
	return r, nil
}

func (l *PostgresLedger) GetAccount(ctx context.Context, addr domain.Address) (domain.Account, error) {
	acc := domain.Account{Address: addr, Role: domain.RoleNone}

	var (
		balance int64
		role    string
	)
	err := l.pool.QueryRow(ctx,
		`SELECT balance, role FROM accounts WHERE address=$1`,
		addr[:],
	).Scan(&balance, &role)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (l *PostgresLedger) GetRole(ctx context.Context, addr domain.Address) (domain.Role, error) {
	acc, err := l.GetAccount(ctx, addr)
	if err != nil {
		return "", err
	}
	return acc.Role, nil
}

func (l *PostgresLedger) SetRole(ctx context.Context, addr domain.Address, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	if _, err := l.pool.Exec(ctx, `
		INSERT INTO accounts (address, role) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
	`, addr[:], string(role)); err != nil {
		l.logger.Error("set role failed", "address", addr, "role", role, "error", err)
		return classifyPgError(err)
	}

	l.logger.Info("role set", "address", addr, "role", role)
	return nil
}

// Purchase credits the buyer and advances the sale counter. ExpectedSold is
// the counter the price was quoted against; a moved counter is reported as a
// write conflict so the caller re-quotes.
func (l *PostgresLedger) Purchase(ctx context.Context, params domain.PurchaseParams) (domain.Account, error) {
	if err := validAmount(params.Quantity); err != nil {
		return domain.Account{}, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		l.logger.Error("begin tx failed", "error", err)
		return domain.Account{}, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	var sold int64
	if err := tx.QueryRow(ctx, `SELECT sold FROM sale_state WHERE id=1 FOR UPDATE`).Scan(&sold); err != nil {
		l.logger.Error("read sale state failed", "error", err)
		return domain.Account{}, classifyPgError(err)
	}
	if uint64(sold) != params.ExpectedSold {
		return domain.Account{}, fmt.Errorf("%w: sale counter moved", domain.ErrWriteConflict)
	}
	if uint64(sold)+params.Quantity > params.MaxSaleSupply {
		return domain.Account{}, domain.ErrSaleSupplyExceeded
	}

	if _, err := tx.Exec(ctx, `UPDATE sale_state SET sold = sold + $1 WHERE id=1`, int64(params.Quantity)); err != nil {
		l.logger.Error("advance sale counter failed", "error", err)
		return domain.Account{}, classifyPgError(err)
	}

	acc := domain.Account{Address: params.Buyer}
	var (
		balance int64
		role    string
	)
	if err := tx.QueryRow(ctx, `
		INSERT INTO accounts (address, balance) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance, role
	`, params.Buyer[:], int64(params.Quantity)).Scan(&balance, &role); err != nil {
		l.logger.Error("credit buyer failed", "buyer", params.Buyer, "error", err)
		return domain.Account{}, classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		l.logger.Error("commit purchase failed", "buyer", params.Buyer, "error", err)
		return domain.Account{}, classifyPgError(err)
	}

	acc.Balance = uint64(balance)
	acc.Role = domain.Role(role)
	l.logger.Info("units purchased", "buyer", params.Buyer, "quantity", params.Quantity)
	return acc, nil
}

func (l *PostgresLedger) SaleState(ctx context.Context) (domain.SaleState, error) {
	var sold, consumed int64
	err := l.pool.QueryRow(ctx, `
		SELECT (SELECT sold FROM sale_state WHERE id=1),
		       COALESCE((SELECT SUM(amount) FROM shaman_logs WHERE log_type='EXECUTION'), 0)::BIGINT
	`).Scan(&sold, &consumed)
	if err != nil {
		l.logger.Error("read sale state failed", "error", err)
		return domain.SaleState{}, classifyPgError(err)
	}
	return domain.SaleState{Sold: uint64(sold), Consumed: uint64(consumed)}, nil
}

func (l *PostgresLedger) Check(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func isExpectedLedgerError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInsufficientBalance) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrSaleSupplyExceeded) ||
		errors.Is(err, domain.ErrWriteConflict)
}
