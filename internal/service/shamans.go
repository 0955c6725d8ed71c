// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
)

// BalanceChange is the result of a deposit, withdrawal or refund.
type BalanceChange struct {
	Log     domain.LogEntry `json:"log"`
	Balance uint64          `json:"balance"`
}

func (s *Service) GetShaman(ctx context.Context, id domain.ID) (domain.Shaman, error) {
	return s.ledger.GetShaman(ctx, id)
}

func (s *Service) ListShamans(ctx context.Context, filter domain.ShamanFilter) ([]domain.Shaman, error) {
	return s.ledger.ListShamans(ctx, filter)
}

// CreateShaman registers a script and funds it from the creator's account.
func (s *Service) CreateShaman(ctx context.Context, creator domain.Address, initialDeposit uint64, metadataRef string) (sh domain.Shaman, err error) {
	ctx, span := s.tracer.Start(ctx, "service.create_shaman")
	defer func() { endSpan(span, err) }()

	if creator.IsZero() {
		return domain.Shaman{}, fmt.Errorf("%w: missing creator", domain.ErrForbidden)
	}
	if initialDeposit == 0 {
		return domain.Shaman{}, fmt.Errorf("%w: initial deposit must be positive", domain.ErrInvalidAmount)
	}
	if err := s.checkMetadata(ctx, metadataRef); err != nil {
		return domain.Shaman{}, err
	}

	err = s.withConflictRetry(ctx, "create shaman", func(ctx context.Context) error {
		var err error
		sh, err = s.ledger.CreateShaman(ctx, domain.CreateShamanParams{
			Creator:        creator,
			InitialDeposit: initialDeposit,
			MetadataRef:    metadataRef,
		})
		return err
	})
	if err != nil {
		return domain.Shaman{}, err
	}
	return sh, nil
}

func (s *Service) AddBalance(ctx context.Context, caller domain.Address, id domain.ID, amount uint64) (BalanceChange, error) {
	return s.mutateBalance(ctx, "add balance", id, func(ctx context.Context) (domain.LogEntry, uint64, error) {
		return s.ledger.AddBalance(ctx, id, caller, amount)
	})
}

func (s *Service) WithdrawBalance(ctx context.Context, caller domain.Address, id domain.ID, amount uint64) (BalanceChange, error) {
	return s.mutateBalance(ctx, "withdraw balance", id, func(ctx context.Context) (domain.LogEntry, uint64, error) {
		return s.ledger.WithdrawBalance(ctx, id, caller, amount)
	})
}

// Refund credits a shaman from the operator pool. Only operators may call it.
func (s *Service) Refund(ctx context.Context, operator domain.Address, id domain.ID, amount uint64) (BalanceChange, error) {
	if err := s.requireOperator(ctx, operator); err != nil {
		return BalanceChange{}, err
	}

	change, err := s.mutateBalance(ctx, "refund", id, func(ctx context.Context) (domain.LogEntry, uint64, error) {
		return s.ledger.Refund(ctx, id, amount)
	})
	if err == nil {
		s.logger.Info("shaman refunded",
			"shaman_id", id,
			"operator", operator,
			"amount", amount,
		)
	}
	return change, err
}

func (s *Service) requireOperator(ctx context.Context, addr domain.Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: missing operator", domain.ErrForbidden)
	}
	role, err := s.ledger.GetRole(ctx, addr)
	if err != nil {
		return err
	}
	if role != domain.RoleOperator {
		return fmt.Errorf("%w: %s is not an operator", domain.ErrForbidden, addr)
	}
	return nil
}

func (s *Service) mutateBalance(
	ctx context.Context,
	op string,
	id domain.ID,
	fn func(context.Context) (domain.LogEntry, uint64, error),
) (change BalanceChange, err error) {
	ctx, span := s.tracer.Start(ctx, "service."+op)
	defer func() { endSpan(span, err) }()

	unlock, err := s.lockShaman(ctx, id)
	if err != nil {
		return BalanceChange{}, err
	}
	defer unlock()

	err = s.withConflictRetry(ctx, op, func(ctx context.Context) error {
		var err error
		change.Log, change.Balance, err = fn(ctx)
		return err
	})
	if err != nil {
		return BalanceChange{}, err
	}
	return change, nil
}

// CancelShaman deactivates the shaman and returns its balance to the creator.
func (s *Service) CancelShaman(ctx context.Context, caller domain.Address, id domain.ID) (sh domain.Shaman, err error) {
	ctx, span := s.tracer.Start(ctx, "service.cancel_shaman")
	defer func() { endSpan(span, err) }()

	unlock, err := s.lockShaman(ctx, id)
	if err != nil {
		return domain.Shaman{}, err
	}
	defer unlock()

	err = s.withConflictRetry(ctx, "cancel shaman", func(ctx context.Context) error {
		var err error
		sh, err = s.ledger.CancelShaman(ctx, id, caller)
		return err
	})
	return sh, err
}

// UpdateMetadata points the shaman at new script metadata. The ref must
// resolve to a valid metadata document.
func (s *Service) UpdateMetadata(ctx context.Context, caller domain.Address, id domain.ID, ref string) error {
	if err := s.checkMetadata(ctx, ref); err != nil {
		return err
	}
	return s.withConflictRetry(ctx, "update metadata", func(ctx context.Context) error {
		return s.ledger.UpdateMetadata(ctx, id, caller, ref)
	})
}

// checkMetadata resolves ref and validates the document and its code.
func (s *Service) checkMetadata(ctx context.Context, ref string) error {
	if isBlank(ref) {
		return fmt.Errorf("%w: empty metadata ref", domain.ErrInvalidMetadata)
	}
	err := s.retry(ctx, "check metadata", contentAttempts, contentRetryable("get"), func(ctx context.Context) error {
		_, _, err := contentstore.LoadScript(ctx, s.content, ref)
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidMetadata):
		return err
	case contentstore.IsPermanent(err):
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidMetadata, ref, err)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrScriptUnavailable, ref, err)
	}
}

// GetLogs returns the newest entries first.
func (s *Service) GetLogs(ctx context.Context, id domain.ID, limit int) ([]domain.LogEntry, error) {
	return s.ledger.GetLogs(ctx, id, limit)
}

// ListLogsAfter returns entries with seq > afterSeq, oldest first.
func (s *Service) ListLogsAfter(ctx context.Context, id domain.ID, afterSeq int64) ([]domain.LogEntry, error) {
	return s.ledger.ListLogsAfter(ctx, id, afterSeq)
}

func (s *Service) Reconcile(ctx context.Context, id domain.ID) (domain.Reconciliation, error) {
	return s.ledger.Reconcile(ctx, id)
}
