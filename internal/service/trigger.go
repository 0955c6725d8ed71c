// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/metrics"
	"github.com/Interstation-Research/shaman/internal/worker"
)

// TriggerResult is the outcome of one paid execution.
type TriggerResult struct {
	ShamanID    domain.ID          `json:"shamanId"`
	Success     bool               `json:"success"`
	Result      json.RawMessage    `json:"result"`
	Logs        []string           `json:"logs"`
	Error       string             `json:"error,omitempty"`
	ErrorKind   worker.FailureKind `json:"errorKind,omitempty"`
	LogRef      string             `json:"logMetadataRef"`
	LogID       domain.ID          `json:"logId"`
	TxHash      string             `json:"txHash,omitempty"`
	DecodedCode string             `json:"decodedCode"`
	Timestamp   int64              `json:"timestamp"`
	Balance     uint64             `json:"balance"`
}

// TriggerEvent is what the webhook receives once a trigger is recorded.
type TriggerEvent struct {
	ShamanID   domain.ID `json:"shaman_id"`
	LogID      domain.ID `json:"log_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	LogRef     string    `json:"log_metadata_ref,omitempty"`
	Balance    uint64    `json:"balance"`
	FinishedAt time.Time `json:"finished_at"`
}

// Trigger runs the shaman's script once and charges unitCost for it,
// whatever the script does. Pre-execution failures (unknown shaman, low
// balance, unreadable script) charge nothing and write no log.
func (s *Service) Trigger(ctx context.Context, id domain.ID) (res TriggerResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.trigger", trace.WithAttributes(
		attribute.String("shaman.id", id.String()),
	))
	var unbilled bool
	defer func() {
		label := triggerResultLabel(res, err)
		if unbilled {
			label = metrics.TriggerUnbilled
		}
		metrics.IncTrigger(label)
		endSpan(span, err)
	}()

	waitStart := time.Now()
	unlock, err := s.lockShaman(ctx, id)
	if err != nil {
		return TriggerResult{}, err
	}
	metrics.ObserveLockWait(time.Since(waitStart))
	defer unlock()

	shaman, err := s.ledger.GetShaman(ctx, id)
	if err != nil {
		return TriggerResult{}, err
	}
	if !shaman.Active {
		return TriggerResult{}, fmt.Errorf("%w: shaman %s is canceled", domain.ErrNotFound, id)
	}
	if shaman.Balance < s.unitCost {
		return TriggerResult{}, fmt.Errorf("%w: balance %d below unit cost %d",
			domain.ErrInsufficientBalance, shaman.Balance, s.unitCost)
	}

	code, err := s.loadScript(ctx, shaman)
	if err != nil {
		return TriggerResult{}, err
	}

	started := time.Now()
	outcome, err := s.runner.Execute(ctx, s.job(shaman), code)
	metrics.ObserveExecutionDuration(time.Since(started))
	if err != nil {
		s.logger.Error("script runner failed",
			"shaman_id", id,
			"error", err,
		)
		return TriggerResult{}, fmt.Errorf("%w: script runner: %v", domain.ErrUnavailable, err)
	}
	if !outcome.Success && outcome.Error != nil {
		metrics.IncExecutionFailure(string(outcome.Error.Kind))
	}

	// The script has run; the charge is recorded even if the caller has gone.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	finished := s.now()
	ref := s.putDetail(persistCtx, shaman.ID, code, outcome, finished)

	var (
		entry   domain.LogEntry
		balance uint64
	)
	err = s.withConflictRetry(persistCtx, "record execution", func(ctx context.Context) error {
		var err error
		entry, balance, err = s.ledger.RecordExecution(ctx, domain.ExecutionRecord{
			ShamanID:    shaman.ID,
			UnitCost:    s.unitCost,
			Success:     outcome.Success,
			MetadataRef: ref,
		})
		return err
	})
	if errors.Is(err, domain.ErrInsufficientBalance) {
		// the balance moved under a lock that did not exclude another
		// trigger; the script already ran and nothing was charged for it
		unbilled = true
		s.logger.Error("unbilled execution",
			"shaman_id", id,
			"unit_cost", s.unitCost,
			"success", outcome.Success,
			"log_ref", ref,
			"error", err,
		)
		return TriggerResult{}, err
	}
	if err != nil {
		s.logger.Error("record execution failed",
			"shaman_id", id,
			"success", outcome.Success,
			"log_ref", ref,
			"error", err,
		)
		return TriggerResult{}, err
	}

	res = TriggerResult{
		ShamanID:    shaman.ID,
		Success:     outcome.Success,
		Result:      outcome.Result,
		Logs:        outcome.Logs,
		Error:       outcome.ErrorMessage(),
		LogRef:      ref,
		LogID:       entry.ID,
		TxHash:      outcome.TxHash,
		DecodedCode: code,
		Timestamp:   finished.UnixMilli(),
		Balance:     balance,
	}
	if res.Result == nil {
		res.Result = json.RawMessage("null")
	}
	if res.Logs == nil {
		res.Logs = []string{}
	}
	if outcome.Error != nil {
		res.ErrorKind = outcome.Error.Kind
	}

	s.logger.Info("shaman triggered",
		"shaman_id", id,
		"log_id", entry.ID,
		"success", res.Success,
		"error", res.Error,
		"balance", balance,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	s.notify(ctx, TriggerEvent{
		ShamanID:   shaman.ID,
		LogID:      entry.ID,
		Success:    res.Success,
		Error:      res.Error,
		LogRef:     ref,
		Balance:    balance,
		FinishedAt: finished.UTC(),
	})
	return res, nil
}

func (s *Service) job(shaman domain.Shaman) worker.Job {
	return worker.Job{
		ShamanID:      shaman.ID,
		Owner:         shaman.Creator,
		ChainID:       s.chain.ChainID,
		RPCURL:        s.chain.RPCURL,
		WalletAddress: s.chain.WalletAddress,
		Timeout:       s.scriptTimeout,
	}
}

// loadScript fetches and decodes the shaman's code. Every failure is
// ErrScriptUnavailable.
func (s *Service) loadScript(ctx context.Context, shaman domain.Shaman) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	var code string
	err := s.retry(ctx, "load script", contentAttempts, contentRetryable("get"), func(ctx context.Context) error {
		var err error
		_, code, err = contentstore.LoadScript(ctx, s.content, shaman.MetadataRef)
		return err
	})
	if err != nil {
		s.logger.Warn("script unavailable",
			"shaman_id", shaman.ID,
			"metadata_ref", shaman.MetadataRef,
			"error", err,
		)
		return "", fmt.Errorf("%w: %s: %v", domain.ErrScriptUnavailable, shaman.MetadataRef, err)
	}
	return code, nil
}

// putDetail stores the execution detail blob. On failure the log entry is
// written with an empty ref.
func (s *Service) putDetail(ctx context.Context, id domain.ID, code string, o worker.Outcome, at time.Time) string {
	detail := contentstore.ExecutionDetail{
		ShamanID:    id.String(),
		DecodedCode: code,
		Result:      o.Result,
		Logs:        o.Logs,
		Error:       o.ErrorMessage(),
		TxHash:      o.TxHash,
		Timestamp:   at.UnixMilli(),
	}

	var ref string
	err := s.retry(ctx, "put execution detail", contentAttempts, contentRetryable("put"), func(ctx context.Context) error {
		var err error
		ref, err = contentstore.PutExecutionDetail(ctx, s.content, detail)
		return err
	})
	if err != nil {
		s.logger.Warn("execution detail not stored - recording log without ref",
			"shaman_id", id,
			"error", err,
		)
		return ""
	}
	return ref
}

func (s *Service) notify(ctx context.Context, ev TriggerEvent) {
	if s.notifier == nil {
		return
	}
	go func() {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		s.notifier.Notify(notifyCtx, ev)
	}()
}

func triggerResultLabel(res TriggerResult, err error) string {
	switch {
	case err == nil && res.Success:
		return metrics.TriggerSuccess
	case err == nil:
		return metrics.TriggerFailed
	case errors.Is(err, domain.ErrInsufficientBalance):
		return metrics.TriggerInsufficientBalance
	case errors.Is(err, domain.ErrScriptUnavailable):
		return metrics.TriggerScriptUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return metrics.TriggerNotFound
	default:
		return metrics.TriggerUnavailable
	}
}
