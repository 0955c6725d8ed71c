// SPDX-License-Identifier: Apache-2.0

// Package service is the trigger orchestrator and the account surface in
// front of the ledger, the content store and the script worker.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Interstation-Research/shaman/internal/config"
	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/lock"
	"github.com/Interstation-Research/shaman/internal/pricing"
	"github.com/Interstation-Research/shaman/internal/worker"
)

// Ledger is the store of shaman balances, accounts and logs. Implemented by
// repository.PostgresLedger and repository.SQLiteLedger.
type Ledger interface {
	GetShaman(ctx context.Context, id domain.ID) (domain.Shaman, error)
	ListShamans(ctx context.Context, filter domain.ShamanFilter) ([]domain.Shaman, error)
	CreateShaman(ctx context.Context, params domain.CreateShamanParams) (domain.Shaman, error)
	UpdateMetadata(ctx context.Context, id domain.ID, caller domain.Address, ref string) error
	CancelShaman(ctx context.Context, id domain.ID, caller domain.Address) (domain.Shaman, error)
	AddBalance(ctx context.Context, id domain.ID, from domain.Address, amount uint64) (domain.LogEntry, uint64, error)
	WithdrawBalance(ctx context.Context, id domain.ID, caller domain.Address, amount uint64) (domain.LogEntry, uint64, error)
	RecordExecution(ctx context.Context, rec domain.ExecutionRecord) (domain.LogEntry, uint64, error)
	Refund(ctx context.Context, id domain.ID, amount uint64) (domain.LogEntry, uint64, error)
	GetLogs(ctx context.Context, id domain.ID, limit int) ([]domain.LogEntry, error)
	ListLogsAfter(ctx context.Context, id domain.ID, afterSeq int64) ([]domain.LogEntry, error)
	Reconcile(ctx context.Context, id domain.ID) (domain.Reconciliation, error)
	GetAccount(ctx context.Context, addr domain.Address) (domain.Account, error)
	SetRole(ctx context.Context, addr domain.Address, role domain.Role) error
	GetRole(ctx context.Context, addr domain.Address) (domain.Role, error)
	Purchase(ctx context.Context, params domain.PurchaseParams) (domain.Account, error)
	SaleState(ctx context.Context) (domain.SaleState, error)
}

// Notifier receives one event per recorded trigger.
type Notifier interface {
	Notify(ctx context.Context, ev TriggerEvent)
}

const (
	defaultMaxRetries = 3
	defaultRetryBase  = 100 * time.Millisecond
	maxRetryWait      = 2 * time.Second
	contentAttempts   = 3
	loadTimeout       = 30 * time.Second
	persistTimeout    = 30 * time.Second
	notifyTimeout     = 30 * time.Second
)

// LockHold is the longest a trigger keeps its shaman locked: loading the
// script, running it, then storing the detail and the log entry. Lease locks
// must outlive it or a second trigger could start on the same shaman.
func LockHold(scriptTimeout time.Duration) time.Duration {
	if scriptTimeout <= 0 {
		scriptTimeout = worker.DefaultTimeout
	}
	return loadTimeout + scriptTimeout + persistTimeout
}

type Deps struct {
	Ledger   Ledger
	Content  contentstore.Store
	Runner   worker.Runner
	Locker   lock.Locker
	Curve    pricing.Curve
	Notifier Notifier
	Logger   *slog.Logger

	UnitCost      uint64
	MaxRetries    int
	RetryBase     time.Duration
	ScriptTimeout time.Duration
	Chain         config.ChainConfig

	Now func() time.Time
}

type Service struct {
	ledger   Ledger
	content  contentstore.Store
	runner   worker.Runner
	locker   lock.Locker
	curve    pricing.Curve
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer

	unitCost      uint64
	maxRetries    int
	retryBase     time.Duration
	scriptTimeout time.Duration
	chain         config.ChainConfig
	now           func() time.Time
}

func New(deps Deps) (*Service, error) {
	if deps.Ledger == nil {
		return nil, errors.New("service requires a ledger")
	}
	if deps.Content == nil {
		return nil, errors.New("service requires a content store")
	}
	if deps.Runner == nil {
		return nil, errors.New("service requires a script runner")
	}

	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}

	unitCost := deps.UnitCost
	if unitCost == 0 {
		unitCost = domain.DefaultUnitCost
	}

	maxRetries := deps.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	retryBase := deps.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}

	timeout := deps.ScriptTimeout
	if timeout <= 0 {
		timeout = worker.DefaultTimeout
	}

	curve := deps.Curve
	if curve.BasePrice == nil || curve.Slope == nil {
		c, err := pricing.FromConfig(config.Default().Pricing)
		if err != nil {
			return nil, err
		}
		curve = c
	}
	if err := curve.Validate(); err != nil {
		return nil, err
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		ledger:        deps.Ledger,
		content:       deps.Content,
		runner:        deps.Runner,
		locker:        locker,
		curve:         curve,
		notifier:      deps.Notifier,
		logger:        l,
		tracer:        otel.Tracer("github.com/Interstation-Research/shaman/internal/service"),
		unitCost:      unitCost,
		maxRetries:    maxRetries,
		retryBase:     retryBase,
		scriptTimeout: timeout,
		chain:         deps.Chain,
		now:           now,
	}, nil
}

func (s *Service) UnitCost() uint64 { return s.unitCost }

// lockShaman serialises balance mutations of one shaman.
func (s *Service) lockShaman(ctx context.Context, id domain.ID) (func(), error) {
	unlock, err := s.locker.Lock(ctx, id.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: lock shaman %s: %v", domain.ErrUnavailable, id, err)
	}
	return unlock, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
