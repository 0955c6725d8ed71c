// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"math/big"

	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/service"
)

type ScriptStore interface {
	PutScript(ctx context.Context, prompt, code, shamanID string) (string, contentstore.Metadata, error)
	GetBlob(ctx context.Context, ref string) ([]byte, error)
}

type ShamanManager interface {
	CreateShaman(ctx context.Context, creator domain.Address, initialDeposit uint64, metadataRef string) (domain.Shaman, error)
	GetShaman(ctx context.Context, id domain.ID) (domain.Shaman, error)
	ListShamans(ctx context.Context, filter domain.ShamanFilter) ([]domain.Shaman, error)
	Trigger(ctx context.Context, id domain.ID) (service.TriggerResult, error)
	AddBalance(ctx context.Context, caller domain.Address, id domain.ID, amount uint64) (service.BalanceChange, error)
	WithdrawBalance(ctx context.Context, caller domain.Address, id domain.ID, amount uint64) (service.BalanceChange, error)
	UpdateMetadata(ctx context.Context, caller domain.Address, id domain.ID, ref string) error
	CancelShaman(ctx context.Context, caller domain.Address, id domain.ID) (domain.Shaman, error)
}

type LogStreamer interface {
	GetLogs(ctx context.Context, id domain.ID, limit int) ([]domain.LogEntry, error)
	ListLogsAfter(ctx context.Context, id domain.ID, afterSeq int64) ([]domain.LogEntry, error)
}

type Market interface {
	GetAccount(ctx context.Context, addr domain.Address) (domain.Account, error)
	SaleState(ctx context.Context) (domain.SaleState, error)
	GetPrice(ctx context.Context, quantity uint64) (service.Quote, error)
	Purchase(ctx context.Context, operator, buyer domain.Address, quantity uint64, paidWei *big.Int) (service.PurchaseResult, error)
}

type Administrator interface {
	SetRole(ctx context.Context, addr domain.Address, role domain.Role) error
	Refund(ctx context.Context, operator domain.Address, id domain.ID, amount uint64) (service.BalanceChange, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
