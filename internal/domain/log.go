// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

type LogType string

const (
	LogExecution LogType = "EXECUTION"
	LogDeposit   LogType = "DEPOSIT"
	LogWithdraw  LogType = "WITHDRAW"
	LogRefund    LogType = "REFUND"
)

func (t LogType) Valid() bool {
	switch t {
	case LogExecution, LogDeposit, LogWithdraw, LogRefund:
		return true
	}
	return false
}

// IsCredit reports whether entries of this type add to a shaman balance.
func (t LogType) IsCredit() bool {
	return t == LogDeposit || t == LogRefund
}

type LogEntry struct {
	ID          ID        `json:"log_id"`
	ShamanID    ID        `json:"shaman_id"`
	Seq         int64     `json:"seq"`
	Type        LogType   `json:"log_type"`
	Amount      uint64    `json:"amount"`
	Success     bool      `json:"success"`
	CreatedAt   time.Time `json:"created_at"`
	MetadataRef string    `json:"log_metadata_ref,omitempty"`
}

type ExecutionRecord struct {
	ShamanID    ID
	UnitCost    uint64
	Success     bool
	MetadataRef string
}

// Reconciliation is the balance recomputed from the log next to the stored one.
type Reconciliation struct {
	ShamanID    ID     `json:"shaman_id"`
	Deposits    uint64 `json:"deposits"`
	Refunds     uint64 `json:"refunds"`
	Withdrawals uint64 `json:"withdrawals"`
	Executions  uint64 `json:"executions"`
	Balance     uint64 `json:"balance"`
}

func (r Reconciliation) Expected() int64 {
	return int64(r.Deposits) + int64(r.Refunds) - int64(r.Withdrawals) - int64(r.Executions)
}

func (r Reconciliation) Balanced() bool {
	return r.Expected() == int64(r.Balance)
}
