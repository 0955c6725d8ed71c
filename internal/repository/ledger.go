// SPDX-License-Identifier: Apache-2.0

// Package repository holds the ledger stores: shaman balances, account
// holdings, roles, sale state and the append-only shaman log.
package repository

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Interstation-Research/shaman/internal/domain"
)

const defaultLogLimit = 100

// validAmount rejects zero and values that would overflow a BIGINT column.
func validAmount(amount uint64) error {
	if amount == 0 || amount > math.MaxInt64 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}
	return nil
}

func validRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: empty metadata ref", domain.ErrInvalidMetadata)
	}
	return nil
}

func newShamanID(creator domain.Address, createdAt time.Time) domain.ID {
	nonce := uuid.New()
	return domain.NewShamanID(creator, nonce[:], createdAt)
}

func newLogEntry(shamanID domain.ID, seq int64, logType domain.LogType, amount uint64, success bool, ref string, at time.Time) domain.LogEntry {
	return domain.LogEntry{
		ID:          domain.NewLogID(shamanID, seq, logType, at),
		ShamanID:    shamanID,
		Seq:         seq,
		Type:        logType,
		Amount:      amount,
		Success:     success,
		CreatedAt:   at,
		MetadataRef: ref,
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultLogLimit
	}
	return limit
}

func toID(b []byte) (domain.ID, error) {
	var id domain.ID
	if len(b) != len(id) {
		return domain.ID{}, fmt.Errorf("invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func toAddress(b []byte) (domain.Address, error) {
	var a domain.Address
	if len(b) != len(a) {
		return domain.Address{}, fmt.Errorf("invalid address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

// missReason explains why a conditional balance update touched no row.
func missReason(found, active bool, creator, caller domain.Address, checkCreator bool) error {
	switch {
	case !found || !active:
		return domain.ErrNotFound
	case checkCreator && creator != caller:
		return domain.ErrForbidden
	default:
		return domain.ErrInsufficientBalance
	}
}
