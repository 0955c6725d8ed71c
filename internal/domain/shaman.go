// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// DefaultUnitCost is the debit applied per trigger.
const DefaultUnitCost uint64 = 1

type Shaman struct {
	ID          ID        `json:"id"`
	Creator     Address   `json:"creator"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	Balance     uint64    `json:"balance"`
	MetadataRef string    `json:"metadata_ref"`
}

type CreateShamanParams struct {
	Creator        Address
	InitialDeposit uint64
	MetadataRef    string
}

// ShamanFilter narrows ListShamans. A zero Creator lists every shaman.
type ShamanFilter struct {
	Creator    Address
	ActiveOnly bool
	Limit      int
}
