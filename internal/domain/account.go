// SPDX-License-Identifier: Apache-2.0

package domain

type Role string

const (
	RoleNone     Role = "NONE"
	RoleOperator Role = "OPERATOR"
)

func (r Role) Valid() bool {
	return r == RoleNone || r == RoleOperator
}

type Account struct {
	Address Address `json:"address"`
	Balance uint64  `json:"balance"`
	Role    Role    `json:"role"`
}

type SaleState struct {
	Sold          uint64 `json:"sold"`
	MaxSaleSupply uint64 `json:"max_sale_supply"`
	TotalSupply   uint64 `json:"total_supply"`
	Consumed      uint64 `json:"consumed"`
}

func (s SaleState) Available() uint64 {
	if s.Sold >= s.MaxSaleSupply {
		return 0
	}
	return s.MaxSaleSupply - s.Sold
}

type PurchaseParams struct {
	Buyer         Address
	Quantity      uint64
	MaxSaleSupply uint64
	// ExpectedSold is the sale counter the price was quoted against.
	ExpectedSold  uint64
}
