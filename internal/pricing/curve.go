// SPDX-License-Identifier: Apache-2.0

// Package pricing holds the linear bonding curve units of work are sold on.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Interstation-Research/shaman/internal/config"
	"github.com/Interstation-Research/shaman/internal/domain"
)

// Curve prices unit i (zero based) at BasePrice + Slope*i wei.
type Curve struct {
	BasePrice     *big.Int
	Slope         *big.Int
	MaxSaleSupply uint64
	TotalSupply   uint64
}

func FromConfig(cfg config.PricingConfig) (Curve, error) {
	base, err := parseWei("base price", cfg.BaseWei)
	if err != nil {
		return Curve{}, err
	}
	slope, err := parseWei("slope", cfg.SlopeWei)
	if err != nil {
		return Curve{}, err
	}

	c := Curve{
		BasePrice:     base,
		Slope:         slope,
		MaxSaleSupply: cfg.MaxSaleSupply,
		TotalSupply:   cfg.TotalSupply,
	}
	if err := c.Validate(); err != nil {
		return Curve{}, err
	}
	return c, nil
}

func parseWei(name, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", name)
	}
	return v, nil
}

func (c Curve) Validate() error {
	if c.BasePrice == nil || c.Slope == nil {
		return errors.New("curve coefficients are required")
	}
	if c.BasePrice.Sign() < 0 || c.Slope.Sign() < 0 {
		return errors.New("curve coefficients must not be negative")
	}
	if c.MaxSaleSupply == 0 {
		return errors.New("max sale supply must be positive")
	}
	if c.TotalSupply != 0 && c.MaxSaleSupply > c.TotalSupply {
		return fmt.Errorf("max sale supply %d exceeds total supply %d", c.MaxSaleSupply, c.TotalSupply)
	}
	return nil
}

// Price returns the wei cost of buying quantity units once sold units are gone:
//
//	quantity*base + slope*(quantity*sold + quantity*(quantity-1)/2)
func (c Curve) Price(sold, quantity uint64) (*big.Int, error) {
	if quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidAmount)
	}
	if sold > c.MaxSaleSupply || quantity > c.MaxSaleSupply-sold {
		return nil, fmt.Errorf("%w: %d sold, %d requested, %d max",
			domain.ErrSaleSupplyExceeded, sold, quantity, c.MaxSaleSupply)
	}

	q := new(big.Int).SetUint64(quantity)
	s := new(big.Int).SetUint64(sold)

	// q*(q-1)/2 is exact: one of q, q-1 is even.
	tri := new(big.Int).Sub(q, big.NewInt(1))
	tri.Mul(tri, q)
	tri.Rsh(tri, 1)

	steps := new(big.Int).Mul(q, s)
	steps.Add(steps, tri)
	steps.Mul(steps, c.Slope)

	total := new(big.Int).Mul(q, c.BasePrice)
	return total.Add(total, steps), nil
}

// UnitPrice is the price of the next single unit.
func (c Curve) UnitPrice(sold uint64) *big.Int {
	p := new(big.Int).SetUint64(sold)
	p.Mul(p, c.Slope)
	return p.Add(p, c.BasePrice)
}
