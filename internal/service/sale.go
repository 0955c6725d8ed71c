// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/metrics"
)

// Quote prices a purchase against the sale counter at Sold. Wei amounts are
// decimal strings.
type Quote struct {
	Quantity     uint64 `json:"quantity"`
	Sold         uint64 `json:"sold"`
	PriceWei     string `json:"price_wei"`
	UnitPriceWei string `json:"unit_price_wei"`

	price *big.Int
}

func (q Quote) Price() *big.Int {
	if q.price == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(q.price)
}

type PurchaseResult struct {
	Account  domain.Account `json:"account"`
	Quantity uint64         `json:"quantity"`
	PriceWei string         `json:"price_wei"`
}

func (s *Service) GetPrice(ctx context.Context, quantity uint64) (Quote, error) {
	state, err := s.ledger.SaleState(ctx)
	if err != nil {
		return Quote{}, err
	}
	return s.quote(state.Sold, quantity)
}

func (s *Service) quote(sold, quantity uint64) (Quote, error) {
	price, err := s.curve.Price(sold, quantity)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Quantity:     quantity,
		Sold:         sold,
		PriceWei:     price.String(),
		UnitPriceWei: s.curve.UnitPrice(sold).String(),
		price:        price,
	}, nil
}

// Purchase credits buyer with quantity units paid for with paidWei. Only an
// operator records purchases: the payment itself happens on chain and the
// operator vouches for it, so a buyer can never credit itself. The price is
// re-quoted whenever another purchase moves the sale counter first.
func (s *Service) Purchase(ctx context.Context, operator, buyer domain.Address, quantity uint64, paidWei *big.Int) (res PurchaseResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.purchase")
	defer func() { endSpan(span, err) }()

	if err := s.requireOperator(ctx, operator); err != nil {
		return PurchaseResult{}, err
	}
	if buyer.IsZero() {
		return PurchaseResult{}, fmt.Errorf("%w: missing buyer", domain.ErrInvalidInput)
	}
	if paidWei == nil || paidWei.Sign() < 0 {
		return PurchaseResult{}, fmt.Errorf("%w: invalid payment", domain.ErrInvalidAmount)
	}

	err = s.withConflictRetry(ctx, "purchase", func(ctx context.Context) error {
		state, err := s.ledger.SaleState(ctx)
		if err != nil {
			return err
		}
		q, err := s.quote(state.Sold, quantity)
		if err != nil {
			return err
		}
		if paidWei.Cmp(q.price) < 0 {
			return fmt.Errorf("%w: paid %s wei, price %s wei", domain.ErrUnderpaid, paidWei, q.PriceWei)
		}

		acc, err := s.ledger.Purchase(ctx, domain.PurchaseParams{
			Buyer:         buyer,
			Quantity:      quantity,
			MaxSaleSupply: s.curve.MaxSaleSupply,
			ExpectedSold:  state.Sold,
		})
		if err != nil {
			return err
		}
		res = PurchaseResult{Account: acc, Quantity: quantity, PriceWei: q.PriceWei}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrUnderpaid) && !errors.Is(err, domain.ErrSaleSupplyExceeded) {
			s.logger.Error("purchase failed", "buyer", buyer, "operator", operator, "quantity", quantity, "error", err)
		}
		return PurchaseResult{}, err
	}

	metrics.AddTokensPurchased(quantity)
	s.logger.Info("tokens purchased",
		"buyer", buyer,
		"operator", operator,
		"quantity", quantity,
		"price_wei", res.PriceWei,
		"balance", res.Account.Balance,
	)
	return res, nil
}

// SaleState reports the sale counter with the configured supply bounds.
func (s *Service) SaleState(ctx context.Context) (domain.SaleState, error) {
	state, err := s.ledger.SaleState(ctx)
	if err != nil {
		return domain.SaleState{}, err
	}
	state.MaxSaleSupply = s.curve.MaxSaleSupply
	state.TotalSupply = s.curve.TotalSupply
	return state, nil
}

func (s *Service) GetAccount(ctx context.Context, addr domain.Address) (domain.Account, error) {
	return s.ledger.GetAccount(ctx, addr)
}

func (s *Service) SetRole(ctx context.Context, addr domain.Address, role domain.Role) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: missing address", domain.ErrInvalidInput)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidInput, role)
	}
	return s.withConflictRetry(ctx, "set role", func(ctx context.Context) error {
		return s.ledger.SetRole(ctx, addr, role)
	})
}
