// SPDX-License-Identifier: Apache-2.0

package pricing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Interstation-Research/shaman/internal/config"
	"github.com/Interstation-Research/shaman/internal/domain"
)

func testCurve() Curve {
	return Curve{
		BasePrice:     big.NewInt(100),
		Slope:         big.NewInt(10),
		MaxSaleSupply: 50,
		TotalSupply:   100,
	}
}

// bruteForce sums each unit price one at a time.
func bruteForce(c Curve, sold, quantity uint64) *big.Int {
	total := new(big.Int)
	for i := sold; i < sold+quantity; i++ {
		total.Add(total, c.UnitPrice(i))
	}
	return total
}

func TestPriceMatchesUnitSum(t *testing.T) {
	c := testCurve()
	for _, tc := range []struct{ sold, qty uint64 }{
		{0, 1}, {0, 2}, {0, 50}, {7, 3}, {49, 1}, {20, 11},
	} {
		got, err := c.Price(tc.sold, tc.qty)
		require.NoError(t, err)
		assert.Equal(t, 0, bruteForce(c, tc.sold, tc.qty).Cmp(got), "sold=%d qty=%d", tc.sold, tc.qty)
	}
}

func TestPriceKnownValues(t *testing.T) {
	c := testCurve()

	got, err := c.Price(0, 1)
	require.NoError(t, err)
	assert.Equal(t, "100", got.String())

	// 3*100 + 10*(3*2 + 3) = 390
	got, err = c.Price(2, 3)
	require.NoError(t, err)
	assert.Equal(t, "390", got.String())
}

func TestPriceNonDecreasingInSold(t *testing.T) {
	c := testCurve()

	prev, err := c.Price(0, 5)
	require.NoError(t, err)
	for sold := uint64(1); sold <= 45; sold++ {
		cur, err := c.Price(sold, 5)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cur.Cmp(prev), 0)
		prev = cur
	}
}

func TestPriceRejectsBadQuantity(t *testing.T) {
	c := testCurve()

	_, err := c.Price(0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = c.Price(45, 6)
	assert.ErrorIs(t, err, domain.ErrSaleSupplyExceeded)

	_, err = c.Price(60, 1)
	assert.ErrorIs(t, err, domain.ErrSaleSupplyExceeded)

	_, err = c.Price(1, ^uint64(0))
	assert.ErrorIs(t, err, domain.ErrSaleSupplyExceeded)
}

func TestFromConfigDefaults(t *testing.T) {
	c, err := FromConfig(config.Default().Pricing)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000", c.BasePrice.String())
	assert.Equal(t, uint64(10_000_000), c.MaxSaleSupply)

	// the full sale must not overflow anything
	_, err = c.Price(0, c.MaxSaleSupply)
	require.NoError(t, err)
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	for name, cfg := range map[string]config.PricingConfig{
		"bad base":       {BaseWei: "ten", SlopeWei: "1", MaxSaleSupply: 1},
		"negative slope": {BaseWei: "1", SlopeWei: "-1", MaxSaleSupply: 1},
		"zero max":       {BaseWei: "1", SlopeWei: "1"},
		"max over total": {BaseWei: "1", SlopeWei: "1", MaxSaleSupply: 10, TotalSupply: 5},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromConfig(cfg)
			assert.Error(t, err)
		})
	}
}
