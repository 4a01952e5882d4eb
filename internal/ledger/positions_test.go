package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestWeightedAverage_FirstBuy(t *testing.T) {
	avg := weightedAverage(0, decimal.Zero, 10, decimal.NewFromFloat(0.6))
	assert.True(t, avg.Equal(decimal.NewFromFloat(0.6)), "got %s", avg)
}

func TestWeightedAverage_FoldsNewBuyIntoHolding(t *testing.T) {
	// 10 @ 0.50 plus 10 @ 0.70 averages to 0.60.
	avg := weightedAverage(10, decimal.NewFromFloat(0.5), 10, decimal.NewFromFloat(0.7))
	assert.True(t, avg.Equal(decimal.NewFromFloat(0.6)), "got %s", avg)
}

func TestWeightedAverage_UnevenQuantities(t *testing.T) {
	// 3 @ 0.40 plus 1 @ 0.80 = 2.00 / 4 = 0.50.
	avg := weightedAverage(3, decimal.NewFromFloat(0.4), 1, decimal.NewFromFloat(0.8))
	assert.True(t, avg.Equal(decimal.NewFromFloat(0.5)), "got %s", avg)
}

func TestWeightedAverage_ZeroTotalShares(t *testing.T) {
	avg := weightedAverage(0, decimal.Zero, 0, decimal.NewFromFloat(0.5))
	assert.True(t, avg.IsZero())
}
