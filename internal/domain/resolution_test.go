package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeResolution(t *testing.T) {
	positions := []Position{
		{UserID: "a", MarketID: "m1", Outcome: "yes", Quantity: 20},
		{UserID: "b", MarketID: "m1", Outcome: "no", Quantity: 15},
	}

	sum := ComputeResolution("m1", "yes", positions, DefaultSettlementValueMicros)

	assert.Equal(t, 2, sum.HoldersCount)
	assert.Equal(t, 1, sum.WinnersCount)
	assert.Equal(t, 1, sum.LosersCount)
	require.Len(t, sum.Payouts, 1)
	assert.Equal(t, "a", sum.Payouts[0].UserID)
	assert.Equal(t, int64(20), sum.Payouts[0].Quantity)
	assert.Equal(t, 20*DefaultSettlementValueMicros, sum.Payouts[0].AmountMicros)
	assert.Equal(t, 20*DefaultSettlementValueMicros, sum.TotalPayoutMicros)
}

func TestComputeResolutionAggregatesPerUser(t *testing.T) {
	// One user holding both outcomes is a winner, counted once.
	positions := []Position{
		{UserID: "a", MarketID: "m1", Outcome: "yes", Quantity: 5},
		{UserID: "a", MarketID: "m1", Outcome: "no", Quantity: 7},
		{UserID: "b", MarketID: "m1", Outcome: "yes", Quantity: 3},
	}

	sum := ComputeResolution("m1", "yes", positions, DefaultSettlementValueMicros)

	assert.Equal(t, 2, sum.HoldersCount)
	assert.Equal(t, 2, sum.WinnersCount)
	assert.Equal(t, 0, sum.LosersCount)
	require.Len(t, sum.Payouts, 2)
	assert.Equal(t, int64(5), sum.Payouts[0].Quantity)
	assert.Equal(t, int64(3), sum.Payouts[1].Quantity)
	assert.Equal(t, 8*DefaultSettlementValueMicros, sum.TotalPayoutMicros)
}

func TestComputeResolutionIgnoresZeroAndForeign(t *testing.T) {
	positions := []Position{
		{UserID: "a", MarketID: "m1", Outcome: "yes", Quantity: 0},
		{UserID: "b", MarketID: "other", Outcome: "yes", Quantity: 10},
	}

	sum := ComputeResolution("m1", "yes", positions, DefaultSettlementValueMicros)

	assert.Zero(t, sum.HoldersCount)
	assert.Zero(t, sum.TotalPayoutMicros)
	assert.Empty(t, sum.Payouts)
}

func TestComputeResolutionCustomSettlementValue(t *testing.T) {
	positions := []Position{
		{UserID: "a", MarketID: "m1", Outcome: "up", Quantity: 4},
	}

	sum := ComputeResolution("m1", "up", positions, 250_000) // 0.25 per share

	require.Len(t, sum.Payouts, 1)
	assert.Equal(t, int64(1_000_000), sum.Payouts[0].AmountMicros)
}
