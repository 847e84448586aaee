package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/auctiond/internal/database"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openOrder(id int64, side, price, qty string, offset time.Duration) database.AuctionOrder {
	return database.AuctionOrder{
		ID:        id,
		AuctionID: 1,
		TraderID:  id,
		Side:      side,
		Price:     dec(price),
		Quantity:  dec(qty),
		Status:    database.OrderOpen,
		CreatedAt: baseTime.Add(offset),
	}
}

func TestBuild_AggregatesLevels(t *testing.T) {
	orders := []database.AuctionOrder{
		openOrder(1, database.SideBid, "10", "3", 0),
		openOrder(2, database.SideBid, "10", "2", time.Second),
		openOrder(3, database.SideBid, "9", "4", 2*time.Second),
		openOrder(4, database.SideAsk, "11", "5", 3*time.Second),
		openOrder(5, database.SideAsk, "12", "1", 4*time.Second),
	}
	snap := Build(orders)

	require.Len(t, snap.Bids, 2)
	assert.Equal(t, "10", snap.Bids[0].Price.String())
	assert.Equal(t, "5", snap.Bids[0].TotalQuantity.String())
	assert.Equal(t, 2, snap.Bids[0].OrderCount)
	assert.Equal(t, "9", snap.Bids[1].Price.String())
	assert.Equal(t, "9", snap.Bids[1].CumulativeQuantity.String())

	require.Len(t, snap.Asks, 2)
	assert.Equal(t, "11", snap.Asks[0].Price.String())
	assert.Equal(t, "12", snap.Asks[1].Price.String())
	assert.Equal(t, "6", snap.Asks[1].CumulativeQuantity.String())
}

func TestBuild_Metrics(t *testing.T) {
	orders := []database.AuctionOrder{
		openOrder(1, database.SideBid, "10", "6", 0),
		openOrder(2, database.SideAsk, "12", "2", time.Second),
	}
	snap := Build(orders)
	m := snap.Metrics

	require.NotNil(t, m.BestBid)
	require.NotNil(t, m.BestAsk)
	assert.Equal(t, "10", m.BestBid.String())
	assert.Equal(t, "12", m.BestAsk.String())
	assert.Equal(t, "2", m.Spread.String())
	assert.False(t, m.IsCrossed)
	assert.Equal(t, "11", m.MidPrice.String())
	assert.Equal(t, 1, m.BidOrderCount)
	assert.Equal(t, 1, m.AskOrderCount)

	// (6-2)/(6+2) = 0.5 toward the bid side
	require.NotNil(t, m.DepthImbalance)
	assert.Equal(t, "0.5", m.DepthImbalance.String())
}

func TestBuild_CrossedBook(t *testing.T) {
	// A crossed book is legal while the call market collects.
	orders := []database.AuctionOrder{
		openOrder(1, database.SideBid, "12", "3", 0),
		openOrder(2, database.SideAsk, "10", "3", time.Second),
	}
	snap := Build(orders)
	require.NotNil(t, snap.Metrics.Spread)
	assert.Equal(t, "-2", snap.Metrics.Spread.String())
	assert.True(t, snap.Metrics.IsCrossed)
}

func TestBuild_IgnoresNonOpenOrders(t *testing.T) {
	cleared := openOrder(1, database.SideBid, "10", "3", 0)
	cleared.Status = database.OrderCleared
	orders := []database.AuctionOrder{cleared, openOrder(2, database.SideAsk, "11", "1", time.Second)}
	snap := Build(orders)
	assert.Empty(t, snap.Bids)
	assert.Len(t, snap.Asks, 1)
}

func TestAdaptiveK(t *testing.T) {
	alpha := dec("0.15")

	// Bids heavier: positive imbalance shifts k down.
	imb := dec("0.5")
	got := AdaptiveK(dec("0.5"), &imb, alpha)
	assert.Equal(t, "0.425", got.String())

	// Asks heavier: negative imbalance shifts k up.
	imb = dec("-0.5")
	got = AdaptiveK(dec("0.5"), &imb, alpha)
	assert.Equal(t, "0.575", got.String())

	// Clamped to [0,1].
	imb = dec("1")
	got = AdaptiveK(dec("0.05"), &imb, alpha)
	assert.Equal(t, "0", got.String())
	imb = dec("-1")
	got = AdaptiveK(dec("0.95"), &imb, alpha)
	assert.Equal(t, "1", got.String())

	// Without depth on both sides there is no adjustment.
	got = AdaptiveK(dec("0.3"), nil, alpha)
	assert.Equal(t, "0.3", got.String())
}
