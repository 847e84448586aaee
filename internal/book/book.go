// Package book builds display snapshots of one auction's open orders:
// aggregated price levels, spread metrics and the adaptive-k hint.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/auctiond/internal/clearing"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/money"
)

// Level is one aggregated price level.
type Level struct {
	Price              decimal.Decimal
	TotalQuantity      decimal.Decimal
	OrderCount         int
	CumulativeQuantity decimal.Decimal
}

// Metrics summarizes the book state for one auction.
type Metrics struct {
	BestBid        *decimal.Decimal
	BestAsk        *decimal.Decimal
	Spread         *decimal.Decimal
	IsCrossed      bool
	MidPrice       *decimal.Decimal
	TotalBidQty    decimal.Decimal
	TotalAskQty    decimal.Decimal
	BidOrderCount  int
	AskOrderCount  int
	BestBidDepth   *decimal.Decimal
	BestAskDepth   *decimal.Decimal
	BestBidOrders  int
	BestAskOrders  int
	DepthImbalance *decimal.Decimal
	Top3BidDepth   decimal.Decimal
	Top3AskDepth   decimal.Decimal
	Top3BidOrders  int
	Top3AskOrders  int
}

// Snapshot is the aggregated view of one auction's open book.
type Snapshot struct {
	Bids    []Level
	Asks    []Level
	Metrics Metrics
}

// Build aggregates the open orders of one auction into price levels and
// metrics. Bids descend, asks ascend; cumulative depth runs from the top
// of each side.
func Build(orders []database.AuctionOrder) Snapshot {
	var bids, asks []clearing.Order
	for _, o := range orders {
		if o.Status != database.OrderOpen {
			continue
		}
		co := clearing.FromModel(o)
		if o.Side == database.SideBid {
			bids = append(bids, co)
		} else {
			asks = append(asks, co)
		}
	}
	clearing.SortBids(bids)
	clearing.SortAsks(asks)

	snap := Snapshot{
		Bids: aggregate(bids, true),
		Asks: aggregate(asks, false),
	}
	snap.Metrics = buildMetrics(bids, asks, snap.Bids, snap.Asks)
	return snap
}

func aggregate(orders []clearing.Order, descending bool) []Level {
	buckets := map[string]*Level{}
	for _, o := range orders {
		key := o.Price.String()
		lvl, ok := buckets[key]
		if !ok {
			lvl = &Level{Price: o.Price}
			buckets[key] = lvl
		}
		lvl.TotalQuantity = lvl.TotalQuantity.Add(o.Quantity)
		lvl.OrderCount++
	}
	levels := make([]Level, 0, len(buckets))
	for _, lvl := range buckets {
		levels = append(levels, *lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	running := decimal.Zero
	for i := range levels {
		running = running.Add(levels[i].TotalQuantity)
		levels[i].CumulativeQuantity = running
	}
	return levels
}

func buildMetrics(bids, asks []clearing.Order, bidLevels, askLevels []Level) Metrics {
	m := Metrics{
		BidOrderCount: len(bids),
		AskOrderCount: len(asks),
	}
	for _, o := range bids {
		m.TotalBidQty = m.TotalBidQty.Add(o.Quantity)
	}
	for _, o := range asks {
		m.TotalAskQty = m.TotalAskQty.Add(o.Quantity)
	}
	if len(bidLevels) > 0 {
		best := bidLevels[0].Price
		m.BestBid = &best
		depth := bidLevels[0].TotalQuantity
		m.BestBidDepth = &depth
		m.BestBidOrders = bidLevels[0].OrderCount
	}
	if len(askLevels) > 0 {
		best := askLevels[0].Price
		m.BestAsk = &best
		depth := askLevels[0].TotalQuantity
		m.BestAskDepth = &depth
		m.BestAskOrders = askLevels[0].OrderCount
	}
	if m.BestBid != nil && m.BestAsk != nil {
		spread := money.Quantize6(m.BestAsk.Sub(*m.BestBid))
		m.Spread = &spread
		// A negative spread marks a crossed book, expected while a call
		// market collects.
		m.IsCrossed = spread.IsNegative()
		mid := money.Quantize6(m.BestBid.Add(*m.BestAsk).Div(decimal.NewFromInt(2)))
		m.MidPrice = &mid
	}
	if m.BestBidDepth != nil && m.BestAskDepth != nil {
		total := m.BestBidDepth.Add(*m.BestAskDepth)
		if total.IsPositive() {
			imbalance := m.BestBidDepth.Sub(*m.BestAskDepth).Div(total)
			m.DepthImbalance = &imbalance
		}
	}
	for i := 0; i < len(bidLevels) && i < 3; i++ {
		m.Top3BidDepth = m.Top3BidDepth.Add(bidLevels[i].TotalQuantity)
		m.Top3BidOrders += bidLevels[i].OrderCount
	}
	for i := 0; i < len(askLevels) && i < 3; i++ {
		m.Top3AskDepth = m.Top3AskDepth.Add(askLevels[i].TotalQuantity)
		m.Top3AskOrders += askLevels[i].OrderCount
	}
	return m
}

// AdaptiveK shifts k against the heavier side of the book: positive
// imbalance (bids heavier) lowers k, negative raises it. The result is
// clamped to [0,1].
func AdaptiveK(k decimal.Decimal, imbalance *decimal.Decimal, alpha decimal.Decimal) decimal.Decimal {
	if imbalance == nil {
		return k
	}
	candidate := k.Sub(imbalance.Mul(alpha))
	return money.Clamp(candidate, decimal.Zero, decimal.NewFromInt(1))
}
