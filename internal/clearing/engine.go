// Package clearing implements the k-double call-market clearing rule.
//
// Clear is a pure function over an order snapshot: it finds the volume-
// maximizing price on the grid of quoted prices, derives the marginal
// prices on both sides, blends them with the auction's k coefficient and
// allocates fills under strict price-time priority.
package clearing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/money"
)

// Order is the engine's view of one open order.
type Order struct {
	ID        int64
	TraderID  int64
	Side      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Iteration *int
	CreatedAt time.Time
}

// FromModel converts a persisted order into the engine's input form.
func FromModel(o database.AuctionOrder) Order {
	return Order{
		ID:        o.ID,
		TraderID:  o.TraderID,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Iteration: o.Iteration,
		CreatedAt: o.CreatedAt,
	}
}

// Allocation is one order's fill in a round.
type Allocation struct {
	OrderID    int64
	Side       string
	ClearedQty decimal.Decimal
}

// Result is the outcome of one clearing round. Price is nil when no trade
// is possible; Demand and Supply still report the best candidate level.
type Result struct {
	Price       *decimal.Decimal
	Volume      decimal.Decimal
	Allocations []Allocation
	Demand      decimal.Decimal
	Supply      decimal.Decimal
	PriceLow    *decimal.Decimal
	PriceHigh   *decimal.Decimal
	PStar       *decimal.Decimal
	BidMarginal *decimal.Decimal
	AskMarginal *decimal.Decimal
}

// HasTrades reports whether the round produced any fills.
func (r *Result) HasTrades() bool {
	return r.Price != nil && r.Volume.IsPositive() && len(r.Allocations) > 0
}

// tiebreak orders two same-price orders: earlier iteration, then earlier
// submission time, then lower id.
func tiebreak(a, b Order) bool {
	if a.Iteration != nil && b.Iteration != nil && *a.Iteration != *b.Iteration {
		return *a.Iteration < *b.Iteration
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortBids orders bids by descending price, then the tiebreak chain.
func SortBids(bids []Order) {
	sort.SliceStable(bids, func(i, j int) bool {
		if !bids[i].Price.Equal(bids[j].Price) {
			return bids[i].Price.GreaterThan(bids[j].Price)
		}
		return tiebreak(bids[i], bids[j])
	})
}

// SortAsks orders asks by ascending price, then the tiebreak chain.
func SortAsks(asks []Order) {
	sort.SliceStable(asks, func(i, j int) bool {
		if !asks[i].Price.Equal(asks[j].Price) {
			return asks[i].Price.LessThan(asks[j].Price)
		}
		return tiebreak(asks[i], asks[j])
	})
}

// Clear runs one round of the k-double call market over the given orders.
// k must lie in [0,1]; 0 prices at the bid marginal, 1 at the ask marginal.
func Clear(orders []Order, k decimal.Decimal) Result {
	var bids, asks []Order
	for _, o := range orders {
		if !o.Price.IsPositive() || !o.Quantity.IsPositive() {
			continue
		}
		switch o.Side {
		case database.SideBid:
			bids = append(bids, o)
		case database.SideAsk:
			asks = append(asks, o)
		}
	}
	if len(bids) == 0 || len(asks) == 0 {
		return Result{Volume: decimal.Zero, Demand: decimal.Zero, Supply: decimal.Zero}
	}

	SortBids(bids)
	SortAsks(asks)

	grid := priceGrid(bids, asks)
	demandAt := cumulativeDemand(bids, grid)
	supplyAt := cumulativeSupply(asks, grid)

	// Pick p*: maximize traded volume, then minimize |D-S|, then prefer
	// the higher price.
	best := -1
	var bestVolume, bestGap decimal.Decimal
	for i := range grid {
		d, s := demandAt[i], supplyAt[i]
		volume := decimal.Min(d, s)
		gap := d.Sub(s).Abs()
		if best < 0 ||
			volume.GreaterThan(bestVolume) ||
			(volume.Equal(bestVolume) && gap.LessThan(bestGap)) ||
			(volume.Equal(bestVolume) && gap.Equal(bestGap) && grid[i].GreaterThan(grid[best])) {
			best = i
			bestVolume = volume
			bestGap = gap
		}
	}

	demand := demandAt[best]
	supply := supplyAt[best]
	if !bestVolume.IsPositive() {
		return Result{Volume: decimal.Zero, Demand: demand, Supply: supply}
	}

	pStar := grid[best]
	tradeQty := bestVolume

	bidMarginal := marginalPrice(bids, tradeQty)
	askMarginal := marginalPrice(asks, tradeQty)

	lo := decimal.Min(askMarginal, bidMarginal)
	hi := decimal.Max(askMarginal, bidMarginal)
	price := money.Quantize6(money.Clamp(
		k.Mul(askMarginal).Add(decimal.NewFromInt(1).Sub(k).Mul(bidMarginal)),
		lo, hi,
	))

	allocations := allocateSide(bids, pStar, tradeQty, true)
	allocations = append(allocations, allocateSide(asks, pStar, tradeQty, false)...)

	return Result{
		Price:       &price,
		Volume:      tradeQty,
		Allocations: allocations,
		Demand:      demand,
		Supply:      supply,
		PriceLow:    &lo,
		PriceHigh:   &hi,
		PStar:       &pStar,
		BidMarginal: &bidMarginal,
		AskMarginal: &askMarginal,
	}
}

// priceGrid returns the sorted unique union of all quoted prices.
func priceGrid(bids, asks []Order) []decimal.Decimal {
	var grid []decimal.Decimal
	for _, o := range bids {
		grid = append(grid, o.Price)
	}
	for _, o := range asks {
		grid = append(grid, o.Price)
	}
	sort.Slice(grid, func(i, j int) bool { return grid[i].LessThan(grid[j]) })
	unique := grid[:0]
	for _, p := range grid {
		if len(unique) == 0 || !unique[len(unique)-1].Equal(p) {
			unique = append(unique, p)
		}
	}
	return unique
}

// cumulativeDemand computes D(p) for each grid price: total bid quantity
// quoted at or above p. Sweep descends the grid so each bid is added once.
func cumulativeDemand(bids []Order, grid []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(grid))
	running := decimal.Zero
	next := 0 // bids sorted by descending price
	for i := len(grid) - 1; i >= 0; i-- {
		for next < len(bids) && bids[next].Price.GreaterThanOrEqual(grid[i]) {
			running = running.Add(bids[next].Quantity)
			next++
		}
		out[i] = running
	}
	return out
}

// cumulativeSupply computes S(p): total ask quantity quoted at or below p.
func cumulativeSupply(asks []Order, grid []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(grid))
	running := decimal.Zero
	next := 0 // asks sorted by ascending price
	for i := range grid {
		for next < len(asks) && asks[next].Price.LessThanOrEqual(grid[i]) {
			running = running.Add(asks[next].Quantity)
			next++
		}
		out[i] = running
	}
	return out
}

// marginalPrice walks one side in priority order and returns the price of
// the order that absorbs the last unit of tradeQty.
func marginalPrice(side []Order, tradeQty decimal.Decimal) decimal.Decimal {
	remaining := tradeQty
	last := side[0].Price
	for _, o := range side {
		if !remaining.IsPositive() {
			break
		}
		last = o.Price
		remaining = remaining.Sub(o.Quantity)
	}
	return last
}

// allocateSide fills winners in priority order until tradeQty is consumed.
// Any rounding residual lands on the last allocation so the side sums to
// tradeQty exactly.
func allocateSide(side []Order, pStar, tradeQty decimal.Decimal, isBid bool) []Allocation {
	var allocs []Allocation
	remaining := tradeQty
	for _, o := range side {
		if !remaining.IsPositive() {
			break
		}
		if isBid && o.Price.LessThan(pStar) {
			break
		}
		if !isBid && o.Price.GreaterThan(pStar) {
			break
		}
		fill := decimal.Min(o.Quantity, remaining)
		allocs = append(allocs, Allocation{OrderID: o.ID, Side: o.Side, ClearedQty: fill})
		remaining = remaining.Sub(fill)
	}
	if remaining.IsPositive() && len(allocs) > 0 {
		allocs[len(allocs)-1].ClearedQty = allocs[len(allocs)-1].ClearedQty.Add(remaining)
	}
	return allocs
}
