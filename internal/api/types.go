package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/auctiond/internal/book"
	"github.com/web3guy0/auctiond/internal/database"
)

// JSON DTOs. Decimals become floats at this edge only; the core never
// round-trips money through float64.

func fptr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func tptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

type auctionDTO struct {
	ID             int64    `json:"id"`
	Product        string   `json:"product"`
	Type           string   `json:"type"`
	K              float64  `json:"k"`
	WindowStart    *string  `json:"windowStart"`
	WindowEnd      *string  `json:"windowEnd"`
	Status         string   `json:"status"`
	ApprovalStatus string   `json:"approvalStatus"`
	CurrentRound   int      `json:"currentRound"`
	LastClearingAt *string  `json:"lastClearingAt"`
	NextClearingAt *string  `json:"nextClearingAt"`
	ClearingPrice  *float64 `json:"clearingPrice"`
	ClearingQty    *float64 `json:"clearingQuantity"`
	ClearingDemand *float64 `json:"clearingDemand"`
	ClearingSupply *float64 `json:"clearingSupply"`
	ListingID      *int64   `json:"listingId"`
	CreatedAt      string   `json:"createdAt"`
	ClosedAt       *string  `json:"closedAt"`
}

func toAuctionDTO(a *database.Auction) auctionDTO {
	return auctionDTO{
		ID:             a.ID,
		Product:        a.Product,
		Type:           a.Type,
		K:              a.K.InexactFloat64(),
		WindowStart:    tptr(a.WindowStart),
		WindowEnd:      tptr(a.WindowEnd),
		Status:         a.Status,
		ApprovalStatus: a.ApprovalStatus,
		CurrentRound:   a.CurrentRound,
		LastClearingAt: tptr(a.LastClearingAt),
		NextClearingAt: tptr(a.NextClearingAt),
		ClearingPrice:  fptr(a.ClearingPrice),
		ClearingQty:    fptr(a.ClearingQuantity),
		ClearingDemand: fptr(a.ClearingDemand),
		ClearingSupply: fptr(a.ClearingSupply),
		ListingID:      a.ListingID,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
		ClosedAt:       tptr(a.ClosedAt),
	}
}

type levelDTO struct {
	Price              float64 `json:"price"`
	TotalQuantity      float64 `json:"totalQuantity"`
	OrderCount         int     `json:"orderCount"`
	CumulativeQuantity float64 `json:"cumulativeQuantity"`
}

func toLevelDTOs(levels []book.Level) []levelDTO {
	out := make([]levelDTO, len(levels))
	for i, lvl := range levels {
		out[i] = levelDTO{
			Price:              lvl.Price.InexactFloat64(),
			TotalQuantity:      lvl.TotalQuantity.InexactFloat64(),
			OrderCount:         lvl.OrderCount,
			CumulativeQuantity: lvl.CumulativeQuantity.InexactFloat64(),
		}
	}
	return out
}

type metricsDTO struct {
	BestBid        *float64 `json:"bestBid"`
	BestAsk        *float64 `json:"bestAsk"`
	Spread         *float64 `json:"spread"`
	IsCrossed      bool     `json:"isCrossedMarket"`
	MidPrice       *float64 `json:"midPrice"`
	TotalBidQty    float64  `json:"totalBidQuantity"`
	TotalAskQty    float64  `json:"totalAskQuantity"`
	BidOrderCount  int      `json:"bidOrderCount"`
	AskOrderCount  int      `json:"askOrderCount"`
	BestBidDepth   *float64 `json:"bestBidDepth"`
	BestAskDepth   *float64 `json:"bestAskDepth"`
	BestBidOrders  int      `json:"bestBidOrders"`
	BestAskOrders  int      `json:"bestAskOrders"`
	DepthImbalance *float64 `json:"depthImbalance"`
	Top3BidDepth   float64  `json:"top3BidDepth"`
	Top3AskDepth   float64  `json:"top3AskDepth"`
	Top3BidOrders  int      `json:"top3BidOrders"`
	Top3AskOrders  int      `json:"top3AskOrders"`
	KValue         float64  `json:"kValue"`
	AdaptiveK      *float64 `json:"adaptiveK"`
	AdaptiveKAlpha float64  `json:"adaptiveKAlpha"`
	LastPrice      *float64 `json:"lastClearingPrice"`
	LastQuantity   *float64 `json:"lastClearingQuantity"`
}

type orderDTO struct {
	ID        int64   `json:"id"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	TraderID  int64   `json:"traderId"`
	CreatedAt string  `json:"createdAt"`
}

func toOrderDTOs(orders []database.AuctionOrder) []orderDTO {
	out := make([]orderDTO, len(orders))
	for i, o := range orders {
		out[i] = orderDTO{
			ID:        o.ID,
			Side:      o.Side,
			Price:     o.Price.InexactFloat64(),
			Quantity:  o.Quantity.InexactFloat64(),
			TraderID:  o.TraderID,
			CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return out
}

type clearedDTO struct {
	ID        int64   `json:"id"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	CreatedAt string  `json:"createdAt"`
}
