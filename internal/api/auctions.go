package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/book"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/money"
	"github.com/web3guy0/auctiond/internal/wallet"
)

func (s *Server) listAuctions(c *gin.Context) {
	q := s.db.Gorm().Model(&database.Auction{})
	if status := c.Query("status"); status == database.AuctionCollecting || status == database.AuctionCleared || status == database.AuctionClosed {
		q = q.Where("status = ?", status)
	}
	if typ := c.Query("type"); typ == database.AuctionTypeOpen || typ == database.AuctionTypeClosed {
		q = q.Where("type = ?", typ)
	}
	var auctions []database.Auction
	if err := q.Order("created_at DESC").Find(&auctions).Error; err != nil {
		respondError(c, err)
		return
	}
	out := make([]auctionDTO, len(auctions))
	for i := range auctions {
		out[i] = toAuctionDTO(&auctions[i])
	}
	c.JSON(http.StatusOK, out)
}

// auctionBook returns the aggregated book, metrics and the adaptive-k
// hint. When the hint drifts far enough from the stored k it is persisted
// back; the clearing engine still reads whatever k is stored at the tick.
func (s *Server) auctionBook(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	auction, err := s.db.GetAuction(auctionID)
	if err != nil {
		respondError(c, apperr.NotFound("auction not found"))
		return
	}

	orders, err := database.OpenOrders(s.db.Gorm(), auctionID)
	if err != nil {
		respondError(c, err)
		return
	}
	snap := book.Build(orders)

	adaptive := book.AdaptiveK(auction.K, snap.Metrics.DepthImbalance, s.cfg.AdaptiveKAlpha)
	if adaptive.Sub(auction.K).Abs().GreaterThanOrEqual(s.cfg.AdaptiveKPersistEps) {
		if err := s.db.Gorm().Model(&database.Auction{}).
			Where("id = ?", auctionID).
			Update("k_value", adaptive).Error; err != nil {
			log.Warn().Err(err).Int64("auction", auctionID).Msg("Failed to persist adaptive k")
		} else {
			auction.K = adaptive
		}
	}

	var cleared []database.AuctionOrder
	if err := s.db.Gorm().
		Where("auction_id = ? AND status = ? AND cleared_quantity IS NOT NULL AND cleared_quantity > 0", auctionID, database.OrderCleared).
		Order("created_at DESC").Limit(20).
		Find(&cleared).Error; err != nil {
		respondError(c, err)
		return
	}
	clearedOut := make([]clearedDTO, len(cleared))
	for i, o := range cleared {
		price := o.Price
		if o.ClearedPrice != nil {
			price = *o.ClearedPrice
		}
		qty := decimal.Zero
		if o.ClearedQuantity != nil {
			qty = *o.ClearedQuantity
		}
		clearedOut[i] = clearedDTO{
			ID:        o.ID,
			Side:      o.Side,
			Price:     price.InexactFloat64(),
			Quantity:  qty.InexactFloat64(),
			CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	metrics := metricsDTO{
		BestBid:        fptr(snap.Metrics.BestBid),
		BestAsk:        fptr(snap.Metrics.BestAsk),
		Spread:         fptr(snap.Metrics.Spread),
		IsCrossed:      snap.Metrics.IsCrossed,
		MidPrice:       fptr(snap.Metrics.MidPrice),
		TotalBidQty:    snap.Metrics.TotalBidQty.InexactFloat64(),
		TotalAskQty:    snap.Metrics.TotalAskQty.InexactFloat64(),
		BidOrderCount:  snap.Metrics.BidOrderCount,
		AskOrderCount:  snap.Metrics.AskOrderCount,
		BestBidDepth:   fptr(snap.Metrics.BestBidDepth),
		BestAskDepth:   fptr(snap.Metrics.BestAskDepth),
		BestBidOrders:  snap.Metrics.BestBidOrders,
		BestAskOrders:  snap.Metrics.BestAskOrders,
		DepthImbalance: fptr(snap.Metrics.DepthImbalance),
		Top3BidDepth:   snap.Metrics.Top3BidDepth.InexactFloat64(),
		Top3AskDepth:   snap.Metrics.Top3AskDepth.InexactFloat64(),
		Top3BidOrders:  snap.Metrics.Top3BidOrders,
		Top3AskOrders:  snap.Metrics.Top3AskOrders,
		KValue:         auction.K.InexactFloat64(),
		AdaptiveKAlpha: s.cfg.AdaptiveKAlpha.InexactFloat64(),
	}
	adaptiveF := adaptive.InexactFloat64()
	metrics.AdaptiveK = &adaptiveF
	if len(clearedOut) > 0 {
		metrics.LastPrice = &clearedOut[0].Price
		metrics.LastQuantity = &clearedOut[0].Quantity
	}

	recentBids := make([]database.AuctionOrder, 0, 10)
	recentAsks := make([]database.AuctionOrder, 0, 10)
	for _, o := range orders {
		if o.Side == database.SideBid && len(recentBids) < 10 {
			recentBids = append(recentBids, o)
		}
		if o.Side == database.SideAsk && len(recentAsks) < 10 {
			recentAsks = append(recentAsks, o)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"auction": toAuctionDTO(auction),
		"book": gin.H{
			"bids": toLevelDTOs(snap.Bids),
			"asks": toLevelDTOs(snap.Asks),
		},
		"metrics": metrics,
		"recentOrders": gin.H{
			"bids": toOrderDTOs(recentBids),
			"asks": toOrderDTOs(recentAsks),
		},
		"recentClearing": clearedOut,
	})
}

// auctionHistory returns the cleared-price series and the current
// cumulative book curve.
func (s *Server) auctionHistory(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	auction, err := s.db.GetAuction(auctionID)
	if err != nil {
		respondError(c, apperr.NotFound("auction not found"))
		return
	}

	var rounds []database.AuctionClearingRound
	if err := s.db.Gorm().
		Where("auction_id = ?", auctionID).
		Order("round_number ASC").Limit(200).
		Find(&rounds).Error; err != nil {
		respondError(c, err)
		return
	}
	series := make([]gin.H, 0, len(rounds))
	for _, r := range rounds {
		series = append(series, gin.H{
			"round":    r.RoundNumber,
			"t":        r.ClearedAt.UTC().Format(time.RFC3339),
			"price":    fptr(r.ClearingPrice),
			"quantity": fptr(r.ClearingVolume),
			"demand":   fptr(r.ClearingDemand),
			"supply":   fptr(r.ClearingSupply),
			"matched":  r.MatchedOrders,
		})
	}

	orders, err := database.OpenOrders(s.db.Gorm(), auctionID)
	if err != nil {
		respondError(c, err)
		return
	}
	snap := book.Build(orders)

	c.JSON(http.StatusOK, gin.H{
		"auctionId":     auctionID,
		"status":        auction.Status,
		"clearedSeries": series,
		"bookCurve": gin.H{
			"bids": toLevelDTOs(snap.Bids),
			"asks": toLevelDTOs(snap.Asks),
		},
	})
}

// auctionDistribution returns a histogram of open prices per side.
func (s *Server) auctionDistribution(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := s.db.GetAuction(auctionID); err != nil {
		respondError(c, apperr.NotFound("auction not found"))
		return
	}
	orders, err := database.OpenOrders(s.db.Gorm(), auctionID)
	if err != nil {
		respondError(c, err)
		return
	}
	snap := book.Build(orders)

	type bucket struct {
		P     float64 `json:"p"`
		Qty   float64 `json:"qty"`
		Count int     `json:"count"`
	}
	toBuckets := func(levels []book.Level) []bucket {
		out := make([]bucket, len(levels))
		for i, lvl := range levels {
			out[i] = bucket{P: lvl.Price.InexactFloat64(), Qty: lvl.TotalQuantity.InexactFloat64(), Count: lvl.OrderCount}
		}
		return out
	}

	c.JSON(http.StatusOK, gin.H{
		"auctionId": auctionID,
		"mid":       fptr(snap.Metrics.MidPrice),
		"bestBid":   fptr(snap.Metrics.BestBid),
		"bestAsk":   fptr(snap.Metrics.BestAsk),
		"bids":      toBuckets(snap.Bids),
		"asks":      toBuckets(snap.Asks),
	})
}

type joinRequest struct {
	AccountID *int64 `json:"accountId"`
}

// joinAuction registers the caller as a participant. Open auctions
// auto-approve; closed auctions start pending.
func (s *Server) joinAuction(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	user := auth.CurrentUser(c)
	if user.IsAdmin {
		respondError(c, apperr.Forbidden("admins do not trade"))
		return
	}

	auction, err := s.db.GetAuction(auctionID)
	if err != nil {
		respondError(c, apperr.NotFound("auction not found"))
		return
	}
	if auction.Status != database.AuctionCollecting {
		respondError(c, apperr.BadRequest("auction is not accepting participants"))
		return
	}

	var req joinRequest
	_ = c.ShouldBindJSON(&req)

	status := database.ApprovalApproved
	if auction.Type == database.AuctionTypeClosed {
		status = database.ApprovalPending
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing database.Participant
		findErr := tx.Where("auction_id = ? AND trader_id = ?", auctionID, user.ID).First(&existing).Error
		if findErr == gorm.ErrRecordNotFound {
			return tx.Create(&database.Participant{
				AuctionID: auctionID,
				TraderID:  user.ID,
				AccountID: req.AccountID,
				Status:    status,
				JoinedAt:  time.Now().UTC(),
			}).Error
		}
		if findErr != nil {
			return findErr
		}
		return tx.Model(&database.Participant{}).Where("id = ?", existing.ID).
			Updates(map[string]any{"account_id": req.AccountID, "status": status}).Error
	})
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Joined auction"
	if status == database.ApprovalPending {
		message = "Join request submitted"
	}
	c.JSON(http.StatusCreated, gin.H{"message": message, "status": status})
}

func (s *Server) myParticipation(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	user := auth.CurrentUser(c)
	var participant database.Participant
	findErr := s.db.Gorm().Where("auction_id = ? AND trader_id = ?", auctionID, user.ID).First(&participant).Error
	if findErr == gorm.ErrRecordNotFound {
		c.JSON(http.StatusOK, gin.H{"status": nil, "accountId": nil})
		return
	}
	if findErr != nil {
		respondError(c, findErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auctionId": participant.AuctionID,
		"traderId":  participant.TraderID,
		"accountId": participant.AccountID,
		"status":    participant.Status,
	})
}

type placeOrderRequest struct {
	Side     string `json:"side"`
	Type     string `json:"type"` // accepted alias for side
	Price    any    `json:"price"`
	Quantity any    `json:"quantity"`
}

// placeOrder validates and persists one order. Bids reserve price*quantity
// in the same transaction as the order insert.
func (s *Server) placeOrder(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	user := auth.CurrentUser(c)
	if user.IsAdmin {
		respondError(c, apperr.Forbidden("admins do not trade"))
		return
	}

	auction, err := s.db.GetAuction(auctionID)
	if err != nil {
		respondError(c, apperr.NotFound("auction not found"))
		return
	}
	if auction.Status != database.AuctionCollecting {
		respondError(c, apperr.BadRequest("auction is not collecting orders"))
		return
	}
	now := time.Now().UTC()
	if auction.WindowStart != nil && now.Before(*auction.WindowStart) {
		respondError(c, apperr.BadRequest("auction window has not started"))
		return
	}
	if auction.WindowEnd != nil && now.After(*auction.WindowEnd) {
		respondError(c, apperr.BadRequest("auction window has ended"))
		return
	}
	if auction.Type == database.AuctionTypeClosed {
		var participant database.Participant
		findErr := s.db.Gorm().Where("auction_id = ? AND trader_id = ?", auctionID, user.ID).First(&participant).Error
		if findErr != nil || participant.Status != database.ApprovalApproved {
			respondError(c, apperr.Forbidden("not approved to participate in this auction"))
			return
		}
	}

	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}
	side := req.Side
	if side == "" {
		side = req.Type
	}
	if side != database.SideBid && side != database.SideAsk {
		respondError(c, apperr.BadRequest("field 'side' must be 'bid' or 'ask'"))
		return
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		respondError(c, apperr.BadRequest("field 'price' must be a positive number"))
		return
	}
	quantity, ok := parseAmount(req.Quantity)
	if !ok {
		respondError(c, apperr.BadRequest("field 'quantity' must be a positive number"))
		return
	}

	order := database.AuctionOrder{
		AuctionID: auctionID,
		TraderID:  user.ID,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Status:    database.OrderOpen,
		CreatedAt: now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if side == database.SideBid {
			reserve := money.MulQuant(price, quantity)
			result, reserveErr := wallet.Reserve(tx, user.ID, reserve, map[string]any{
				"auctionId": auctionID,
				"orderSide": side,
				"price":     price.String(),
				"quantity":  quantity.String(),
			})
			if reserveErr != nil {
				return reserveErr
			}
			order.ReservedAmount = &reserve
			order.ReserveTxID = &result.TxID
		}
		return tx.Create(&order).Error
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"message": "Order placed", "id": order.ID}
	if order.ReservedAmount != nil {
		resp["reservedAmount"] = order.ReservedAmount.InexactFloat64()
	}
	c.JSON(http.StatusCreated, resp)
}

// parseAmount accepts JSON numbers or strings and requires a positive
// value.
func parseAmount(v any) (decimal.Decimal, bool) {
	switch value := v.(type) {
	case float64:
		d := decimal.NewFromFloat(value)
		if d.IsPositive() {
			return d, true
		}
	case string:
		return money.ParsePositive(value)
	}
	return decimal.Decimal{}, false
}
