package api

import (
	"fmt"
	"math/rand"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/settlement"
)

type createAuctionRequest struct {
	Product        string `json:"product"`
	Type           string `json:"type"`
	K              any    `json:"k"`
	WindowStart    string `json:"windowStart"`
	WindowEnd      string `json:"windowEnd"`
	ListingID      *int64 `json:"listingId"`
	PublishListing *bool  `json:"publishListing"`
}

// createAuction publishes a new auction, optionally bound to a listing.
func (s *Server) createAuction(c *gin.Context) {
	user := auth.CurrentUser(c)

	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}

	product := strings.TrimSpace(req.Product)
	auctionType := strings.TrimSpace(req.Type)
	if auctionType == "" {
		auctionType = database.AuctionTypeOpen
	}
	if auctionType != database.AuctionTypeOpen && auctionType != database.AuctionTypeClosed {
		respondError(c, apperr.BadRequest("field 'type' must be 'open' or 'closed'"))
		return
	}

	k, ok := parseAmountAllowZero(req.K)
	if !ok || k.LessThan(decimal.Zero) || k.GreaterThan(decimal.NewFromInt(1)) {
		respondError(c, apperr.BadRequest("field 'k' must be between 0 and 1"))
		return
	}

	windowStart, err := parseTimePtr(req.WindowStart)
	if err != nil {
		respondError(c, err)
		return
	}
	windowEnd, err := parseTimePtr(req.WindowEnd)
	if err != nil {
		respondError(c, err)
		return
	}

	var listing *database.Listing
	if req.ListingID != nil {
		var row database.Listing
		if err := s.db.Gorm().First(&row, "id = ?", *req.ListingID).Error; err != nil {
			respondError(c, apperr.BadRequest("listing not found"))
			return
		}
		listing = &row
		if product == "" {
			product = strings.TrimSpace(listing.Title)
		}
	}
	if product == "" {
		respondError(c, apperr.BadRequest("field 'product' is required"))
		return
	}

	auction := database.Auction{
		Product:        product,
		Type:           auctionType,
		K:              k,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		Status:         database.AuctionCollecting,
		ApprovalStatus: database.ApprovalApproved,
		CreatorID:      user.ID,
		AdminID:        &user.ID,
		ListingID:      req.ListingID,
		CreatedAt:      time.Now().UTC(),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&auction).Error; err != nil {
			return err
		}
		publish := req.PublishListing == nil || *req.PublishListing
		if publish && listing != nil && listing.Status != database.ListingPublished {
			return tx.Model(&database.Listing{}).Where("id = ?", listing.ID).
				Update("status", database.ListingPublished).Error
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Auction created", "id": auction.ID})
}

// clearAuction forces a clearing round immediately, bypassing the
// scheduler queue (but not its transactional invariants).
func (s *Server) clearAuction(c *gin.Context) {
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
	if auction.Status != database.AuctionCollecting {
		respondError(c, apperr.BadRequest("auction not in collecting state"))
		return
	}

	round, result, err := s.scheduler.RunAuction(auction, time.Now().UTC())
	if err != nil {
		respondError(c, err)
		return
	}
	if round == nil || !result.HasTrades() {
		resp := gin.H{
			"message":     "No trades cleared",
			"price":       nil,
			"volume":      0,
			"allocations": []any{},
			"demand":      result.Demand.InexactFloat64(),
			"supply":      result.Supply.InexactFloat64(),
		}
		if round != nil {
			resp["round"] = round.RoundNumber
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	allocations := make([]gin.H, 0, len(result.Allocations))
	for _, alloc := range result.Allocations {
		allocations = append(allocations, gin.H{
			"orderId":  alloc.OrderID,
			"side":     alloc.Side,
			"quantity": alloc.ClearedQty.InexactFloat64(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Auction cleared",
		"round":   round.RoundNumber,
		"price":   result.Price.InexactFloat64(),
		"volume":  result.Volume.InexactFloat64(),
		"demand":  result.Demand.InexactFloat64(),
		"supply":  result.Supply.InexactFloat64(),
		"priceInterval": []any{
			fptr(result.PriceLow),
			fptr(result.PriceHigh),
		},
		"allocations": allocations,
	})
}

// closeAuction stops order collection and rejects the remaining book.
func (s *Server) closeAuction(c *gin.Context) {
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
	now := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&database.Auction{}).
			Where("id = ? AND status = ?", auctionID, database.AuctionCollecting).
			Updates(map[string]any{"status": database.AuctionClosed, "closed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("auction is not collecting")
		}
		return settlement.RejectOpenOrders(tx, auction, now)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Auction closed"})
}

func (s *Server) listAuctionOrders(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var orders []database.AuctionOrder
	if err := s.db.Gorm().Where("auction_id = ?", auctionID).
		Order("created_at ASC, id ASC").Find(&orders).Error; err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, len(orders))
	for i, o := range orders {
		out[i] = gin.H{
			"id":              o.ID,
			"traderId":        o.TraderID,
			"side":            o.Side,
			"price":           o.Price.InexactFloat64(),
			"quantity":        o.Quantity.InexactFloat64(),
			"status":          o.Status,
			"reservedAmount":  fptr(o.ReservedAmount),
			"reserveTxId":     o.ReserveTxID,
			"clearedPrice":    fptr(o.ClearedPrice),
			"clearedQuantity": fptr(o.ClearedQuantity),
			"iteration":       o.Iteration,
			"createdAt":       o.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listParticipants(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var participants []database.Participant
	if err := s.db.Gorm().Where("auction_id = ?", auctionID).
		Order("joined_at DESC").Find(&participants).Error; err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, len(participants))
	for i, p := range participants {
		out[i] = gin.H{
			"id":        p.ID,
			"auctionId": p.AuctionID,
			"traderId":  p.TraderID,
			"accountId": p.AccountID,
			"status":    p.Status,
			"joinedAt":  p.JoinedAt.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) approveParticipant(c *gin.Context) {
	s.setParticipantStatus(c, database.ApprovalApproved)
}

func (s *Server) rejectParticipant(c *gin.Context) {
	s.setParticipantStatus(c, database.ApprovalRejected)
}

func (s *Server) setParticipantStatus(c *gin.Context, status string) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	participantID, err := pathID(c, "pid")
	if err != nil {
		respondError(c, err)
		return
	}
	res := s.db.Gorm().Model(&database.Participant{}).
		Where("id = ? AND auction_id = ?", participantID, auctionID).
		Update("status", status)
	if res.Error != nil {
		respondError(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, apperr.NotFound("participant not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Participant " + status})
}

func (s *Server) listDocuments(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	names, err := s.receipts.List(auctionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) downloadDocument(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	filename := c.Param("filename")
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		respondError(c, apperr.BadRequest("invalid filename"))
		return
	}
	path := filepath.Join(s.receipts.Dir(auctionID), filename)
	c.FileAttachment(path, filename)
}

type seedRequest struct {
	Count         int      `json:"count"`
	BidsPerTrader int      `json:"bidsPerTrader"`
	AsksPerTrader int      `json:"asksPerTrader"`
	PriceCenter   *float64 `json:"priceCenter"`
	PriceSpread   *float64 `json:"priceSpread"`
	QuantityMin   *float64 `json:"quantityMin"`
	QuantityMax   *float64 `json:"quantityMax"`
	AllowCross    bool     `json:"allowCross"`
}

// seedRandomOrders creates bot traders with random orders around a price
// center. Test and demo tooling.
func (s *Server) seedRandomOrders(c *gin.Context) {
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
	if auction.Status != database.AuctionCollecting {
		respondError(c, apperr.BadRequest("auction not collecting orders"))
		return
	}

	var req seedRequest
	_ = c.ShouldBindJSON(&req)
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.Count > 200 {
		respondError(c, apperr.BadRequest("count out of range (1..200)"))
		return
	}
	if req.BidsPerTrader <= 0 {
		req.BidsPerTrader = 1
	}
	if req.AsksPerTrader <= 0 {
		req.AsksPerTrader = 1
	}
	spreadPct := 5.0
	if req.PriceSpread != nil {
		spreadPct = *req.PriceSpread
	}
	qtyMin, qtyMax := 1.0, 10.0
	if req.QuantityMin != nil {
		qtyMin = *req.QuantityMin
	}
	if req.QuantityMax != nil {
		qtyMax = *req.QuantityMax
	}
	if qtyMin <= 0 || qtyMax <= 0 || qtyMin > qtyMax {
		respondError(c, apperr.BadRequest("invalid quantity range"))
		return
	}

	center := 100.0
	if req.PriceCenter != nil {
		center = *req.PriceCenter
	} else {
		orders, err := database.OpenOrders(s.db.Gorm(), auctionID)
		if err == nil && len(orders) > 0 {
			var bestBid, bestAsk *decimal.Decimal
			for i := range orders {
				o := orders[i]
				if o.Side == database.SideBid && (bestBid == nil || o.Price.GreaterThan(*bestBid)) {
					bestBid = &o.Price
				}
				if o.Side == database.SideAsk && (bestAsk == nil || o.Price.LessThan(*bestAsk)) {
					bestAsk = &o.Price
				}
			}
			switch {
			case bestBid != nil && bestAsk != nil:
				center = bestBid.Add(*bestAsk).Div(decimal.NewFromInt(2)).InexactFloat64()
			case bestBid != nil:
				center = bestBid.InexactFloat64()
			case bestAsk != nil:
				center = bestAsk.InexactFloat64()
			}
		}
	}

	now := time.Now().UTC()
	var created []int64
	var seeded []gin.H
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for i := 0; i < req.Count; i++ {
			hash, err := auth.HashPassword("password")
			if err != nil {
				return err
			}
			username := fmt.Sprintf("bot_%d_%s_%d", now.Unix(), uuid.NewString()[:6], i)
			user := database.User{Username: username, PasswordHash: hash, CreatedAt: now}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			created = append(created, user.ID)

			if err := tx.Create(&database.Participant{
				AuctionID: auctionID,
				TraderID:  user.ID,
				Status:    database.ApprovalApproved,
				JoinedAt:  now,
			}).Error; err != nil {
				return err
			}

			place := func(side string, price, qty float64) error {
				order := database.AuctionOrder{
					AuctionID: auctionID,
					TraderID:  user.ID,
					Side:      side,
					Price:     decimal.NewFromFloat(price).Round(6),
					Quantity:  decimal.NewFromFloat(qty).Round(6),
					Status:    database.OrderOpen,
					CreatedAt: now,
				}
				if err := tx.Create(&order).Error; err != nil {
					return err
				}
				seeded = append(seeded, gin.H{"side": side, "price": price, "quantity": qty})
				return nil
			}

			for b := 0; b < req.BidsPerTrader; b++ {
				// Bids bias at or below center, asks at or above, so a
				// fresh seed does not cross unless asked to.
				delta := center * (rand.Float64() * spreadPct / 100.0)
				price := center - delta
				if req.AllowCross {
					price = center + (rand.Float64()*2-1)*center*spreadPct/100.0
				}
				if price <= 0 {
					price = 0.000001
				}
				qty := qtyMin + rand.Float64()*(qtyMax-qtyMin)
				if err := place(database.SideBid, price, qty); err != nil {
					return err
				}
			}
			for a := 0; a < req.AsksPerTrader; a++ {
				delta := center * (rand.Float64() * spreadPct / 100.0)
				price := center + delta
				if req.AllowCross {
					price = center + (rand.Float64()*2-1)*center*spreadPct/100.0
				}
				if price <= 0 {
					price = 0.000001
				}
				qty := qtyMin + rand.Float64()*(qtyMax-qtyMin)
				if err := place(database.SideAsk, price, qty); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Seeded random orders",
		"auctionId":    auctionID,
		"createdUsers": created,
		"orders":       seeded,
		"priceCenter":  center,
	})
}

type cleanupRequest struct {
	UsernamePrefix string `json:"usernamePrefix"`
	RemoveUsers    bool   `json:"removeUsers"`
}

// cleanupBots removes bot orders and participants for one auction,
// optionally deleting accounts that no longer appear anywhere.
func (s *Server) cleanupBots(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := s.db.GetAuction(auctionID); err != nil {
		respondError(c, apperr.NotFound("auction not found"))
		return
	}

	var req cleanupRequest
	_ = c.ShouldBindJSON(&req)
	prefix := strings.TrimSpace(req.UsernamePrefix)
	if prefix == "" {
		prefix = "bot_"
	}
	pattern := prefix + "%"

	var botIDs []int64
	if err := s.db.Gorm().Model(&database.User{}).
		Where("username LIKE ?", pattern).
		Pluck("id", &botIDs).Error; err != nil {
		respondError(c, err)
		return
	}
	if len(botIDs) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "No bot users for this auction", "auctionId": auctionID,
			"removedOrders": 0, "removedParticipants": 0, "removedUsers": 0})
		return
	}

	var removedOrders, removedParticipants, removedUsers int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("auction_id = ? AND trader_id IN ?", auctionID, botIDs).Delete(&database.AuctionOrder{})
		if res.Error != nil {
			return res.Error
		}
		removedOrders = res.RowsAffected

		res = tx.Where("auction_id = ? AND trader_id IN ?", auctionID, botIDs).Delete(&database.Participant{})
		if res.Error != nil {
			return res.Error
		}
		removedParticipants = res.RowsAffected

		if !req.RemoveUsers {
			return nil
		}
		for _, id := range botIDs {
			var refs int64
			tx.Model(&database.AuctionOrder{}).Where("trader_id = ?", id).Count(&refs)
			var parts int64
			tx.Model(&database.Participant{}).Where("trader_id = ?", id).Count(&parts)
			if refs+parts > 0 {
				continue
			}
			if err := tx.Where("user_id = ?", id).Delete(&database.WalletTransaction{}).Error; err != nil {
				return err
			}
			if err := tx.Where("user_id = ?", id).Delete(&database.WalletAccount{}).Error; err != nil {
				return err
			}
			res := tx.Where("id = ?", id).Delete(&database.User{})
			if res.Error != nil {
				return res.Error
			}
			removedUsers += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":             "Cleanup completed",
		"auctionId":           auctionID,
		"botUserIds":          botIDs,
		"removedOrders":       removedOrders,
		"removedParticipants": removedParticipants,
		"removedUsers":        removedUsers,
		"usernamePrefix":      prefix,
	})
}

// purgeBots removes every bot user and all their data, globally.
func (s *Server) purgeBots(c *gin.Context) {
	var req cleanupRequest
	_ = c.ShouldBindJSON(&req)
	prefix := strings.TrimSpace(req.UsernamePrefix)
	if prefix == "" {
		prefix = "bot_"
	}
	pattern := prefix + "%"

	var botIDs []int64
	if err := s.db.Gorm().Model(&database.User{}).
		Where("username LIKE ?", pattern).
		Pluck("id", &botIDs).Error; err != nil {
		respondError(c, err)
		return
	}
	if len(botIDs) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "No bot users", "removedUsers": 0})
		return
	}

	var orders, participants, txs, wallets, users int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("trader_id IN ?", botIDs).Delete(&database.AuctionOrder{})
		if res.Error != nil {
			return res.Error
		}
		orders = res.RowsAffected
		res = tx.Where("trader_id IN ?", botIDs).Delete(&database.Participant{})
		if res.Error != nil {
			return res.Error
		}
		participants = res.RowsAffected
		res = tx.Where("user_id IN ?", botIDs).Delete(&database.WalletTransaction{})
		if res.Error != nil {
			return res.Error
		}
		txs = res.RowsAffected
		res = tx.Where("user_id IN ?", botIDs).Delete(&database.WalletAccount{})
		if res.Error != nil {
			return res.Error
		}
		wallets = res.RowsAffected
		res = tx.Where("id IN ?", botIDs).Delete(&database.User{})
		if res.Error != nil {
			return res.Error
		}
		users = res.RowsAffected
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":                   "Bots purged",
		"usernamePrefix":            prefix,
		"removedUsers":              users,
		"removedOrders":             orders,
		"removedParticipants":       participants,
		"removedWalletTransactions": txs,
		"removedWalletAccounts":     wallets,
		"botIds":                    botIDs,
	})
}

func parseTimePtr(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, apperr.BadRequest("invalid datetime format (use ISO 8601)")
	}
	utc := t.UTC()
	return &utc, nil
}

// parseAmountAllowZero parses a JSON number or string without requiring it
// to be positive (k may legitimately be 0).
func parseAmountAllowZero(v any) (decimal.Decimal, bool) {
	switch value := v.(type) {
	case float64:
		return decimal.NewFromFloat(value), true
	case string:
		d, err := decimal.NewFromString(value)
		return d, err == nil
	case nil:
		return decimal.Decimal{}, false
	}
	return decimal.Decimal{}, false
}
