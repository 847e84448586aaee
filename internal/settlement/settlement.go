// Package settlement applies a clearing result to persistent state: order
// statuses, wallet movements, inventory deltas, round history and the
// post-round inventory snapshot, all inside one database transaction.
package settlement

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/clearing"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/docs"
	"github.com/web3guy0/auctiond/internal/money"
	"github.com/web3guy0/auctiond/internal/notify"
	"github.com/web3guy0/auctiond/internal/telemetry"
	"github.com/web3guy0/auctiond/internal/wallet"
)

// Pipeline settles clearing rounds against the database and emits
// post-commit artifacts (receipts, notifications).
type Pipeline struct {
	db       *database.Database
	receipts *docs.Writer
	notifier *notify.Notifier
}

// New builds a settlement pipeline. receipts and notifier may be nil.
func New(db *database.Database, receipts *docs.Writer, notifier *notify.Notifier) *Pipeline {
	return &Pipeline{db: db, receipts: receipts, notifier: notifier}
}

// Run settles one clearing round for an auction. The transaction commits
// entirely or not at all; on failure the auction's currentRound is left
// unchanged. Post-commit side effects are best-effort.
func (p *Pipeline) Run(auction *database.Auction, orders []database.AuctionOrder, result clearing.Result, now time.Time) (*database.AuctionClearingRound, error) {
	roundNumber := auction.CurrentRound + 1

	var round *database.AuctionClearingRound
	err := p.db.Transaction(func(tx *gorm.DB) error {
		var err error
		round, err = settleTx(tx, auction, orders, result, roundNumber, now)
		return err
	})
	if err != nil {
		telemetry.RoundsCleared.WithLabelValues("failed").Inc()
		return nil, err
	}

	if result.HasTrades() {
		telemetry.RoundsCleared.WithLabelValues("traded").Inc()
		telemetry.OrdersMatched.Add(float64(round.MatchedOrders))
		vol, _ := result.Volume.Float64()
		telemetry.ClearingVolume.Observe(vol)
		p.emitArtifacts(auction, orders, result, roundNumber, now)
	} else {
		telemetry.RoundsCleared.WithLabelValues("empty").Inc()
	}

	return round, nil
}

func settleTx(tx *gorm.DB, auction *database.Auction, orders []database.AuctionOrder, result clearing.Result, roundNumber int, now time.Time) (*database.AuctionClearingRound, error) {
	byID := make(map[int64]*database.AuctionOrder, len(orders))
	totalBids, totalAsks := 0, 0
	for i := range orders {
		byID[orders[i].ID] = &orders[i]
		if orders[i].Side == database.SideBid {
			totalBids++
		} else {
			totalAsks++
		}
	}

	matched := 0
	for _, alloc := range result.Allocations {
		if !alloc.ClearedQty.IsPositive() {
			continue
		}
		order, ok := byID[alloc.OrderID]
		if !ok {
			continue
		}
		matched++

		price := *result.Price
		clearedQty := money.Quantize6(alloc.ClearedQty)

		if err := applyOrderFill(tx, order, price, clearedQty, roundNumber); err != nil {
			return nil, err
		}
		if err := applyWalletMoves(tx, auction, order, price, clearedQty, roundNumber); err != nil {
			return nil, err
		}
		if err := applyInventoryDelta(tx, auction, order, clearedQty, roundNumber, now); err != nil {
			return nil, err
		}
	}

	if matched > 0 {
		if err := database.PruneEmptyInventory(tx); err != nil {
			return nil, err
		}
	}

	round := &database.AuctionClearingRound{
		AuctionID:     auction.ID,
		RoundNumber:   roundNumber,
		TotalBids:     totalBids,
		TotalAsks:     totalAsks,
		MatchedOrders: matched,
		ClearedAt:     now,
	}
	if result.HasTrades() {
		round.ClearingPrice = result.Price
		volume := result.Volume
		round.ClearingVolume = &volume
	}
	demand := result.Demand
	supply := result.Supply
	round.ClearingDemand = &demand
	round.ClearingSupply = &supply
	if err := tx.Create(round).Error; err != nil {
		return nil, err
	}

	if err := writeSnapshot(tx, auction.ID, roundNumber, now); err != nil {
		return nil, err
	}

	updates := map[string]any{
		"current_round":    roundNumber,
		"last_clearing_at": now,
		"clearing_demand":  result.Demand,
		"clearing_supply":  result.Supply,
	}
	if result.HasTrades() {
		updates["clearing_price"] = *result.Price
		updates["clearing_quantity"] = result.Volume
		updates["clearing_price_low"] = *result.PriceLow
		updates["clearing_price_high"] = *result.PriceHigh
	}
	res := tx.Model(&database.Auction{}).
		Where("id = ? AND current_round = ?", auction.ID, auction.CurrentRound).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Another settlement advanced the round concurrently.
		return nil, apperr.Conflict("auction %d round advanced concurrently", auction.ID)
	}
	auction.CurrentRound = roundNumber
	auction.LastClearingAt = &now

	return round, nil
}

// applyOrderFill updates one order row for its fill. Fully filled orders
// close out; partial fills reduce quantity and stay open for the next
// round.
func applyOrderFill(tx *gorm.DB, order *database.AuctionOrder, price, clearedQty decimal.Decimal, roundNumber int) error {
	prevCleared := decimal.Zero
	if order.ClearedQuantity != nil {
		prevCleared = *order.ClearedQuantity
	}
	cumulative := prevCleared.Add(clearedQty)

	if clearedQty.GreaterThanOrEqual(order.Quantity) {
		return tx.Model(&database.AuctionOrder{}).Where("id = ?", order.ID).Updates(map[string]any{
			"status":           database.OrderCleared,
			"cleared_price":    price,
			"cleared_quantity": cumulative,
			"iteration":        roundNumber,
		}).Error
	}

	remaining := order.Quantity.Sub(clearedQty)
	order.Quantity = remaining
	return tx.Model(&database.AuctionOrder{}).Where("id = ?", order.ID).Updates(map[string]any{
		"quantity":         remaining,
		"status":           database.OrderOpen,
		"cleared_price":    price,
		"cleared_quantity": cumulative,
		"iteration":        roundNumber,
	}).Error
}

// applyWalletMoves spends the bid reservation (releasing any difference
// between the bid price and the clearing price) or credits ask proceeds.
// Only the cleared portion moves; a partially filled bid keeps the rest of
// its reservation locked for future rounds.
func applyWalletMoves(tx *gorm.DB, auction *database.Auction, order *database.AuctionOrder, price, clearedQty decimal.Decimal, roundNumber int) error {
	meta := map[string]any{
		"auctionId": auction.ID,
		"orderId":   order.ID,
		"round":     roundNumber,
		"product":   auction.Product,
	}
	if order.ReserveTxID != nil {
		meta["reserveTxId"] = *order.ReserveTxID
	}

	switch order.Side {
	case database.SideBid:
		spent := money.MulQuant(price, clearedQty)
		if spent.IsPositive() {
			spendMeta := withAction(meta, "clearing_bid")
			spendMeta["clearingPrice"] = price.String()
			spendMeta["quantity"] = clearedQty.String()
			if _, err := wallet.Spend(tx, order.TraderID, spent, spendMeta); err != nil {
				return err
			}
		}
		reservedForFill := money.MulQuant(order.Price, clearedQty)
		refund := reservedForFill.Sub(spent)
		if refund.IsPositive() {
			releaseMeta := withAction(meta, "clearing_refund")
			releaseMeta["refund"] = refund.String()
			if _, err := wallet.Release(tx, order.TraderID, refund, releaseMeta); err != nil {
				return err
			}
		}
	case database.SideAsk:
		proceeds := money.MulQuant(price, clearedQty)
		if proceeds.IsPositive() {
			depositMeta := withAction(meta, "clearing_ask")
			depositMeta["clearingPrice"] = price.String()
			depositMeta["quantity"] = clearedQty.String()
			if _, err := wallet.Deposit(tx, order.TraderID, proceeds, depositMeta); err != nil {
				return err
			}
		}
	}
	return nil
}

func withAction(meta map[string]any, action string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["action"] = action
	return out
}

// applyInventoryDelta moves product between seller and buyer and logs the
// movement in the resource audit trail.
func applyInventoryDelta(tx *gorm.DB, auction *database.Auction, order *database.AuctionOrder, clearedQty decimal.Decimal, roundNumber int, now time.Time) error {
	delta := clearedQty
	txType := database.ResourceInventoryAdd
	if order.Side == database.SideAsk {
		delta = clearedQty.Neg()
		txType = database.ResourceInventoryRemove
	}
	if err := database.UpsertInventory(tx, order.TraderID, auction.Product, delta, now); err != nil {
		return err
	}
	return tx.Create(&database.ResourceTransaction{
		TraderID:   order.TraderID,
		Type:       txType,
		Quantity:   clearedQty,
		Notes:      "Auction #" + strconv.FormatInt(auction.ID, 10) + ", round #" + strconv.Itoa(roundNumber) + ", order #" + strconv.FormatInt(order.ID, 10),
		OccurredAt: now,
	}).Error
}

// writeSnapshot captures the whole trader -> product -> quantity map after
// the round.
func writeSnapshot(tx *gorm.DB, auctionID int64, roundNumber int, now time.Time) error {
	var rows []database.TraderInventory
	if err := tx.Where("quantity > 0").Order("trader_id, product").Find(&rows).Error; err != nil {
		return err
	}
	snapshot := map[string]map[string]string{}
	for _, row := range rows {
		key := strconv.FormatInt(row.TraderID, 10)
		if snapshot[key] == nil {
			snapshot[key] = map[string]string{}
		}
		snapshot[key][row.Product] = row.Quantity.String()
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return tx.Create(&database.InventorySnapshot{
		AuctionID:    auctionID,
		RoundNumber:  roundNumber,
		SnapshotData: string(raw),
		CreatedAt:    now,
	}).Error
}

// RejectOpenOrders marks the remaining open orders of a closed auction as
// rejected and releases any bid reservations still locked for them.
func RejectOpenOrders(tx *gorm.DB, auction *database.Auction, now time.Time) error {
	orders, err := database.OpenOrders(tx, auction.ID)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if err := tx.Model(&database.AuctionOrder{}).Where("id = ?", order.ID).
			Update("status", database.OrderRejected).Error; err != nil {
			return err
		}
		if order.Side != database.SideBid {
			continue
		}
		remaining := money.MulQuant(order.Price, order.Quantity)
		if !remaining.IsPositive() {
			continue
		}
		meta := map[string]any{
			"auctionId": auction.ID,
			"orderId":   order.ID,
			"action":    "order_rejected_release",
		}
		if _, err := wallet.Release(tx, order.TraderID, remaining, meta); err != nil {
			return err
		}
	}
	return nil
}

// emitArtifacts writes trade receipts and posts the round notification.
// Both are post-commit and best-effort.
func (p *Pipeline) emitArtifacts(auction *database.Auction, orders []database.AuctionOrder, result clearing.Result, roundNumber int, now time.Time) {
	byID := make(map[int64]*database.AuctionOrder, len(orders))
	for i := range orders {
		byID[orders[i].ID] = &orders[i]
	}
	matched := 0
	for _, alloc := range result.Allocations {
		if !alloc.ClearedQty.IsPositive() {
			continue
		}
		order, ok := byID[alloc.OrderID]
		if !ok {
			continue
		}
		matched++
		if p.receipts != nil {
			role := docs.RoleBuyer
			if order.Side == database.SideAsk {
				role = docs.RoleSeller
			}
			receipt := docs.Receipt{
				AuctionID: auction.ID,
				Role:      role,
				TraderID:  order.TraderID,
				Product:   auction.Product,
				Price:     *result.Price,
				Quantity:  alloc.ClearedQty,
				Total:     money.MulQuant(*result.Price, alloc.ClearedQty),
				Timestamp: now,
			}
			if _, err := p.receipts.Write(receipt); err != nil {
				log.Warn().Err(err).Int64("auction", auction.ID).Int64("order", order.ID).
					Msg("Failed to write trade receipt")
			}
		}
	}
	p.notifier.RoundCleared(auction.ID, auction.Product, roundNumber, *result.Price, result.Volume, matched)
}
