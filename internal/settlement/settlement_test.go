package settlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/auctiond/internal/clearing"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/docs"
	"github.com/web3guy0/auctiond/internal/money"
	"github.com/web3guy0/auctiond/internal/wallet"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testEnv(t *testing.T) (*database.Database, *Pipeline) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := database.NewWithGorm(gdb)
	require.NoError(t, err)
	receipts := docs.NewWriter(t.TempDir(), "test_secret")
	return db, New(db, receipts, nil)
}

func createAuction(t *testing.T, db *database.Database, k string) *database.Auction {
	t.Helper()
	auction := &database.Auction{
		Product:        "grain",
		Type:           database.AuctionTypeOpen,
		K:              dec(k),
		Status:         database.AuctionCollecting,
		ApprovalStatus: database.ApprovalApproved,
		CreatorID:      1,
		CreatedAt:      baseTime,
	}
	require.NoError(t, db.Gorm().Create(auction).Error)
	return auction
}

// placeBid funds the trader, reserves price*qty and persists the order,
// mirroring the order-placement flow.
func placeBid(t *testing.T, db *database.Database, auctionID, traderID int64, price, qty string, offset time.Duration) *database.AuctionOrder {
	t.Helper()
	p, q := dec(price), dec(qty)
	reserve := money.MulQuant(p, q)
	var order database.AuctionOrder
	err := db.Transaction(func(tx *gorm.DB) error {
		res, err := wallet.Reserve(tx, traderID, reserve, nil)
		if err != nil {
			return err
		}
		order = database.AuctionOrder{
			AuctionID:      auctionID,
			TraderID:       traderID,
			Side:           database.SideBid,
			Price:          p,
			Quantity:       q,
			Status:         database.OrderOpen,
			ReservedAmount: &reserve,
			ReserveTxID:    &res.TxID,
			CreatedAt:      baseTime.Add(offset),
		}
		return tx.Create(&order).Error
	})
	require.NoError(t, err)
	return &order
}

func placeAsk(t *testing.T, db *database.Database, auctionID, traderID int64, price, qty string, offset time.Duration) *database.AuctionOrder {
	t.Helper()
	order := database.AuctionOrder{
		AuctionID: auctionID,
		TraderID:  traderID,
		Side:      database.SideAsk,
		Price:     dec(price),
		Quantity:  dec(qty),
		Status:    database.OrderOpen,
		CreatedAt: baseTime.Add(offset),
	}
	require.NoError(t, db.Gorm().Create(&order).Error)
	return &order
}

func deposit(t *testing.T, db *database.Database, userID int64, amount string) {
	t.Helper()
	_, err := wallet.Deposit(db.Gorm(), userID, dec(amount), nil)
	require.NoError(t, err)
}

func runRound(t *testing.T, db *database.Database, p *Pipeline, auction *database.Auction, now time.Time) (*database.AuctionClearingRound, clearing.Result) {
	t.Helper()
	orders, err := database.OpenOrders(db.Gorm(), auction.ID)
	require.NoError(t, err)
	input := make([]clearing.Order, len(orders))
	for i, o := range orders {
		input[i] = clearing.FromModel(o)
	}
	result := clearing.Clear(input, auction.K)
	round, err := p.Run(auction, orders, result, now)
	require.NoError(t, err)
	return round, result
}

func balances(t *testing.T, db *database.Database, userID int64) *wallet.Balances {
	t.Helper()
	bal, err := wallet.Balance(db.Gorm(), userID)
	require.NoError(t, err)
	return bal
}

func TestRun_SymmetricCross(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 10, "50")
	placeBid(t, db, auction.ID, 10, "10", "5", 0)
	placeAsk(t, db, auction.ID, 20, "10", "5", time.Second)

	round, result := runRound(t, db, pipeline, auction, baseTime.Add(time.Minute))

	require.True(t, result.HasTrades())
	assert.Equal(t, "10", result.Price.String())
	assert.Equal(t, 1, round.RoundNumber)
	assert.Equal(t, 2, round.MatchedOrders)

	// The bidder's reservation is fully consumed; the seller is credited.
	buyer := balances(t, db, 10)
	assert.Equal(t, "0", buyer.Available.String())
	assert.Equal(t, "0", buyer.Reserved.String())
	seller := balances(t, db, 20)
	assert.Equal(t, "50", seller.Available.String())

	// Both orders closed out.
	var orders []database.AuctionOrder
	require.NoError(t, db.Gorm().Where("auction_id = ?", auction.ID).Find(&orders).Error)
	for _, o := range orders {
		assert.Equal(t, database.OrderCleared, o.Status)
		require.NotNil(t, o.ClearedQuantity)
		assert.Equal(t, "5", o.ClearedQuantity.String())
	}

	// Buyer holds the product; the seller's short row was pruned.
	var inv database.TraderInventory
	require.NoError(t, db.Gorm().Where("trader_id = ? AND product = ?", 10, "grain").First(&inv).Error)
	assert.Equal(t, "5", inv.Quantity.String())
}

func TestRun_BidRefundOnLowerClearing(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "20")
	placeBid(t, db, auction.ID, 1, "20", "1", 0)
	placeAsk(t, db, auction.ID, 2, "10", "1", time.Second)

	_, result := runRound(t, db, pipeline, auction, baseTime.Add(time.Minute))

	require.True(t, result.HasTrades())
	assert.Equal(t, "15", result.Price.String())

	// Bidder spent 15 of the 20 reservation and got 5 back.
	buyer := balances(t, db, 1)
	assert.Equal(t, "5", buyer.Available.String())
	assert.Equal(t, "0", buyer.Reserved.String())
	seller := balances(t, db, 2)
	assert.Equal(t, "15", seller.Available.String())

	var inv database.TraderInventory
	require.NoError(t, db.Gorm().Where("trader_id = ?", 1).First(&inv).Error)
	assert.Equal(t, "1", inv.Quantity.String())

	// Seller's inventory went negative and was pruned.
	var count int64
	db.Gorm().Model(&database.TraderInventory{}).Where("trader_id = ?", 2).Count(&count)
	assert.Zero(t, count)
}

func TestRun_PartialFillKeepsReservationLocked(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "22")
	deposit(t, db, 2, "22")
	placeBid(t, db, auction.ID, 1, "11", "2", 0)
	placeBid(t, db, auction.ID, 2, "11", "2", time.Second)
	placeAsk(t, db, auction.ID, 3, "9", "3", 2*time.Second)

	_, result := runRound(t, db, pipeline, auction, baseTime.Add(time.Minute))
	require.True(t, result.HasTrades())
	assert.Equal(t, "10", result.Price.String())
	assert.Equal(t, "3", result.Volume.String())

	// First bid fully filled: spent 20, released 2.
	first := balances(t, db, 1)
	assert.Equal(t, "2", first.Available.String())
	assert.Equal(t, "0", first.Reserved.String())

	// Second bid filled 1 of 2: spent 10, released 1, the remaining 11
	// stays locked for future rounds.
	second := balances(t, db, 2)
	assert.Equal(t, "1", second.Available.String())
	assert.Equal(t, "11", second.Reserved.String())

	var open []database.AuctionOrder
	require.NoError(t, db.Gorm().Where("auction_id = ? AND status = ?", auction.ID, database.OrderOpen).Find(&open).Error)
	require.Len(t, open, 1)
	assert.Equal(t, int64(2), open[0].TraderID)
	assert.Equal(t, "1", open[0].Quantity.String())

	// Second round fills the remainder; conservation of reserve (P2):
	// spend + release across rounds equals the original reservation.
	placeAsk(t, db, auction.ID, 4, "11", "1", 3*time.Second)
	_, result2 := runRound(t, db, pipeline, auction, baseTime.Add(10*time.Minute))
	require.True(t, result2.HasTrades())

	second = balances(t, db, 2)
	assert.Equal(t, "0", second.Reserved.String())

	var sum struct{ Total decimal.Decimal }
	require.NoError(t, db.Gorm().Model(&database.WalletTransaction{}).
		Where("user_id = ? AND type IN ?", 2, []string{database.TxSpend, database.TxRelease}).
		Select("COALESCE(SUM(ABS(amount)), 0) as total").Scan(&sum).Error)
	assert.Equal(t, "22", sum.Total.String())
}

func TestRun_EmptyRoundStillRecorded(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "50")
	placeBid(t, db, auction.ID, 1, "5", "10", 0)
	placeAsk(t, db, auction.ID, 2, "7", "10", time.Second)

	round, result := runRound(t, db, pipeline, auction, baseTime.Add(time.Minute))

	assert.False(t, result.HasTrades())
	require.NotNil(t, round)
	assert.Equal(t, 1, round.RoundNumber)
	assert.Nil(t, round.ClearingPrice)
	assert.Nil(t, round.ClearingVolume)
	assert.Equal(t, 1, round.TotalBids)
	assert.Equal(t, 1, round.TotalAsks)
	assert.Zero(t, round.MatchedOrders)

	// No wallet movement beyond the original reserve.
	buyer := balances(t, db, 1)
	assert.Equal(t, "0", buyer.Available.String())
	assert.Equal(t, "50", buyer.Reserved.String())

	// Orders stay open for the next round.
	var open int64
	db.Gorm().Model(&database.AuctionOrder{}).Where("auction_id = ? AND status = ?", auction.ID, database.OrderOpen).Count(&open)
	assert.Equal(t, int64(2), open)
}

func TestRun_RoundNumbersMonotonic(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "1000")
	for i := 0; i < 3; i++ {
		placeBid(t, db, auction.ID, 1, "10", "1", time.Duration(i)*time.Second)
		placeAsk(t, db, auction.ID, 2, "10", "1", time.Duration(i)*time.Second+time.Millisecond)
		runRound(t, db, pipeline, auction, baseTime.Add(time.Duration(i+1)*10*time.Minute))
	}

	var rounds []database.AuctionClearingRound
	require.NoError(t, db.Gorm().Where("auction_id = ?", auction.ID).Order("id ASC").Find(&rounds).Error)
	require.Len(t, rounds, 3)
	for i, round := range rounds {
		assert.Equal(t, i+1, round.RoundNumber)
	}
	assert.Equal(t, 3, auction.CurrentRound)
}

func TestRun_InventoryParityAndAudit(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "100")
	deposit(t, db, 2, "100")
	placeBid(t, db, auction.ID, 1, "10", "4", 0)
	placeBid(t, db, auction.ID, 2, "9", "2", time.Second)
	placeAsk(t, db, auction.ID, 3, "8", "5", 2*time.Second)

	_, result := runRound(t, db, pipeline, auction, baseTime.Add(time.Minute))
	require.True(t, result.HasTrades())

	// P8: inventory deltas sum to zero across all traders.
	var txs []database.ResourceTransaction
	require.NoError(t, db.Gorm().Find(&txs).Error)
	total := decimal.Zero
	for _, tx := range txs {
		switch tx.Type {
		case database.ResourceInventoryAdd:
			total = total.Add(tx.Quantity)
		case database.ResourceInventoryRemove:
			total = total.Sub(tx.Quantity)
		}
		assert.True(t, tx.Quantity.IsPositive())
		assert.Contains(t, tx.Notes, fmt.Sprintf("Auction #%d", auction.ID))
	}
	assert.True(t, total.IsZero(), "net inventory delta %s", total)
}

func TestRun_SnapshotWritten(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "50")
	placeBid(t, db, auction.ID, 1, "10", "5", 0)
	placeAsk(t, db, auction.ID, 2, "10", "5", time.Second)
	runRound(t, db, pipeline, auction, baseTime.Add(time.Minute))

	var snap database.InventorySnapshot
	require.NoError(t, db.Gorm().Where("auction_id = ?", auction.ID).First(&snap).Error)
	assert.Equal(t, 1, snap.RoundNumber)

	var data map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(snap.SnapshotData), &data))
	assert.Equal(t, "5", data["1"]["grain"])
}

func TestRun_ReceiptsWritten(t *testing.T) {
	db, pipeline := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "50")
	placeBid(t, db, auction.ID, 1, "10", "5", 0)
	placeAsk(t, db, auction.ID, 2, "10", "5", time.Second)
	runRound(t, db, pipeline, auction, baseTime.Add(time.Minute))

	names, err := pipeline.receipts.List(auction.ID)
	require.NoError(t, err)
	require.Len(t, names, 2)
	joined := strings.Join(names, " ")
	assert.Contains(t, joined, "buyer_trader_1")
	assert.Contains(t, joined, "seller_trader_2")
}

func TestRejectOpenOrders_ReleasesReservations(t *testing.T) {
	db, _ := testEnv(t)
	auction := createAuction(t, db, "0.5")

	deposit(t, db, 1, "30")
	placeBid(t, db, auction.ID, 1, "10", "3", 0)
	placeAsk(t, db, auction.ID, 2, "12", "3", time.Second)

	err := db.Transaction(func(tx *gorm.DB) error {
		return RejectOpenOrders(tx, auction, baseTime.Add(time.Minute))
	})
	require.NoError(t, err)

	var statuses []string
	require.NoError(t, db.Gorm().Model(&database.AuctionOrder{}).
		Where("auction_id = ?", auction.ID).Pluck("status", &statuses).Error)
	for _, status := range statuses {
		assert.Equal(t, database.OrderRejected, status)
	}

	bal := balances(t, db, 1)
	assert.Equal(t, "30", bal.Available.String())
	assert.Equal(t, "0", bal.Reserved.String())
}
