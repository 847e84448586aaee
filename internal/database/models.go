package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing lifecycle.
const (
	ListingDraft     = "draft"
	ListingPublished = "published"
	ListingArchived  = "archived"
)

// Auction lifecycle and approval.
const (
	AuctionCollecting = "collecting"
	AuctionCleared    = "cleared"
	AuctionClosed     = "closed"

	AuctionTypeOpen   = "open"
	AuctionTypeClosed = "closed"

	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Order sides and statuses.
const (
	SideBid = "bid"
	SideAsk = "ask"

	OrderOpen     = "open"
	OrderCleared  = "cleared"
	OrderRejected = "rejected"
)

// Wallet transaction types.
const (
	TxDeposit  = "deposit"
	TxWithdraw = "withdraw"
	TxReserve  = "reserve"
	TxRelease  = "release"
	TxSpend    = "spend"
)

// Resource transaction types.
const (
	ResourceDeposit         = "deposit"
	ResourceWithdraw        = "withdraw"
	ResourceInventoryAdd    = "inventoryAdd"
	ResourceInventoryRemove = "inventoryRemove"
)

// User covers both traders and admins.
type User struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;size:64"`
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Listing is a product listing an auction can be tied to.
type Listing struct {
	ID           int64            `gorm:"primaryKey;autoIncrement"`
	Title        string           `gorm:"size:255"`
	StartingBid  decimal.Decimal  `gorm:"type:decimal(20,6)"`
	CurrentBid   *decimal.Decimal `gorm:"type:decimal(20,6)"`
	Unit         string           `gorm:"size:32"`
	BaseQuantity *decimal.Decimal `gorm:"type:decimal(20,6)"`
	OwnerID      int64            `gorm:"index"`
	Status       string           `gorm:"size:16;default:draft"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Auction is one call market over a single product.
type Auction struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	Product        string          `gorm:"size:255"`
	Type           string          `gorm:"size:16;default:open"`
	K              decimal.Decimal `gorm:"column:k_value;type:decimal(10,6)"`
	WindowStart    *time.Time
	WindowEnd      *time.Time
	Status         string `gorm:"size:16;index;default:collecting"`
	ApprovalStatus string `gorm:"size:16;default:approved"`
	CreatorID      int64
	AdminID        *int64
	ListingID      *int64 `gorm:"index"`

	LastClearingAt *time.Time
	NextClearingAt *time.Time
	CurrentRound   int

	ClearingPrice     *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingQuantity  *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingDemand    *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingSupply    *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingPriceLow  *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingPriceHigh *decimal.Decimal `gorm:"type:decimal(20,6)"`

	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Participant is a trader's membership in one auction.
type Participant struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	AuctionID int64 `gorm:"uniqueIndex:idx_participant_auction_trader"`
	TraderID  int64 `gorm:"uniqueIndex:idx_participant_auction_trader"`
	AccountID *int64
	Status    string `gorm:"size:16;default:pending"`
	JoinedAt  time.Time

	Auction Auction `gorm:"constraint:OnDelete:CASCADE"`
}

// AuctionOrder is one bid or ask resting in an auction's book.
type AuctionOrder struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	AuctionID int64           `gorm:"index:idx_order_auction_status"`
	TraderID  int64           `gorm:"index"`
	Side      string          `gorm:"size:8"`
	Price     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status    string          `gorm:"size:16;index:idx_order_auction_status;default:open"`

	ClearedPrice    *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearedQuantity *decimal.Decimal `gorm:"type:decimal(20,6)"`
	Iteration       *int

	ReservedAmount *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ReserveTxID    *int64

	CreatedAt time.Time

	Auction Auction `gorm:"constraint:OnDelete:CASCADE"`
}

// WalletAccount keeps one row per user, created lazily on first movement.
type WalletAccount struct {
	UserID    int64           `gorm:"primaryKey"`
	Available decimal.Decimal `gorm:"type:decimal(20,6)"`
	Reserved  decimal.Decimal `gorm:"type:decimal(20,6)"`
	UpdatedAt time.Time
}

// WalletTransaction is the append-only ledger log. Amount is signed:
// negative for withdraw/reserve/spend. BalanceAfter records the available
// balance after the operation.
type WalletTransaction struct {
	ID           int64           `gorm:"primaryKey;autoIncrement"`
	UserID       int64           `gorm:"index"`
	Type         string          `gorm:"size:16"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,6)"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,6)"`
	Meta         string          `gorm:"type:text"`
	CreatedAt    time.Time
}

// TraderInventory keys product balances by (trader, product). Rows at or
// below zero are removed.
type TraderInventory struct {
	TraderID  int64           `gorm:"primaryKey;autoIncrement:false"`
	Product   string          `gorm:"primaryKey;size:255"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,6)"`
	UpdatedAt time.Time
}

// ResourceTransaction is the append-only inventory audit log.
type ResourceTransaction struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	TraderID   int64           `gorm:"index"`
	Type       string          `gorm:"size:24"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,6)"`
	Notes      string          `gorm:"type:text"`
	OccurredAt time.Time
}

// AuctionClearingRound records one clearing round, including empty ones.
type AuctionClearingRound struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	AuctionID      int64 `gorm:"index"`
	RoundNumber    int
	ClearingPrice  *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingVolume *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingDemand *decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClearingSupply *decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalBids      int
	TotalAsks      int
	MatchedOrders  int
	ClearedAt      time.Time

	Auction Auction `gorm:"constraint:OnDelete:CASCADE"`
}

// InventorySnapshot captures the full trader -> product -> quantity map
// after one round. Audit artifact; never read back by clearing.
type InventorySnapshot struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	AuctionID    int64 `gorm:"index"`
	RoundNumber  int
	SnapshotData string `gorm:"type:text"`
	CreatedAt    time.Time

	Auction Auction `gorm:"constraint:OnDelete:CASCADE"`
}
