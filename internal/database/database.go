package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Database wraps the gorm handle and owns schema migration.
type Database struct {
	db *gorm.DB
}

// New opens a PostgreSQL connection when url looks like a postgres URL,
// otherwise a SQLite file, then migrates the schema once.
func New(url string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = gorm.Open(postgres.Open(url), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(url)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(url), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", url).Msg("Database initialized (SQLite)")
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// NewWithGorm wraps an already-open gorm handle (used by tests) and
// migrates the schema.
func NewWithGorm(db *gorm.DB) (*Database, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// migrate applies the forward-only schema. It runs exactly once, at startup.
func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Listing{},
		&Auction{},
		&Participant{},
		&AuctionOrder{},
		&WalletAccount{},
		&WalletTransaction{},
		&TraderInventory{},
		&ResourceTransaction{},
		&AuctionClearingRound{},
		&InventorySnapshot{},
	)
}

// Gorm exposes the underlying handle for query composition.
func (d *Database) Gorm() *gorm.DB {
	return d.db
}

// Transaction runs fn inside a single database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

// User operations

func (d *Database) CreateUser(user *User) error {
	return d.db.Create(user).Error
}

func (d *Database) GetUser(id int64) (*User, error) {
	var user User
	err := d.db.First(&user, "id = ?", id).Error
	return &user, err
}

func (d *Database) GetUserByUsername(username string) (*User, error) {
	var user User
	err := d.db.First(&user, "username = ?", username).Error
	return &user, err
}

// Auction operations

func (d *Database) GetAuction(id int64) (*Auction, error) {
	var auction Auction
	err := d.db.First(&auction, "id = ?", id).Error
	return &auction, err
}

// OpenOrders loads an auction's open book in submission order.
func OpenOrders(tx *gorm.DB, auctionID int64) ([]AuctionOrder, error) {
	var orders []AuctionOrder
	err := tx.Where("auction_id = ? AND status = ?", auctionID, OrderOpen).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

// DueAuctions selects collecting auctions whose next clearing time has
// arrived (or was never scheduled).
func DueAuctions(tx *gorm.DB, now time.Time) ([]Auction, error) {
	var auctions []Auction
	err := tx.Where("status = ? AND (next_clearing_at IS NULL OR next_clearing_at <= ?)", AuctionCollecting, now).
		Find(&auctions).Error
	return auctions, err
}

// UpsertInventory adds delta to a trader's product balance, creating the
// row on first movement. The addition happens SQL-side so concurrent
// settlements on the same (trader, product) cannot lose an update.
func UpsertInventory(tx *gorm.DB, traderID int64, product string, delta decimal.Decimal, now time.Time) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "trader_id"}, {Name: "product"}},
		DoUpdates: clause.Assignments(map[string]any{
			"quantity":   gorm.Expr("quantity + ?", delta),
			"updated_at": now,
		}),
	}).Create(&TraderInventory{
		TraderID:  traderID,
		Product:   product,
		Quantity:  delta,
		UpdatedAt: now,
	}).Error
}

// PruneEmptyInventory removes rows whose quantity fell to zero or below.
func PruneEmptyInventory(tx *gorm.DB) error {
	return tx.Where("quantity <= 0").Delete(&TraderInventory{}).Error
}
