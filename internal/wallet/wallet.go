// Package wallet implements the double-entry ledger with available and
// reserved balances. Every mutation appends exactly one transaction row.
package wallet

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/database"
)

// Result reports the balances after an operation and the ledger row id.
type Result struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
	TxID      int64
}

// Balances is the read-only view returned by Balance.
type Balances struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Total     decimal.Decimal
}

// ensureAccount creates the wallet row on first movement and returns it
// locked for the enclosing transaction.
func ensureAccount(tx *gorm.DB, userID int64) (*database.WalletAccount, error) {
	account := database.WalletAccount{UserID: userID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
		return nil, err
	}
	q := tx
	// SQLite has no FOR UPDATE; its writers serialize on the file lock.
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row database.WalletAccount
	if err := q.First(&row, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func writeTx(tx *gorm.DB, userID int64, txType string, amount, balanceAfter decimal.Decimal, meta map[string]any) (int64, error) {
	row := database.WalletTransaction{
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return 0, err
		}
		row.Meta = string(raw)
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func saveAccount(tx *gorm.DB, account *database.WalletAccount) error {
	account.UpdatedAt = time.Now().UTC()
	return tx.Save(account).Error
}

// Deposit credits available funds.
func Deposit(tx *gorm.DB, userID int64, amount decimal.Decimal, meta map[string]any) (*Result, error) {
	if !amount.IsPositive() {
		return nil, apperr.BadRequest("deposit amount must be positive")
	}
	account, err := ensureAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	account.Available = account.Available.Add(amount)
	if err := saveAccount(tx, account); err != nil {
		return nil, err
	}
	txID, err := writeTx(tx, userID, database.TxDeposit, amount, account.Available, meta)
	if err != nil {
		return nil, err
	}
	return &Result{Available: account.Available, Reserved: account.Reserved, TxID: txID}, nil
}

// Withdraw debits available funds.
func Withdraw(tx *gorm.DB, userID int64, amount decimal.Decimal, meta map[string]any) (*Result, error) {
	if !amount.IsPositive() {
		return nil, apperr.BadRequest("withdraw amount must be positive")
	}
	account, err := ensureAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	if account.Available.LessThan(amount) {
		return nil, apperr.InsufficientFunds("insufficient balance")
	}
	account.Available = account.Available.Sub(amount)
	if err := saveAccount(tx, account); err != nil {
		return nil, err
	}
	txID, err := writeTx(tx, userID, database.TxWithdraw, amount.Neg(), account.Available, meta)
	if err != nil {
		return nil, err
	}
	return &Result{Available: account.Available, Reserved: account.Reserved, TxID: txID}, nil
}

// Reserve moves funds from available to reserved.
func Reserve(tx *gorm.DB, userID int64, amount decimal.Decimal, meta map[string]any) (*Result, error) {
	if !amount.IsPositive() {
		return nil, apperr.BadRequest("reserve amount must be positive")
	}
	account, err := ensureAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	if account.Available.LessThan(amount) {
		return nil, apperr.InsufficientFunds("insufficient balance")
	}
	account.Available = account.Available.Sub(amount)
	account.Reserved = account.Reserved.Add(amount)
	if err := saveAccount(tx, account); err != nil {
		return nil, err
	}
	txID, err := writeTx(tx, userID, database.TxReserve, amount.Neg(), account.Available, meta)
	if err != nil {
		return nil, err
	}
	return &Result{Available: account.Available, Reserved: account.Reserved, TxID: txID}, nil
}

// Release returns reserved funds to available. An over-release is clamped
// to the reserved balance so the tail call is idempotent.
func Release(tx *gorm.DB, userID int64, amount decimal.Decimal, meta map[string]any) (*Result, error) {
	if !amount.IsPositive() {
		return nil, apperr.BadRequest("release amount must be positive")
	}
	account, err := ensureAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	if account.Reserved.LessThan(amount) {
		amount = account.Reserved
	}
	account.Available = account.Available.Add(amount)
	account.Reserved = account.Reserved.Sub(amount)
	if err := saveAccount(tx, account); err != nil {
		return nil, err
	}
	txID, err := writeTx(tx, userID, database.TxRelease, amount, account.Available, meta)
	if err != nil {
		return nil, err
	}
	return &Result{Available: account.Available, Reserved: account.Reserved, TxID: txID}, nil
}

// Spend consumes reserved funds without crediting available.
func Spend(tx *gorm.DB, userID int64, amount decimal.Decimal, meta map[string]any) (*Result, error) {
	if !amount.IsPositive() {
		return nil, apperr.BadRequest("spend amount must be positive")
	}
	account, err := ensureAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	if account.Reserved.LessThan(amount) {
		return nil, apperr.InsufficientReserved("insufficient reserved funds")
	}
	account.Reserved = account.Reserved.Sub(amount)
	if err := saveAccount(tx, account); err != nil {
		return nil, err
	}
	txID, err := writeTx(tx, userID, database.TxSpend, amount.Neg(), account.Available, meta)
	if err != nil {
		return nil, err
	}
	return &Result{Available: account.Available, Reserved: account.Reserved, TxID: txID}, nil
}

// Balance reads the current balances without mutating state.
func Balance(tx *gorm.DB, userID int64) (*Balances, error) {
	var row database.WalletAccount
	err := tx.First(&row, "user_id = ?", userID).Error
	if err == gorm.ErrRecordNotFound {
		return &Balances{Available: decimal.Zero, Reserved: decimal.Zero, Total: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Balances{
		Available: row.Available,
		Reserved:  row.Reserved,
		Total:     row.Available.Add(row.Reserved),
	}, nil
}

// Transactions returns the most recent ledger rows for a user.
func Transactions(tx *gorm.DB, userID int64, limit int) ([]database.WalletTransaction, error) {
	var rows []database.WalletTransaction
	err := tx.Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
