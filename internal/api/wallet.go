package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/wallet"
)

type amountRequest struct {
	Amount any `json:"amount"`
}

func (s *Server) walletBalance(c *gin.Context) {
	user := auth.CurrentUser(c)
	balances, err := wallet.Balance(s.db.Gorm(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available": balances.Available.InexactFloat64(),
		"reserved":  balances.Reserved.InexactFloat64(),
		"total":     balances.Total.InexactFloat64(),
	})
}

func (s *Server) walletTransactions(c *gin.Context) {
	user := auth.CurrentUser(c)
	rows, err := wallet.Transactions(s.db.Gorm(), user.ID, 100)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, len(rows))
	for i, tx := range rows {
		var meta any
		if tx.Meta != "" {
			_ = json.Unmarshal([]byte(tx.Meta), &meta)
		}
		out[i] = gin.H{
			"id":           tx.ID,
			"type":         tx.Type,
			"amount":       tx.Amount.InexactFloat64(),
			"balanceAfter": tx.BalanceAfter.InexactFloat64(),
			"meta":         meta,
			"createdAt":    tx.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) walletDeposit(c *gin.Context) {
	s.walletMutation(c, func(tx *gorm.DB, userID int64, amount decimal.Decimal) (*wallet.Result, error) {
		return wallet.Deposit(tx, userID, amount, map[string]any{"source": "api_deposit"})
	})
}

func (s *Server) walletWithdraw(c *gin.Context) {
	s.walletMutation(c, func(tx *gorm.DB, userID int64, amount decimal.Decimal) (*wallet.Result, error) {
		return wallet.Withdraw(tx, userID, amount, map[string]any{"source": "api_withdraw"})
	})
}

func (s *Server) walletMutation(c *gin.Context, op func(tx *gorm.DB, userID int64, amount decimal.Decimal) (*wallet.Result, error)) {
	user := auth.CurrentUser(c)
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		respondError(c, apperr.BadRequest("field 'amount' must be a positive number"))
		return
	}
	var result *wallet.Result
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var opErr error
		result, opErr = op(tx, user.ID, amount)
		return opErr
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available": result.Available.InexactFloat64(),
		"reserved":  result.Reserved.InexactFloat64(),
		"txId":      result.TxID,
	})
}

// listResources returns the caller's inventory and recent resource
// transactions.
func (s *Server) listResources(c *gin.Context) {
	user := auth.CurrentUser(c)
	var inventory []database.TraderInventory
	if err := s.db.Gorm().Where("trader_id = ?", user.ID).
		Order("product ASC").Find(&inventory).Error; err != nil {
		respondError(c, err)
		return
	}
	var transactions []database.ResourceTransaction
	if err := s.db.Gorm().Where("trader_id = ?", user.ID).
		Order("id DESC").Limit(100).Find(&transactions).Error; err != nil {
		respondError(c, err)
		return
	}

	inv := make([]gin.H, len(inventory))
	for i, row := range inventory {
		inv[i] = gin.H{
			"product":   row.Product,
			"quantity":  row.Quantity.InexactFloat64(),
			"updatedAt": row.UpdatedAt.UTC().Format(time.RFC3339),
		}
	}
	txs := make([]gin.H, len(transactions))
	for i, row := range transactions {
		txs[i] = gin.H{
			"id":         row.ID,
			"type":       row.Type,
			"quantity":   row.Quantity.InexactFloat64(),
			"notes":      row.Notes,
			"occurredAt": row.OccurredAt.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, gin.H{"inventory": inv, "transactions": txs})
}

type resourceRequest struct {
	Product  string `json:"product"`
	Quantity any    `json:"quantity"`
	Notes    string `json:"notes"`
}

func (s *Server) resourceDeposit(c *gin.Context) {
	s.resourceMutation(c, true)
}

func (s *Server) resourceWithdraw(c *gin.Context) {
	s.resourceMutation(c, false)
}

// resourceMutation moves product in or out of a trader's inventory, with
// the paired audit row.
func (s *Server) resourceMutation(c *gin.Context, deposit bool) {
	user := auth.CurrentUser(c)
	var req resourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}
	if req.Product == "" {
		respondError(c, apperr.BadRequest("field 'product' is required"))
		return
	}
	quantity, ok := parseAmount(req.Quantity)
	if !ok {
		respondError(c, apperr.BadRequest("field 'quantity' must be a positive number"))
		return
	}

	now := time.Now().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		delta := quantity
		txType := database.ResourceDeposit
		if !deposit {
			var row database.TraderInventory
			findErr := tx.Where("trader_id = ? AND product = ?", user.ID, req.Product).First(&row).Error
			if findErr == gorm.ErrRecordNotFound || (findErr == nil && row.Quantity.LessThan(quantity)) {
				return apperr.BadRequest("insufficient inventory")
			}
			if findErr != nil {
				return findErr
			}
			delta = quantity.Neg()
			txType = database.ResourceWithdraw
		}
		if err := database.UpsertInventory(tx, user.ID, req.Product, delta, now); err != nil {
			return err
		}
		if err := database.PruneEmptyInventory(tx); err != nil {
			return err
		}
		return tx.Create(&database.ResourceTransaction{
			TraderID:   user.ID,
			Type:       txType,
			Quantity:   quantity,
			Notes:      req.Notes,
			OccurredAt: now,
		}).Error
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Inventory updated"})
}
