package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/config"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/docs"
	"github.com/web3guy0/auctiond/internal/scheduler"
	"github.com/web3guy0/auctiond/internal/settlement"
)

type testServer struct {
	server *Server
	db     *database.Database
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := database.NewWithGorm(gdb)
	require.NoError(t, err)

	cfg := &config.Config{
		HTTPAddr:            ":0",
		JWTSecret:           "test_secret",
		JWTTTL:              time.Hour,
		ClearingInterval:    300 * time.Second,
		AdaptiveKAlpha:      decimal.RequireFromString("0.15"),
		AdaptiveKPersistEps: decimal.RequireFromString("0.01"),
		DocsRoot:            t.TempDir(),
		DocSigningSecret:    "doc_secret",
	}
	receipts := docs.NewWriter(cfg.DocsRoot, cfg.DocSigningSecret)
	pipeline := settlement.New(db, receipts, nil)
	sched := scheduler.New(db, pipeline, nil, cfg.ClearingInterval)
	authSvc := auth.New(cfg.JWTSecret, cfg.JWTTTL, db)

	return &testServer{
		server: NewServer(cfg, db, authSvc, sched, receipts),
		db:     db,
	}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.http.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (ts *testServer) registerTrader(t *testing.T, username string) string {
	t.Helper()
	rec := ts.request(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"username": username,
		"password": "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON(t, rec)["token"].(string)
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	hash, err := auth.HashPassword("adminpass")
	require.NoError(t, err)
	admin := database.User{Username: "admin", PasswordHash: hash, IsAdmin: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, ts.db.CreateUser(&admin))

	rec := ts.request(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": "admin",
		"password": "adminpass",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON(t, rec)["token"].(string)
}

func TestOrderFlowAndManualClear(t *testing.T) {
	ts := newTestServer(t)
	adminTok := ts.adminToken(t)
	buyerTok := ts.registerTrader(t, "buyer")
	sellerTok := ts.registerTrader(t, "seller")

	// Admin creates the auction.
	rec := ts.request(t, http.MethodPost, "/api/admin/auctions", adminTok, map[string]any{
		"product": "grain",
		"type":    "open",
		"k":       0.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	auctionID := int64(decodeJSON(t, rec)["id"].(float64))

	// Buyer funds the wallet and places a bid; the reservation happens in
	// the same transaction as the order insert.
	rec = ts.request(t, http.MethodPost, "/api/me/wallet/deposit", buyerTok, map[string]any{"amount": 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/orders", auctionID), buyerTok, map[string]any{
		"side":     "bid",
		"price":    10,
		"quantity": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(50), decodeJSON(t, rec)["reservedAmount"])

	rec = ts.request(t, http.MethodGet, "/api/me/wallet", buyerTok, nil)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(50), body["available"])
	assert.Equal(t, float64(50), body["reserved"])

	// A bid beyond the remaining balance is refused and nothing persists.
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/orders", auctionID), buyerTok, map[string]any{
		"side":     "bid",
		"price":    100,
		"quantity": 10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/orders", auctionID), sellerTok, map[string]any{
		"side":     "ask",
		"price":    10,
		"quantity": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Book reflects both sides.
	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/api/auctions/%d/book", auctionID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decodeJSON(t, rec)
	metrics := book["metrics"].(map[string]any)
	assert.Equal(t, float64(10), metrics["bestBid"])
	assert.Equal(t, float64(10), metrics["bestAsk"])

	// Admin forces a round.
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/admin/auctions/%d/clear", auctionID), adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cleared := decodeJSON(t, rec)
	assert.Equal(t, float64(10), cleared["price"])
	assert.Equal(t, float64(5), cleared["volume"])

	// Settlement moved the money.
	rec = ts.request(t, http.MethodGet, "/api/me/wallet", buyerTok, nil)
	body = decodeJSON(t, rec)
	assert.Equal(t, float64(50), body["available"])
	assert.Equal(t, float64(0), body["reserved"])

	rec = ts.request(t, http.MethodGet, "/api/me/wallet", sellerTok, nil)
	body = decodeJSON(t, rec)
	assert.Equal(t, float64(50), body["available"])

	// Buyer now holds the product.
	rec = ts.request(t, http.MethodGet, "/api/me/resources", buyerTok, nil)
	body = decodeJSON(t, rec)
	inventory := body["inventory"].([]any)
	require.Len(t, inventory, 1)
	assert.Equal(t, "grain", inventory[0].(map[string]any)["product"])
	assert.Equal(t, float64(5), inventory[0].(map[string]any)["quantity"])

	// History records the round.
	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/api/auctions/%d/history", auctionID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	series := decodeJSON(t, rec)["clearedSeries"].([]any)
	require.Len(t, series, 1)
}

func TestAuthBoundaries(t *testing.T) {
	ts := newTestServer(t)
	traderTok := ts.registerTrader(t, "trader")

	// No token: 401 on protected routes.
	rec := ts.request(t, http.MethodGet, "/api/me/wallet", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Trader token on an admin route: 403.
	rec = ts.request(t, http.MethodPost, "/api/admin/auctions", traderTok, map[string]any{"product": "x", "k": 0.5})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Error body shape.
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(http.StatusForbidden), body["statuscode"])
	assert.NotEmpty(t, body["error"])
}

func TestPlaceOrder_Validation(t *testing.T) {
	ts := newTestServer(t)
	adminTok := ts.adminToken(t)
	traderTok := ts.registerTrader(t, "trader")

	rec := ts.request(t, http.MethodPost, "/api/admin/auctions", adminTok, map[string]any{
		"product": "grain", "k": 0.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	auctionID := int64(decodeJSON(t, rec)["id"].(float64))

	path := fmt.Sprintf("/api/auctions/%d/orders", auctionID)
	for _, tc := range []map[string]any{
		{"side": "hold", "price": 10, "quantity": 1},
		{"side": "bid", "price": 0, "quantity": 1},
		{"side": "bid", "price": 10, "quantity": -2},
	} {
		rec = ts.request(t, http.MethodPost, path, traderTok, tc)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "payload %v", tc)
	}

	// Asks need no funds; they pass validation directly.
	rec = ts.request(t, http.MethodPost, path, traderTok, map[string]any{
		"side": "ask", "price": 10, "quantity": 1,
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestJoinClosedAuctionRequiresApproval(t *testing.T) {
	ts := newTestServer(t)
	adminTok := ts.adminToken(t)
	traderTok := ts.registerTrader(t, "trader")

	rec := ts.request(t, http.MethodPost, "/api/admin/auctions", adminTok, map[string]any{
		"product": "grain", "type": "closed", "k": 0.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	auctionID := int64(decodeJSON(t, rec)["id"].(float64))

	// Joining a closed auction leaves the trader pending.
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/join", auctionID), traderTok, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, database.ApprovalPending, decodeJSON(t, rec)["status"])

	// Pending participants cannot place orders.
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/orders", auctionID), traderTok, map[string]any{
		"side": "ask", "price": 10, "quantity": 1,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin approval unblocks order placement.
	var participant database.Participant
	require.NoError(t, ts.db.Gorm().Where("auction_id = ?", auctionID).First(&participant).Error)
	rec = ts.request(t, http.MethodPatch,
		fmt.Sprintf("/api/admin/auctions/%d/participants/%d/approve", auctionID, participant.ID), adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/orders", auctionID), traderTok, map[string]any{
		"side": "ask", "price": 10, "quantity": 1,
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCloseAuctionRejectsBook(t *testing.T) {
	ts := newTestServer(t)
	adminTok := ts.adminToken(t)
	traderTok := ts.registerTrader(t, "trader")

	rec := ts.request(t, http.MethodPost, "/api/admin/auctions", adminTok, map[string]any{
		"product": "grain", "k": 0.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	auctionID := int64(decodeJSON(t, rec)["id"].(float64))

	ts.request(t, http.MethodPost, "/api/me/wallet/deposit", traderTok, map[string]any{"amount": 30})
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/orders", auctionID), traderTok, map[string]any{
		"side": "bid", "price": 10, "quantity": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.request(t, http.MethodPatch, fmt.Sprintf("/api/admin/auctions/%d/close", auctionID), adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The reservation came back with the rejected order.
	rec = ts.request(t, http.MethodGet, "/api/me/wallet", traderTok, nil)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(30), body["available"])
	assert.Equal(t, float64(0), body["reserved"])

	// Closed auctions refuse new orders.
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/auctions/%d/orders", auctionID), traderTok, map[string]any{
		"side": "bid", "price": 10, "quantity": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
