// Package docs writes plain-text trade receipts for filled orders.
// Receipts are advisory: a write failure never invalidates settlement.
package docs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// Roles recorded in receipt filenames and bodies.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Writer emits signed receipts under a per-auction directory.
type Writer struct {
	root   string
	secret []byte
}

// NewWriter creates a receipt writer rooted at root, signing with secret.
func NewWriter(root, secret string) *Writer {
	return &Writer{root: root, secret: []byte(secret)}
}

// Receipt describes one filled order.
type Receipt struct {
	AuctionID int64
	Role      string
	TraderID  int64
	Product   string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Total     decimal.Decimal
	Timestamp time.Time
}

// Sign computes the HMAC-SHA256 signature over the receipt's canonical
// field string.
func (w *Writer) Sign(r Receipt) string {
	payload := fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s",
		r.AuctionID, r.TraderID, r.Role, r.Product,
		r.Price.String(), r.Quantity.String(), r.Timestamp.UTC().Format(time.RFC3339))
	mac := hmac.New(sha256.New, w.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Write persists one receipt and returns its path.
func (w *Writer) Write(r Receipt) (string, error) {
	dir := w.Dir(r.AuctionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("auction_%d_%s_trader_%d_%d.txt",
		r.AuctionID, r.Role, r.TraderID, r.Timestamp.Unix())
	path := filepath.Join(dir, name)

	body := fmt.Sprintf(
		"Trade confirmation\nAuction: %d\nRole: %s\nTrader: %d\nProduct: %s\nPrice: %s\nQuantity: %s\nTotal: %s\nTime: %s\nSignature: %s\n",
		r.AuctionID, r.Role, r.TraderID, r.Product,
		r.Price.String(), r.Quantity.String(), r.Total.String(),
		r.Timestamp.UTC().Format(time.RFC3339), w.Sign(r))

	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Dir returns the receipt directory for one auction.
func (w *Writer) Dir(auctionID int64) string {
	return filepath.Join(w.root, fmt.Sprintf("auction_%d", auctionID))
}

// List returns the receipt filenames for one auction.
func (w *Writer) List(auctionID int64) ([]string, error) {
	entries, err := os.ReadDir(w.Dir(auctionID))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
