package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/book"
	"github.com/web3guy0/auctiond/internal/database"
)

const streamInterval = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// auctionStream pushes periodic book snapshots over a websocket until the
// client disconnects or the auction stops collecting.
func (s *Server) auctionStream(c *gin.Context) {
	auctionID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := s.db.GetAuction(auctionID); err != nil {
		respondError(c, apperr.NotFound("auction not found"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	for {
		auction, err := s.db.GetAuction(auctionID)
		if err != nil {
			return
		}
		orders, err := database.OpenOrders(s.db.Gorm(), auctionID)
		if err != nil {
			return
		}
		snap := book.Build(orders)
		payload := gin.H{
			"auctionId":    auctionID,
			"status":       auction.Status,
			"currentRound": auction.CurrentRound,
			"bids":         toLevelDTOs(snap.Bids),
			"asks":         toLevelDTOs(snap.Asks),
			"bestBid":      fptr(snap.Metrics.BestBid),
			"bestAsk":      fptr(snap.Metrics.BestAsk),
			"spread":       fptr(snap.Metrics.Spread),
			"midPrice":     fptr(snap.Metrics.MidPrice),
			"ts":           time.Now().UTC().Format(time.RFC3339),
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			return
		}
		if auction.Status != database.AuctionCollecting {
			return
		}
		<-ticker.C
	}
}
