// Package api exposes the HTTP surface: trader order flow, book views,
// wallet and inventory endpoints and the admin lifecycle controls.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/config"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/docs"
	"github.com/web3guy0/auctiond/internal/scheduler"
)

// Server wires the HTTP handlers to the core services.
type Server struct {
	cfg       *config.Config
	db        *database.Database
	auth      *auth.Service
	scheduler *scheduler.Scheduler
	receipts  *docs.Writer

	http *http.Server
}

// NewServer builds the server and its router.
func NewServer(cfg *config.Config, db *database.Database, authSvc *auth.Service, sched *scheduler.Scheduler, receipts *docs.Writer) *Server {
	s := &Server{
		cfg:       cfg,
		db:        db,
		auth:      authSvc,
		scheduler: sched,
		receipts:  receipts,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	s.registerRoutes(router)

	s.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auctiond"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", s.register)
			authGroup.POST("/login", s.login)
		}

		api.GET("/auctions", s.listAuctions)
		api.GET("/auctions/:id/book", s.auctionBook)
		api.GET("/auctions/:id/history", s.auctionHistory)
		api.GET("/auctions/:id/distribution", s.auctionDistribution)
		api.GET("/auctions/:id/stream", s.auctionStream)

		user := api.Group("", s.auth.RequireUser())
		{
			user.POST("/auctions/:id/join", s.joinAuction)
			user.GET("/auctions/:id/participants/me", s.myParticipation)
			user.POST("/auctions/:id/orders", s.placeOrder)

			user.GET("/me/wallet", s.walletBalance)
			user.GET("/me/wallet/transactions", s.walletTransactions)
			user.POST("/me/wallet/deposit", s.walletDeposit)
			user.POST("/me/wallet/withdraw", s.walletWithdraw)

			user.GET("/me/resources", s.listResources)
			user.POST("/me/resources/deposit", s.resourceDeposit)
			user.POST("/me/resources/withdraw", s.resourceWithdraw)

			user.GET("/listings", s.listListings)
			user.POST("/listings", s.createListing)
			user.PATCH("/listings/:id", s.updateListing)
		}

		admin := api.Group("/admin", s.auth.RequireAdmin())
		{
			admin.POST("/auctions", s.createAuction)
			admin.POST("/auctions/:id/clear", s.clearAuction)
			admin.PATCH("/auctions/:id/close", s.closeAuction)
			admin.GET("/auctions/:id/orders", s.listAuctionOrders)
			admin.GET("/auctions/:id/participants", s.listParticipants)
			admin.PATCH("/auctions/:id/participants/:pid/approve", s.approveParticipant)
			admin.PATCH("/auctions/:id/participants/:pid/reject", s.rejectParticipant)
			admin.GET("/auctions/:id/documents", s.listDocuments)
			admin.GET("/auctions/:id/documents/:filename", s.downloadDocument)
			admin.POST("/auctions/:id/seed_random", s.seedRandomOrders)
			admin.POST("/auctions/:id/cleanup_bots", s.cleanupBots)
			admin.POST("/bots/purge", s.purgeBots)

			admin.PATCH("/listings/:id/publish", s.publishListing)
			admin.PATCH("/listings/:id/archive", s.archiveListing)
		}
	}
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("requestId", requestID)
		start := time.Now()
		c.Next()
		log.Debug().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	}
}

// respondError maps application errors to the {error, statuscode,
// details?} body; anything unrecognized is a 500.
func respondError(c *gin.Context, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body := gin.H{"error": ae.Message, "statuscode": ae.StatusCode()}
		if ae.Details != "" {
			body["details"] = ae.Details
		}
		c.JSON(ae.StatusCode(), body)
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "statuscode": http.StatusNotFound})
		return
	}
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Unhandled error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server error", "statuscode": http.StatusInternalServerError})
}

// pathID parses a numeric path parameter.
func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, apperr.BadRequest("invalid %s", name)
	}
	return id, nil
}
