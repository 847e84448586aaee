package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/database"
)

type listingRequest struct {
	Title        string `json:"title"`
	StartingBid  any    `json:"startingBid"`
	Unit         string `json:"unit"`
	BaseQuantity any    `json:"baseQuantity"`
}

func listingDTO(l *database.Listing) gin.H {
	return gin.H{
		"id":           l.ID,
		"title":        l.Title,
		"startingBid":  l.StartingBid.InexactFloat64(),
		"currentBid":   fptr(l.CurrentBid),
		"unit":         l.Unit,
		"baseQuantity": fptr(l.BaseQuantity),
		"ownerId":      l.OwnerID,
		"status":       l.Status,
		"createdAt":    l.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":    l.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) listListings(c *gin.Context) {
	user := auth.CurrentUser(c)
	q := s.db.Gorm().Model(&database.Listing{})
	// Non-admins see published listings plus all of their own listings.
	if !user.IsAdmin {
		q = q.Where("status = ? OR owner_id = ?", database.ListingPublished, user.ID)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var listings []database.Listing
	if err := q.Order("created_at DESC").Find(&listings).Error; err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, len(listings))
	for i := range listings {
		out[i] = listingDTO(&listings[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createListing(c *gin.Context) {
	user := auth.CurrentUser(c)
	var req listingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		respondError(c, apperr.BadRequest("field 'title' is required"))
		return
	}
	startingBid, ok := parseAmount(req.StartingBid)
	if !ok {
		respondError(c, apperr.BadRequest("field 'startingBid' must be a positive number"))
		return
	}

	listing := database.Listing{
		Title:       title,
		StartingBid: startingBid,
		Unit:        strings.TrimSpace(req.Unit),
		OwnerID:     user.ID,
		Status:      database.ListingDraft,
	}
	if qty, ok := parseAmount(req.BaseQuantity); ok {
		listing.BaseQuantity = &qty
	}
	if err := s.db.Gorm().Create(&listing).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listingDTO(&listing))
}

// updateListing mutates a listing. Only the creator or an admin may edit;
// archived listings are immutable.
func (s *Server) updateListing(c *gin.Context) {
	user := auth.CurrentUser(c)
	listingID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var listing database.Listing
	if err := s.db.Gorm().First(&listing, "id = ?", listingID).Error; err != nil {
		respondError(c, apperr.NotFound("listing not found"))
		return
	}
	if listing.OwnerID != user.ID && !user.IsAdmin {
		respondError(c, apperr.Forbidden("not the listing owner"))
		return
	}
	if listing.Status == database.ListingArchived {
		respondError(c, apperr.BadRequest("archived listings cannot be edited"))
		return
	}

	var req listingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}
	updates := map[string]any{}
	if title := strings.TrimSpace(req.Title); title != "" {
		updates["title"] = title
	}
	if req.StartingBid != nil {
		bid, ok := parseAmount(req.StartingBid)
		if !ok {
			respondError(c, apperr.BadRequest("field 'startingBid' must be a positive number"))
			return
		}
		updates["starting_bid"] = bid
	}
	if unit := strings.TrimSpace(req.Unit); unit != "" {
		updates["unit"] = unit
	}
	if req.BaseQuantity != nil {
		qty, ok := parseAmount(req.BaseQuantity)
		if !ok {
			respondError(c, apperr.BadRequest("field 'baseQuantity' must be a positive number"))
			return
		}
		updates["base_quantity"] = qty
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, listingDTO(&listing))
		return
	}
	if err := s.db.Gorm().Model(&database.Listing{}).Where("id = ?", listingID).Updates(updates).Error; err != nil {
		respondError(c, err)
		return
	}
	if err := s.db.Gorm().First(&listing, "id = ?", listingID).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listingDTO(&listing))
}

func (s *Server) publishListing(c *gin.Context) {
	s.setListingStatus(c, database.ListingPublished)
}

func (s *Server) archiveListing(c *gin.Context) {
	s.setListingStatus(c, database.ListingArchived)
}

func (s *Server) setListingStatus(c *gin.Context, status string) {
	listingID, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	res := s.db.Gorm().Model(&database.Listing{}).Where("id = ?", listingID).Update("status", status)
	if res.Error != nil {
		respondError(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, apperr.NotFound("listing not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Listing " + status})
}
