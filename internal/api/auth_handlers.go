package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/database"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || len(username) > 64 {
		respondError(c, apperr.BadRequest("field 'username' is required"))
		return
	}
	if len(req.Password) < 6 {
		respondError(c, apperr.BadRequest("password must be at least 6 characters"))
		return
	}

	if _, err := s.db.GetUserByUsername(username); err == nil {
		respondError(c, apperr.Conflict("username already taken"))
		return
	} else if err != gorm.ErrRecordNotFound {
		respondError(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	user := database.User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.CreateUser(&user); err != nil {
		respondError(c, err)
		return
	}
	token, err := s.auth.Token(&user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"token":    token,
	})
}

func (s *Server) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body"))
		return
	}
	user, err := s.db.GetUserByUsername(strings.TrimSpace(req.Username))
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		respondError(c, apperr.Unauthorized("invalid credentials"))
		return
	}
	token, err := s.auth.Token(user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"isAdmin":  user.IsAdmin,
		"token":    token,
	})
}
