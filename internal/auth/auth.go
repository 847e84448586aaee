// Package auth issues and verifies bearer tokens and guards HTTP routes.
package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/web3guy0/auctiond/internal/apperr"
	"github.com/web3guy0/auctiond/internal/database"
)

const contextUserKey = "auth.user"

// Service signs and verifies JWTs for users.
type Service struct {
	secret []byte
	ttl    time.Duration
	db     *database.Database
}

// New builds an auth service over the user store.
func New(secret string, ttl time.Duration, db *database.Database) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, db: db}
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(plain string) (string, error) {
	raw, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(raw), err
}

// CheckPassword verifies a plaintext password against its hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Token issues a signed JWT for the user.
func (s *Service) Token(user *database.User) (string, error) {
	now := time.Now().UTC()
	isAdmin := 0
	if user.IsAdmin {
		isAdmin = 1
	}
	claims := jwt.MapClaims{
		"sub":      strconv.FormatInt(user.ID, 10),
		"username": user.Username,
		"is_admin": isAdmin,
		"iat":      now.Unix(),
		"exp":      now.Add(s.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a token and loads the user it names.
func (s *Service) Verify(token string) (*database.User, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Unauthorized("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.Unauthorized("invalid or expired token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperr.Unauthorized("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, apperr.Unauthorized("invalid token subject")
	}
	user, err := s.db.GetUser(userID)
	if err != nil {
		return nil, apperr.Unauthorized("unknown user")
	}
	return user, nil
}

// userFromRequest resolves the bearer token on a request, if any.
func (s *Service) userFromRequest(c *gin.Context) (*database.User, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, apperr.Unauthorized("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return s.Verify(token)
}

// RequireUser aborts the request unless a valid bearer token is present.
func (s *Service) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.userFromRequest(c)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(contextUserKey, user)
		c.Next()
	}
}

// RequireAdmin aborts unless the caller is an authenticated admin.
func (s *Service) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.userFromRequest(c)
		if err != nil {
			abort(c, err)
			return
		}
		if !user.IsAdmin {
			abort(c, apperr.Forbidden("admin access required"))
			return
		}
		c.Set(contextUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated user set by the middleware.
func CurrentUser(c *gin.Context) *database.User {
	if v, ok := c.Get(contextUserKey); ok {
		if user, ok := v.(*database.User); ok {
			return user
		}
	}
	return nil
}

func abort(c *gin.Context, err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		ae = apperr.Unauthorized("unauthorized")
	}
	body := gin.H{"error": ae.Message, "statuscode": ae.StatusCode()}
	if ae.Details != "" {
		body["details"] = ae.Details
	}
	c.AbortWithStatusJSON(ae.StatusCode(), body)
}
