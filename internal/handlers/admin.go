// Package handlers holds the coordinator's HTTP surface around the
// websocket endpoint: origin filtering and the authenticated admin API for
// inspecting and force-closing live rooms.
package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mossy-p/clipboard-sync/internal/coordinator"
)

const tokenLifetime = 24 * time.Hour

// Auth issues and validates the bearer tokens guarding the admin API. One
// operator credential comes from configuration; an empty password disables
// login entirely.
type Auth struct {
	secret   []byte
	username string
	password string
}

// NewAuth creates the admin authenticator.
func NewAuth(jwtSecret, username, password string) *Auth {
	return &Auth{secret: []byte(jwtSecret), username: username, password: password}
}

// LoginRequest is the admin login body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token    string `json:"token"`
	Operator string `json:"operator"`
}

// Login checks the operator credential and issues a signed token. The
// comparison is constant time so the response does not leak which half was
// wrong.
func (a *Auth) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.password)) == 1
	if a.password == "" || !userOK || !passOK {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   a.username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token, Operator: a.username})
}

// Require is the middleware guarding the room endpoints. It accepts only
// HS256 tokens signed with the configured secret and stores the operator
// name in the request context.
func (a *Auth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer token required"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set("operator", claims.Subject)
		c.Next()
	}
}

// ListRooms returns live stats for every room.
func ListRooms(registry *coordinator.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": registry.StatsAll()})
	}
}

// GetRoom returns live stats for one room.
func GetRoom(registry *coordinator.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, ok := registry.Stats(c.Param("roomId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// CloseRoom force-disconnects every client in a room.
func CloseRoom(registry *coordinator.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !registry.CloseRoom(c.Param("roomId")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Room closed"})
	}
}
