package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyUserAddr is the gin context key for the authenticated address.
const ContextKeyUserAddr = "authUserAddr"

// Middleware extracts and verifies the bearer token from the request.
// Sets authUserAddr in context when valid; never rejects on its own.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if addr, err := m.VerifyToken(token); err == nil {
				c.Set(ContextKeyUserAddr, addr)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not present a valid token.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		addr, err := m.VerifyToken(token)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, ErrExpiredToken) {
				code = "token_expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyUserAddr, addr)
		c.Next()
	}
}

// AuthenticatedAddress returns the verified wallet address, or "".
func AuthenticatedAddress(c *gin.Context) string {
	return c.GetString(ContextKeyUserAddr)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
