package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the token-mint endpoint.
//
// The mint endpoint trusts the claimed address; it stands in for a wallet
// signature challenge (sign-in-with-ethereum) that front-ends perform in
// production. Only enable it behind that proof or in development.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up the auth routes (no auth required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/token", h.MintToken)
}

type mintRequest struct {
	Address string `json:"address" binding:"required"`
}

// MintToken handles POST /v1/auth/token
func (h *Handler) MintToken(c *gin.Context) {
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: address is required",
		})
		return
	}

	token, expiresAt, err := h.manager.IssueToken(req.Address)
	if err != nil {
		if errors.Is(err, ErrBadAddress) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": expiresAt,
	})
}
