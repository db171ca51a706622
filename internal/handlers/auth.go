package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/middleware"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

const tokenTTL = 24 * time.Hour

// Login issues a signaling token.
// For demo purposes, accepts any username/password combination; real
// deployments get tokens from the identity provider that shares the secret.
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	userID := strings.TrimSpace(req.Username)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	token, err := middleware.IssueToken(h.jwtSecret, userID, tokenTTL)
	if err != nil {
		h.log.Error("failed to sign token", logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(tokenTTL).UTC(),
	})
}
