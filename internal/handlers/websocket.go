package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/middleware"
)

// HandleSignaling upgrades an authenticated request to a signaling
// connection. The credential is checked before the upgrade so an
// unauthenticated caller never gets a socket. An optional roomId query
// parameter joins immediately.
func (h *Handler) HandleSignaling(c *gin.Context) {
	userID, err := middleware.Authenticate(h.jwtSecret, c.Request)
	if err != nil {
		h.log.Info("rejected signaling connection", slog.String("remote", c.ClientIP()), logger.Err(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing token"})
		return
	}

	roomID := c.Query("roomId")
	if roomID == "" {
		roomID = c.Param("roomId")
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", logger.Err(err))
		return
	}

	h.relay.Serve(conn, userID, roomID)
}
