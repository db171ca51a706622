package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/middleware"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/redis"
)

// CreateRoom registers an appointment room (requires authentication)
func (h *Handler) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	apt := models.Appointment{
		RoomID:    strings.TrimSpace(req.RoomID),
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		CreatedBy: userID,
		CreatedAt: time.Now().UTC(),
	}
	if apt.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	if err := h.store.SaveAppointment(c.Request.Context(), apt); err != nil {
		if errors.Is(err, redis.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "Room already exists"})
			return
		}
		h.log.Error("failed to store room", slog.String("room_id", apt.RoomID), logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.log.Info("room created",
		slog.String("room_id", apt.RoomID),
		slog.String("user_id", userID),
	)

	c.JSON(http.StatusCreated, apt)
}

// GetRoom returns appointment metadata and live presence (public)
func (h *Handler) GetRoom(c *gin.Context) {
	apt, ok := h.loadRoom(c)
	if !ok {
		return
	}

	count, err := h.store.PeerCount(c.Request.Context(), apt.RoomID)
	if err != nil {
		h.log.Warn("failed to read presence", slog.String("room_id", apt.RoomID), logger.Err(err))
	}
	apt.PeerCount = count

	c.JSON(http.StatusOK, apt)
}

// GetRole tells the caller which side of the negotiation they play.
func (h *Handler) GetRole(c *gin.Context) {
	apt, ok := h.loadRoom(c)
	if !ok {
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	role, err := apt.RoleFor(userID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this appointment"})
		return
	}

	c.JSON(http.StatusOK, models.RoleResponse{RoomID: apt.RoomID, UserID: userID, Role: role})
}

// DeleteRoom removes an appointment room (requires authentication, participants only)
func (h *Handler) DeleteRoom(c *gin.Context) {
	apt, ok := h.loadRoom(c)
	if !ok {
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	if !apt.IsParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only appointment participants can delete the room"})
		return
	}

	if err := h.store.DeleteAppointment(c.Request.Context(), apt.RoomID); err != nil {
		h.log.Error("failed to delete room", slog.String("room_id", apt.RoomID), logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.log.Info("room deleted", slog.String("room_id", apt.RoomID), slog.String("user_id", userID))

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

func (h *Handler) loadRoom(c *gin.Context) (*models.Appointment, bool) {
	roomID := c.Param("roomId")

	apt, err := h.store.Appointment(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return nil, false
		}
		h.log.Error("failed to load room", slog.String("room_id", roomID), logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	return apt, true
}
