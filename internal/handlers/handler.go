package handlers

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/signaling"
)

// RoomStore is the appointment directory plus the presence mirror.
type RoomStore interface {
	SaveAppointment(ctx context.Context, apt models.Appointment) error
	Appointment(ctx context.Context, roomID string) (*models.Appointment, error)
	DeleteAppointment(ctx context.Context, roomID string) error
	PeerCount(ctx context.Context, roomID string) (int, error)
}

// Handler serves the HTTP and WebSocket surface of the signaling service.
type Handler struct {
	store          RoomStore
	relay          *signaling.Relay
	jwtSecret      string
	allowedOrigins []string
	upgrader       websocket.Upgrader
	log            *slog.Logger
}

func New(store RoomStore, relay *signaling.Relay, jwtSecret string, allowedOrigins []string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		store:          store,
		relay:          relay,
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
		log:            log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}
