package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	store "github.com/mossy-p/telehealth-signaling/internal/redis"
)

const storeTimeout = 2 * time.Second

// Presence mirrors room membership outside the process.
type Presence interface {
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
}

// Directory resolves appointment rooms to their participants.
type Directory interface {
	Appointment(ctx context.Context, roomID string) (*models.Appointment, error)
}

// Options are per-connection limits.
type Options struct {
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendBuffer           int
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.MaxMessagesPerSecond <= 0 {
		o.MaxMessagesPerSecond = 50
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Relay routes signaling envelopes between the members of a room. It reads
// only the envelope; descriptions and candidates pass through untouched.
type Relay struct {
	registry  *Registry
	presence  Presence
	directory Directory
	opts      Options
	log       *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewRelay wires a relay to its registry. presence and directory may be nil.
func NewRelay(registry *Registry, presence Presence, directory Directory, opts Options, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		registry:  registry,
		presence:  presence,
		directory: directory,
		opts:      opts.withDefaults(),
		log:       log,
		clients:   make(map[string]*Client),
	}
}

// Registry returns the room registry the relay routes through.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Serve takes ownership of an upgraded connection for an authenticated
// identity and blocks until it closes. A non-empty roomID joins immediately.
func (r *Relay) Serve(conn *websocket.Conn, userID, roomID string) {
	c := newClient(uuid.NewString(), userID, conn, r.opts, r.log)

	if !r.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer r.untrack(c)

	c.log.Info("peer connected")

	go c.writePump()

	if roomID != "" {
		r.join(c, roomID)
	}
	c.readPump(r)
}

// Close disconnects every client. Safe to call more than once.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (r *Relay) track(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.clients[c.id] = c
	return true
}

func (r *Relay) untrack(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.id)
	r.mu.Unlock()
}

func (r *Relay) route(c *Client, msg models.SignalMessage) {
	switch {
	case msg.Type == models.SignalTypeJoinRoom:
		r.join(c, msg.RoomID)
	case msg.Type == models.SignalTypeLeave:
		r.leave(c)
	case msg.Type.IsNegotiation():
		r.forward(c, msg)
	case msg.Type == models.SignalTypeChat:
		r.relayChat(c, msg)
	default:
		c.log.Debug("unknown message type", slog.String("type", string(msg.Type)))
		c.sendError(models.ErrorCodeUnknownType, "unknown message type: "+string(msg.Type))
	}
}

func (r *Relay) join(c *Client, roomID string) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		c.sendError(models.ErrorCodeBadMessage, "roomId is required")
		return
	}

	role, err := r.resolveRole(roomID, c.userID)
	if err != nil {
		c.log.Info("join refused", slog.String("room_id", roomID), logger.Err(err))
		c.sendError(models.ErrorCodeNotAParticipant, err.Error())
		return
	}

	rejoin := c.roomID == roomID
	if c.roomID != "" && !rejoin {
		r.leave(c)
	}

	if err := r.registry.Join(c, roomID); err != nil {
		c.sendError(models.ErrorCodeBadMessage, err.Error())
		return
	}
	c.roomID = roomID

	r.withStore(func(ctx context.Context) error {
		if r.presence == nil {
			return nil
		}
		return r.presence.AddPeer(ctx, roomID, c.id)
	})

	peers := max(len(r.registry.Members(roomID))-1, 0)

	c.log.Info("peer joined room", slog.String("room_id", roomID), slog.Int("peers", peers), slog.String("role", string(role)))

	c.sendMessage(models.SignalMessage{
		Type:   models.SignalTypeJoined,
		RoomID: roomID,
		From:   c.id,
		UserID: c.userID,
		Role:   role,
		Peers:  peers,
	})

	if rejoin {
		return
	}
	r.broadcast(c, roomID, models.SignalMessage{
		Type:   models.SignalTypePeerJoined,
		RoomID: roomID,
		From:   c.id,
		UserID: c.userID,
	})
}

// leave removes c from its room and tells whoever remains.
func (r *Relay) leave(c *Client) {
	roomID, ok := r.registry.Leave(c)
	c.roomID = ""
	if !ok {
		return
	}

	r.withStore(func(ctx context.Context) error {
		if r.presence == nil {
			return nil
		}
		return r.presence.RemovePeer(ctx, roomID, c.id)
	})

	// Same meaning as on joined: how many others each recipient still shares
	// the room with.
	peers := max(len(r.registry.Members(roomID))-1, 0)

	c.log.Info("peer left room", slog.String("room_id", roomID), slog.Int("peers", peers))

	r.broadcast(c, roomID, models.SignalMessage{
		Type:   models.SignalTypePeerLeft,
		RoomID: roomID,
		From:   c.id,
		UserID: c.userID,
		Peers:  peers,
	})
}

// forward relays offer/answer/ice-candidate envelopes verbatim.
func (r *Relay) forward(c *Client, msg models.SignalMessage) {
	if !r.checkRoom(c, msg.RoomID) {
		return
	}

	out := models.SignalMessage{
		Type:        msg.Type,
		RoomID:      c.roomID,
		From:        c.id,
		UserID:      c.userID,
		Description: msg.Description,
		Candidate:   msg.Candidate,
	}
	n := r.broadcast(c, c.roomID, out)

	c.log.Debug("relayed signal",
		slog.String("type", string(msg.Type)),
		slog.String("room_id", c.roomID),
		slog.Int("recipients", n),
	)
}

// checkRoom reports whether c may send into roomID, answering with an error
// envelope when it may not. An empty roomID means the joined room.
func (r *Relay) checkRoom(c *Client, roomID string) bool {
	if c.roomID == "" {
		c.sendError(models.ErrorCodeNotJoined, "join a room first")
		return false
	}
	if roomID != "" && roomID != c.roomID {
		c.sendError(models.ErrorCodeRoomMismatch, "message roomId does not match joined room")
		return false
	}
	return true
}

func (r *Relay) broadcast(sender *Client, roomID string, msg models.SignalMessage) int {
	msg.Version = models.ProtocolVersion
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("failed to marshal message", logger.Err(err))
		return 0
	}
	return r.registry.Broadcast(roomID, sender, data)
}

func (r *Relay) resolveRole(roomID, userID string) (models.Role, error) {
	if r.directory == nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	apt, err := r.directory.Appointment(ctx, roomID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Warn("appointment lookup failed", slog.String("room_id", roomID), logger.Err(err))
		}
		return "", nil
	}
	return apt.RoleFor(userID)
}

func (r *Relay) withStore(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log.Warn("presence update failed", logger.Err(err))
	}
}
